package keysync

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/jmylchreest/keysync/pkg/httpclient"
)

// AcceptableStatusCodes are the responses the pull client counts as healthy
// for its circuit breaker. A 404 means a listed key is gone, not that the key
// server is failing, so it must not open the breaker on the index.
const AcceptableStatusCodes = "200-299,404"

// HTTPFetcher implements Fetcher over the resilient HTTP client.
type HTTPFetcher struct {
	client *httpclient.Client
}

// NewHTTPFetcher wraps client.
func NewHTTPFetcher(client *httpclient.Client) *HTTPFetcher {
	return &HTTPFetcher{client: client}
}

// Fetch GETs url and returns the body of a 2xx response.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := f.client.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return body, nil
}

// Client returns the underlying HTTP client.
func (f *HTTPFetcher) Client() *httpclient.Client {
	return f.client
}
