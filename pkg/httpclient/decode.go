package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

const acceptEncoding = "gzip, deflate, br"

func (c *Client) decode(resp *http.Response) io.ReadCloser {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get(HeaderContentEncoding)))
	switch enc {
	case "":
		return resp.Body
	case "gzip":
		r, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("invalid gzip body, returning raw body", slog.String("error", err.Error()))
			return resp.Body
		}
		return &decodedBody{Reader: r, body: resp.Body}
	case "deflate":
		return &decodedBody{Reader: flate.NewReader(resp.Body), body: resp.Body}
	case "br":
		return &decodedBody{Reader: brotli.NewReader(resp.Body), body: resp.Body}
	default:
		c.logger.Debug("unknown content encoding", slog.String("encoding", enc))
		return resp.Body
	}
}

type decodedBody struct {
	io.Reader
	body io.Closer
}

func (d *decodedBody) Close() error {
	if c, ok := d.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return d.body.Close()
}

// limitedReader fails with ErrResponseTooLarge once more than limit bytes
// have been read.
type limitedReader struct {
	r         io.ReadCloser
	remaining int64
}

func newLimitedReader(r io.ReadCloser, limit int64) *limitedReader {
	return &limitedReader{r: r, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrResponseTooLarge
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrResponseTooLarge
	}
	return n, err
}

func (l *limitedReader) Close() error {
	return l.r.Close()
}
