package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return cfg
}

func TestClient_Get(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, DefaultUserAgent, r.Header.Get(HeaderUserAgent))
			_, _ = w.Write([]byte("key_a.json\n"))
		}))
		defer server.Close()

		resp, err := NewWithDefaults().Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "key_a.json\n", string(body))
	})

	t.Run("non retryable status is returned", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		resp, err := New(fastConfig()).Get(context.Background(), server.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("retries transient status", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ok"))
		}))
		defer server.Close()

		resp, err := New(fastConfig()).Get(context.Background(), server.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up after retry attempts", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.RetryAttempts = 1
		_, err := New(cfg).Get(context.Background(), server.URL)
		assert.ErrorIs(t, err, ErrMaxRetries)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.RetryDelay = time.Hour
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := New(cfg).Get(ctx, server.URL)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestClient_Decompression(t *testing.T) {
	payload := []byte(`{"fragment_info":{"track_id":1}}`)

	t.Run("gzip", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Contains(t, r.Header.Get(HeaderAcceptEncoding), "gzip")
			w.Header().Set(HeaderContentEncoding, "gzip")
			gz := gzip.NewWriter(w)
			_, _ = gz.Write(payload)
			_ = gz.Close()
		}))
		defer server.Close()

		cfg := DefaultConfig()
		// Keep net/http from decoding gzip itself.
		cfg.BaseClient = &http.Client{Transport: &http.Transport{DisableCompression: true}}
		resp, err := New(cfg).Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, body)
	})

	t.Run("brotli", func(t *testing.T) {
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		_, _ = bw.Write(payload)
		require.NoError(t, bw.Close())

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, "br")
			_, _ = w.Write(buf.Bytes())
		}))
		defer server.Close()

		resp, err := NewWithDefaults().Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, body)
	})
}

func TestClient_MaxResponseSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 100))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.MaxResponseSize = 10
	resp, err := New(cfg).Get(context.Background(), server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestClient_CircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.RetryAttempts = 0
	cfg.CircuitThreshold = 2
	cfg.CircuitTimeout = time.Hour
	client := New(cfg)

	for i := 0; i < 2; i++ {
		resp, err := client.Get(context.Background(), server.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, CircuitOpen, client.CircuitState())

	_, err := client.Get(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.ErrorContains(t, err, ErrCircuitOpen.Error())
	assert.Equal(t, int32(2), calls.Load())

	stats := client.CircuitStats()
	assert.Equal(t, int64(2), stats.TotalFailures)

	client.ResetCircuit()
	assert.Equal(t, CircuitClosed, client.CircuitState())

	t.Run("acceptable codes do not trip the breaker", func(t *testing.T) {
		notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer notFound.Close()

		cfg := fastConfig()
		cfg.CircuitThreshold = 1
		cfg.AcceptableStatusCodes = MustParseStatusCodes("200-299,404")
		client := New(cfg)
		for i := 0; i < 3; i++ {
			resp, err := client.Get(context.Background(), notFound.URL)
			require.NoError(t, err)
			resp.Body.Close()
		}
		assert.Equal(t, CircuitClosed, client.CircuitState())
	})
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, 1)
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe in half-open")

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestParseStatusCodes(t *testing.T) {
	set, err := ParseStatusCodes("200-299, 404")
	require.NoError(t, err)
	assert.True(t, set.Contains(204))
	assert.True(t, set.Contains(404))
	assert.False(t, set.Contains(500))
	assert.Equal(t, "200-299,404", set.String())

	empty, err := ParseStatusCodes(" ")
	require.NoError(t, err)
	assert.Nil(t, empty)
	assert.True(t, empty.IsEmpty())
	assert.False(t, empty.Contains(200))

	for _, bad := range []string{"abc", "300-200", "99", "200-600"} {
		_, err := ParseStatusCodes(bad)
		assert.Error(t, err, bad)
	}
}
