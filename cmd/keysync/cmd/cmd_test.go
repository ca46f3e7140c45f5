package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/keysync/internal/config"
	"github.com/jmylchreest/keysync/internal/keys"
	"github.com/jmylchreest/keysync/pkg/httpclient"
)

func TestApplyLoggingFlags(t *testing.T) {
	newFlags := func() *pflag.FlagSet {
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		fs.String("log-level", "info", "")
		fs.String("log-format", "json", "")
		return fs
	}

	t.Run("unset flags keep config values", func(t *testing.T) {
		logCfg := config.LoggingConfig{Level: "DEBUG", Format: "text"}
		applyLoggingFlags(newFlags(), &logCfg)
		assert.Equal(t, "debug", logCfg.Level)
		assert.Equal(t, "text", logCfg.Format)
	})

	t.Run("explicit flags win", func(t *testing.T) {
		fs := newFlags()
		require.NoError(t, fs.Parse([]string{"--log-level=warning"}))
		logCfg := config.LoggingConfig{Level: "debug", Format: "text"}
		applyLoggingFlags(fs, &logCfg)
		assert.Equal(t, "warn", logCfg.Level)
		assert.Equal(t, "text", logCfg.Format)
	})
}

func TestToMap(t *testing.T) {
	cfg := config.Config{
		Push: config.PushConfig{BrokerURL: "wss://broker/mqtt", Password: "hunter2", KeepAlive: 10 * time.Second},
		Index: config.IndexConfig{
			PruneSchedule: "@every 1m",
			Retention:     config.Duration(48 * time.Hour),
		},
	}

	m := toMap(&cfg)
	push := m["push"].(map[string]any)
	assert.Equal(t, masked, push["password"])
	assert.Equal(t, "", push["username"])
	assert.Equal(t, "10s", push["keep_alive"])

	index := m["index"].(map[string]any)
	assert.Equal(t, "2d", index["retention"])
	assert.Equal(t, "@every 1m", index["prune_schedule"])
}

func TestPullOptions(t *testing.T) {
	pull, client, err := pullOptions(config.PullConfig{
		BaseURL:     "http://keys.example",
		MediaKinds:  []string{"video"},
		HTTPTimeout: time.Second,
	}, nil)
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Equal(t, []keys.MediaKind{keys.KindVideo}, pull.Kinds)
	assert.Equal(t, "http://keys.example", pull.BaseURL)

	// Missing key resources must not trip the breaker shared with the index.
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	for range 10 {
		resp, err := client.Get(context.Background(), server.URL+"/video/gone.json")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	assert.Equal(t, httpclient.CircuitClosed, client.CircuitState())

	_, _, err = pullOptions(config.PullConfig{MediaKinds: []string{"subtitles"}}, nil)
	assert.Error(t, err)
}
