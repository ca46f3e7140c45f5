package engine

import (
	"fmt"
	"time"
)

// RetryMode selects what happens when a key is missing.
type RetryMode string

const (
	// RetryModeRetry waits and looks the key up again, up to MaxRetries times.
	RetryModeRetry RetryMode = "retry"
	// RetryModeAbandon reports ErrKeyNotYetAvailable on the first miss.
	RetryModeAbandon RetryMode = "abandon"
)

const (
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultMinRetryDelay = 50 * time.Millisecond
	DefaultMaxRetryDelay = 2 * time.Second
)

// Config is the key-miss policy.
type Config struct {
	RetryMode  RetryMode
	MaxRetries int
	// RetryDelay is the wait between lookups. The fragment duration caps it;
	// zero means use the fragment duration.
	RetryDelay    time.Duration
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryMode == "" {
		c.RetryMode = RetryModeRetry
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.RetryMode == RetryModeRetry {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MinRetryDelay <= 0 {
		c.MinRetryDelay = DefaultMinRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	return c
}

// Validate checks the policy.
func (c Config) Validate() error {
	switch c.RetryMode {
	case RetryModeRetry, RetryModeAbandon:
	default:
		return fmt.Errorf("engine: retry mode must be retry or abandon, got %q", c.RetryMode)
	}
	if c.MinRetryDelay > c.MaxRetryDelay {
		return fmt.Errorf("engine: min retry delay %s exceeds max %s", c.MinRetryDelay, c.MaxRetryDelay)
	}
	return nil
}

// retryDelay returns the wait before the next lookup for a fragment of the
// given nominal duration.
func (c Config) retryDelay(fragment time.Duration) time.Duration {
	d := c.RetryDelay
	if fragment > 0 && (d <= 0 || fragment < d) {
		d = fragment
	}
	if d <= 0 {
		d = DefaultRetryDelay
	}
	if d < c.MinRetryDelay {
		d = c.MinRetryDelay
	}
	if d > c.MaxRetryDelay {
		d = c.MaxRetryDelay
	}
	return d
}
