package httpclient

import (
	"sync"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreaker opens after threshold consecutive failures, stays open for
// timeout, then lets up to halfOpenMax probes through.
type CircuitBreaker struct {
	mu          sync.Mutex
	threshold   int
	timeout     time.Duration
	halfOpenMax int

	state       CircuitState
	failures    int
	probes      int
	lastFailure time.Time

	totalRequests  int64
	totalFailures  int64
	stateChangedAt time.Time
}

// NewCircuitBreaker creates a closed breaker. Non-positive parameters take
// the package defaults.
func NewCircuitBreaker(threshold int, timeout time.Duration, halfOpenMax int) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultCircuitThreshold
	}
	if timeout <= 0 {
		timeout = DefaultCircuitTimeout
	}
	if halfOpenMax <= 0 {
		halfOpenMax = DefaultCircuitHalfOpenMax
	}
	return &CircuitBreaker{
		threshold:      threshold,
		timeout:        timeout,
		halfOpenMax:    halfOpenMax,
		stateChangedAt: time.Now(),
	}
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailure) < cb.timeout {
			return false
		}
		cb.setState(CircuitHalfOpen)
		cb.probes = 1
		return true
	case CircuitHalfOpen:
		if cb.probes < cb.halfOpenMax {
			cb.probes++
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.setState(CircuitClosed)
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.totalFailures++
	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.threshold {
			cb.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.setState(CircuitOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probes = 0
	cb.setState(CircuitClosed)
}

// CircuitBreakerStats is a snapshot of breaker counters.
type CircuitBreakerStats struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	TotalRequests       int64        `json:"total_requests"`
	TotalFailures       int64        `json:"total_failures"`
	LastFailure         time.Time    `json:"last_failure,omitempty"`
	StateChangedAt      time.Time    `json:"state_changed_at"`
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		TotalRequests:       cb.totalRequests,
		TotalFailures:       cb.totalFailures,
		LastFailure:         cb.lastFailure,
		StateChangedAt:      cb.stateChangedAt,
	}
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	if cb.state != s {
		cb.state = s
		cb.stateChangedAt = time.Now()
	}
}
