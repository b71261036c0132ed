package connection

import (
	"log/slog"
	"sync"
	"time"
)

// breakerState is the circuit breaker's state for one remote connection's
// RPC health, gating bind/ping attempts against a host that is failing
// repeatedly instead of hammering discovery every tick.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after a run of consecutive RPC failures against a
// single recorder-client host, and holds bind/ping attempts off until
// timeout has passed, then allows one half-open trial.
type CircuitBreaker struct {
	mu sync.Mutex

	maxFailures int
	timeout     time.Duration

	state           breakerState
	failureCount    int
	lastFailureTime time.Time

	log *slog.Logger
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive failures and stays open for timeout before probing again.
func NewCircuitBreaker(maxFailures int, timeout time.Duration, log *slog.Logger) *CircuitBreaker {
	if log == nil {
		log = slog.Default()
	}
	return &CircuitBreaker{maxFailures: maxFailures, timeout: timeout, state: breakerClosed, log: log}
}

// Allow reports whether a bind/RPC attempt should proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed, breakerHalfOpen:
		return true
	case breakerOpen:
		if time.Since(cb.lastFailureTime) >= cb.timeout {
			cb.state = breakerHalfOpen
			cb.log.Info("circuit breaker probing half-open", slog.Duration("timeout", cb.timeout))
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess closes the breaker and resets the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != breakerClosed {
		cb.log.Info("circuit breaker closed after successful rpc")
	}
	cb.state = breakerClosed
	cb.failureCount = 0
}

// RecordFailure increments the streak and opens the breaker once
// maxFailures consecutive failures have been observed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = time.Now()

	if cb.state == breakerHalfOpen || cb.failureCount >= cb.maxFailures {
		if cb.state != breakerOpen {
			cb.log.Warn("circuit breaker opened", slog.Int("failure_count", cb.failureCount))
		}
		cb.state = breakerOpen
	}
}

// State returns the current breaker state, for status/metrics reporting.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}
