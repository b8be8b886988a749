package observability

import (
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means requests are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen means requests are blocked until the recovery timeout.
	StateOpen
	// StateHalfOpen means a limited number of probe requests are allowed.
	StateHalfOpen
)

// CircuitBreaker guards an upstream (one per registry host) so a dead or
// misbehaving endpoint fails fast instead of burning the rate budget on
// doomed requests.
type CircuitBreaker struct {
	name        string
	maxFailures int
	timeout     time.Duration

	mu           sync.Mutex
	state        CircuitBreakerState
	failures     int
	lastFailure  time.Time
	successCount int
	halfOpenMax  int
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive failures and probes again after timeout.
func NewCircuitBreaker(name string, maxFailures int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       StateClosed,
		halfOpenMax: 3,
	}
}

// Allow reports whether a request may proceed. The caller must follow up
// with Record. The lock is not held across the request itself.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.timeout {
		cb.state = StateHalfOpen
		cb.successCount = 0
	}

	allowed := false
	switch cb.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		allowed = cb.successCount < cb.halfOpenMax
	}
	RecordCircuitBreakerStatus(cb.name, "allow", int(cb.state))
	if !allowed {
		return fmt.Errorf("circuit breaker %s is %s", cb.name, cb.stateString())
	}
	return nil
}

// Record feeds the outcome of a permitted request back into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.failures >= cb.maxFailures {
			cb.state = StateOpen
		}
	} else {
		if cb.state == StateClosed {
			cb.failures = 0
		}
		if cb.state == StateHalfOpen {
			cb.successCount++
			if cb.successCount >= cb.halfOpenMax {
				cb.state = StateClosed
				cb.successCount = 0
				cb.failures = 0
			}
		}
	}
	RecordCircuitBreakerStatus(cb.name, "record", int(cb.state))
}

// Call executes fn under breaker protection.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

func (cb *CircuitBreaker) stateString() string {
	switch cb.state {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsOpen reports whether the breaker is currently rejecting requests.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.GetState() == StateOpen
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
}
