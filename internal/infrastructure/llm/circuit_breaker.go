package llm

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, reject calls until openUntil
	CircuitHalfOpen                     // one probe admitted
)

// String returns a human-readable label for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards one backend. Consecutive retryable failures past
// the threshold open the circuit; after the recovery window a single
// probe is admitted. Non-retryable failures and cancellations never
// count.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         CircuitState
	failures      int
	threshold     int
	duration      time.Duration
	openUntil     time.Time
	probeInFlight bool
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive retryable failures and stays open for duration.
func NewCircuitBreaker(threshold int, duration time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if duration <= 0 {
		duration = 30 * time.Second
	}
	return &CircuitBreaker{
		state:     CircuitClosed,
		threshold: threshold,
		duration:  duration,
	}
}

// Allow reports whether a call may proceed, atomically claiming the
// half-open probe slot when the recovery window has lapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Now().Before(cb.openUntil) {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.probeInFlight = true
		return true
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return false // exactly one probe at a time
		}
		cb.probeInFlight = true
		return true
	}
	return false
}

// CanAttempt is the read-only form of Allow for selection scans; it does
// not claim the probe slot.
func (cb *CircuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		return !time.Now().Before(cb.openUntil)
	case CircuitHalfOpen:
		return !cb.probeInFlight
	}
	return false
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probeInFlight = false
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
	}
}

// RecordFailure records a failed call. Only retryable failures count
// toward opening the circuit; a half-open probe failure re-opens with a
// fresh window.
func (cb *CircuitBreaker) RecordFailure(retryable bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeInFlight = false
	if !retryable {
		return
	}

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openUntil = time.Now().Add(cb.duration)
		cb.failures = 0
		return
	}

	cb.failures++
	if cb.failures >= cb.threshold {
		cb.state = CircuitOpen
		cb.openUntil = time.Now().Add(cb.duration)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OpenUntil returns when an open circuit next admits a probe.
func (cb *CircuitBreaker) OpenUntil() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.openUntil
}

// Reset forces the circuit back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probeInFlight = false
}
