package llm

import (
	"testing"
	"time"
)

func TestBreaker_OpensAfterConsecutiveRetryableFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.RecordFailure(true)
	cb.RecordFailure(true)
	if cb.State() != CircuitClosed {
		t.Fatal("breaker opened before threshold")
	}
	cb.RecordFailure(true)
	if cb.State() != CircuitOpen {
		t.Fatal("breaker did not open at threshold")
	}
	if cb.Allow() {
		t.Fatal("open breaker admitted a call inside the window")
	}
}

func TestBreaker_NonRetryableNeverCounts(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	for i := 0; i < 10; i++ {
		cb.RecordFailure(false)
	}
	if cb.State() != CircuitClosed {
		t.Fatal("non-retryable failures must not open the breaker")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.RecordFailure(true)
	cb.RecordSuccess()
	cb.RecordFailure(true)
	if cb.State() != CircuitClosed {
		t.Fatal("success must reset the consecutive failure count")
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure(true)
	if cb.State() != CircuitOpen {
		t.Fatal("expected open")
	}

	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected probe after the window lapsed")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatal("expected half-open after probe claim")
	}
	if cb.Allow() {
		t.Fatal("second concurrent probe admitted")
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Fatal("probe success must close the breaker")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure(true)
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected probe")
	}
	cb.RecordFailure(true)
	if cb.State() != CircuitOpen {
		t.Fatal("probe failure must re-open the breaker")
	}
	if cb.Allow() {
		t.Fatal("fresh window must reject calls")
	}
}

func TestBreaker_CanAttemptDoesNotClaim(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure(true)
	time.Sleep(20 * time.Millisecond)

	if !cb.CanAttempt() {
		t.Fatal("CanAttempt should see the lapsed window")
	}
	if cb.State() != CircuitOpen {
		t.Fatal("CanAttempt must not transition state")
	}
	if !cb.Allow() {
		t.Fatal("Allow should still claim the probe")
	}
}
