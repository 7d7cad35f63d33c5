package llm

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy controls re-attempts after retryable failures. MaxRetries
// counts retries beyond the first attempt: 3 retries means 4 total calls.
type RetryPolicy struct {
	Enabled    bool          `json:"enabled" mapstructure:"enabled"`
	MaxRetries int           `json:"maxRetries" mapstructure:"max_retries"`
	BaseDelay  time.Duration `json:"baseDelay" mapstructure:"base_delay"`
}

// DefaultRetryPolicy is used when the config omits a retry block.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Enabled: true, MaxRetries: 2, BaseDelay: 200 * time.Millisecond}
}

// Delay returns the backoff before the given attempt (1-based): base
// doubled per attempt with +-10% jitter. Attempt 1 has no delay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.BaseDelay
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	jitter := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * jitter)
}

// Do runs fn once plus up to MaxRetries re-attempts, sleeping the
// backoff between attempts. It stops early on success, on a
// non-retryable error, or when ctx is done.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.MaxRetries + 1
	if !p.Enabled || attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if d := p.Delay(attempt); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		err = fn(attempt)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || IsCanceled(err) {
			return err
		}
	}
	return err
}
