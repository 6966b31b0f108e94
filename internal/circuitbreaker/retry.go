package circuitbreaker

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy retries calls that passed the breaker. Only errors the
// Retryable classifier accepts are retried; a RetryAfter hint from the
// server overrides the computed backoff.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Retryable reports whether the error is worth another attempt.
	Retryable func(error) bool
	// RetryAfter extracts a server-provided wait hint, if any.
	RetryAfter func(error) (time.Duration, bool)
}

// DefaultRetryPolicy returns the production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   8 * time.Second,
		Retryable:  func(error) bool { return true },
	}
}

// Delay computes the wait before attempt n (0-based): base * 2^n plus
// uniform jitter in [0, base), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	backoff := p.BaseDelay << uint(attempt)
	if backoff > p.MaxDelay || backoff <= 0 {
		backoff = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(p.BaseDelay)))
	total := backoff + jitter
	if total > p.MaxDelay {
		total = p.MaxDelay
	}
	return total
}

// Do runs fn with retries. The breaker is consulted once per attempt so an
// endpoint that trips mid-retry fails fast on the next attempt.
func (p RetryPolicy) Do(ctx context.Context, b *Breaker, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt - 1)
			if p.RetryAfter != nil {
				if hint, ok := p.RetryAfter(lastErr); ok && hint > 0 {
					delay = hint
				}
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = b.Execute(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrCircuitOpen) || errors.Is(lastErr, ErrProbeInFlight) {
			return lastErr
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
