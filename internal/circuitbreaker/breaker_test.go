package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient upstream failure")

func newTestBreaker(reset time.Duration) *Breaker {
	cfg := DefaultConfig()
	cfg.ResetTimeout = reset
	return New("sheets.values.get", cfg)
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Execute(context.Background(), func(context.Context) error { return errTransient })
	}
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	b := newTestBreaker(time.Minute)

	failN(b, 4)
	assert.Equal(t, StateClosed, b.State())

	failN(b, 1)
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen, "open breaker fails fast")
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(time.Minute)

	failN(b, 4)
	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
	failN(b, 4)
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenSingleProbe(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)
	failN(b, 5)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// Reserve the single probe slot, then verify a second caller is refused.
	record, err := b.Allow()
	require.NoError(t, err)
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrProbeInFlight)

	record(nil)
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := newTestBreaker(5 * time.Millisecond)
	failN(b, 5)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(5 * time.Millisecond)
	failN(b, 5)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	failN(b, 1)
	assert.Equal(t, StateOpen, b.State())

	snap := b.Snapshot()
	assert.True(t, snap.NextAttemptAt.After(time.Now()), "reopening must reset next_attempt_at")
}

func TestUncountableErrorsDoNotTrip(t *testing.T) {
	cfg := DefaultConfig()
	terminal := errors.New("not found")
	cfg.Countable = func(err error) bool { return !errors.Is(err, terminal) }
	b := New("sheets.values.get", cfg)

	for i := 0; i < 20; i++ {
		b.Execute(context.Background(), func(context.Context) error { return terminal })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestRetryPolicyRetriesTransient(t *testing.T) {
	b := newTestBreaker(time.Minute)
	p := DefaultRetryPolicy()
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond

	attempts := 0
	err := p.Do(context.Background(), b, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicyStopsOnTerminal(t *testing.T) {
	b := newTestBreaker(time.Minute)
	terminal := errors.New("invalid params")
	p := DefaultRetryPolicy()
	p.BaseDelay = time.Millisecond
	p.Retryable = func(err error) bool { return !errors.Is(err, terminal) }

	attempts := 0
	err := p.Do(context.Background(), b, func(context.Context) error {
		attempts++
		return terminal
	})
	assert.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicyHonoursRetryAfter(t *testing.T) {
	b := newTestBreaker(time.Minute)
	p := DefaultRetryPolicy()
	p.MaxRetries = 1
	p.BaseDelay = time.Millisecond
	p.RetryAfter = func(error) (time.Duration, bool) { return 30 * time.Millisecond, true }

	start := time.Now()
	attempts := 0
	p.Do(context.Background(), b, func(context.Context) error {
		attempts++
		if attempts == 1 {
			return errTransient
		}
		return nil
	})
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRetryPolicyRespectsDeadline(t *testing.T) {
	b := newTestBreaker(time.Minute)
	p := DefaultRetryPolicy()
	p.BaseDelay = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := p.Do(ctx, b, func(context.Context) error { return errTransient })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDelayBounds(t *testing.T) {
	p := DefaultRetryPolicy()
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, p.MaxDelay)
		}
	}
}

func TestFallbackPriorityOrder(t *testing.T) {
	reg := NewFallbackRegistry()
	b := newTestBreaker(time.Minute)
	var order []int

	reg.Register("ep", PriorityDegraded, func(context.Context, error) (interface{}, bool, error) {
		order = append(order, PriorityDegraded)
		return "degraded", true, nil
	})
	reg.Register("ep", PriorityCachedData, func(context.Context, error) (interface{}, bool, error) {
		order = append(order, PriorityCachedData)
		return nil, false, nil // precondition unmet: no cached data
	})

	result, err := reg.Run(context.Background(), b, "ep", ErrCircuitOpen)
	require.NoError(t, err)
	assert.Equal(t, "degraded", result)
	assert.Equal(t, []int{PriorityCachedData, PriorityDegraded}, order)
	assert.Equal(t, uint64(1), b.Snapshot().FallbackUsageCount)
}

func TestFallbackNoMatchReturnsCause(t *testing.T) {
	reg := NewFallbackRegistry()
	_, err := reg.Run(context.Background(), nil, "ep", ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestRegistryReusesBreakers(t *testing.T) {
	reg := NewRegistry(DefaultConfig(), nil)
	b1 := reg.Get("sheets.values.get")
	b2 := reg.Get("sheets.values.get")
	assert.Same(t, b1, b2)

	failN(b1, 5)
	assert.False(t, reg.Healthy())
	snaps := reg.Snapshots()
	require.Contains(t, snaps, "sheets.values.get")
	assert.Equal(t, "open", snaps["sheets.values.get"].State)
}
