package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRunsOnce(t *testing.T) {
	g := NewGroup()
	var calls int64
	release := make(chan struct{})

	const waiters = 20
	results := make([]interface{}, waiters)
	errs := make([]error, waiters)

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Do(context.Background(), "k", func() (interface{}, error) {
				atomic.AddInt64(&calls, 1)
				<-release
				return "value", nil
			})
		}(i)
	}

	// Let every waiter attach before the flight settles.
	require.Eventually(t, func() bool { return g.InFlight() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "value", results[i])
	}
	assert.Equal(t, 0, g.InFlight())
}

func TestDoSharesError(t *testing.T) {
	g := NewGroup()
	boom := errors.New("boom")

	_, err1 := g.Do(context.Background(), "k", func() (interface{}, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err1, boom)

	// The failed flight is cleared; the next call runs fresh.
	v, err2 := g.Do(context.Background(), "k", func() (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err2)
	assert.Equal(t, 42, v)
}

func TestCancelledWaiterDetaches(t *testing.T) {
	g := NewGroup()
	release := make(chan struct{})
	var calls int64

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Do(ctx, "k", func() (interface{}, error) {
			atomic.AddInt64(&calls, 1)
			<-release
			return "late", nil
		})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return g.InFlight() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// The shared work is still running; a second caller joins the same flight.
	done := make(chan struct{})
	var got interface{}
	var gotErr error
	go func() {
		got, gotErr = g.Do(context.Background(), "k", func() (interface{}, error) {
			atomic.AddInt64(&calls, 1)
			return "new", nil
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		hits, _ := g.Stats()
		return hits == 1
	}, time.Second, time.Millisecond)
	close(release)
	<-done
	require.NoError(t, gotErr)
	assert.Equal(t, "late", got)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "cancellation must not restart shared work")
}

func TestStats(t *testing.T) {
	g := NewGroup()
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Do(context.Background(), "k", func() (interface{}, error) {
				<-release
				return nil, nil
			})
		}()
	}
	require.Eventually(t, func() bool {
		hits, misses := g.Stats()
		return misses == 1 && hits == 2
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
}
