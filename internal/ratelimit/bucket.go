// Package ratelimit paces outbound API calls with per-endpoint-group token
// buckets.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDeadline is returned when the caller's deadline elapses before enough
// tokens accumulate.
var ErrDeadline = errors.New("rate limiter: deadline elapsed while waiting for tokens")

// Bucket is a token bucket: capacity tokens max, refilled at RefillPerSec.
type Bucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	lastRefill   time.Time

	waited   uint64
	rejected uint64
}

// NewBucket creates a full bucket.
func NewBucket(capacity int, refillPerSec float64) *Bucket {
	if capacity <= 0 {
		capacity = 10
	}
	if refillPerSec <= 0 {
		refillPerSec = float64(capacity)
	}
	return &Bucket{
		capacity:     float64(capacity),
		tokens:       float64(capacity),
		refillPerSec: refillPerSec,
		lastRefill:   time.Now(),
	}
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillPerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// TryAcquire takes n tokens without blocking.
func (b *Bucket) TryAcquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// Acquire blocks cooperatively until n tokens are available or ctx ends.
// Deadline loss returns ErrDeadline wrapped over the context error.
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	for {
		b.mu.Lock()
		now := time.Now()
		b.refillLocked(now)
		if b.tokens >= float64(n) {
			b.tokens -= float64(n)
			b.mu.Unlock()
			return nil
		}
		deficit := float64(n) - b.tokens
		wait := time.Duration(deficit / b.refillPerSec * float64(time.Second))
		b.waited++
		b.mu.Unlock()

		if deadline, ok := ctx.Deadline(); ok && now.Add(wait).After(deadline) {
			b.mu.Lock()
			b.rejected++
			b.mu.Unlock()
			return errors.Join(ErrDeadline, ctx.Err())
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			b.mu.Lock()
			b.rejected++
			b.mu.Unlock()
			return errors.Join(ErrDeadline, ctx.Err())
		case <-timer.C:
		}
	}
}

// Available returns the current token count, refilled to now.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

// Limiter holds one bucket per endpoint group.
type Limiter struct {
	mu        sync.RWMutex
	buckets   map[string]*Bucket
	newBucket func() *Bucket
}

// NewLimiter creates a limiter that stamps new groups with the given
// capacity and refill rate.
func NewLimiter(capacity int, refillPerSec float64) *Limiter {
	return &Limiter{
		buckets:   make(map[string]*Bucket),
		newBucket: func() *Bucket { return NewBucket(capacity, refillPerSec) },
	}
}

// Bucket returns the bucket for a group, creating it on first use.
func (l *Limiter) Bucket(group string) *Bucket {
	l.mu.RLock()
	b, ok := l.buckets[group]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[group]; ok {
		return b
	}
	b = l.newBucket()
	l.buckets[group] = b
	return b
}

// Acquire takes n tokens from the group's bucket. All outbound writes
// acquire at least one token.
func (l *Limiter) Acquire(ctx context.Context, group string, n int) error {
	return l.Bucket(group).Acquire(ctx, n)
}

// Stats returns available token counts per group.
func (l *Limiter) Stats() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]float64, len(l.buckets))
	for group, b := range l.buckets {
		out[group] = b.Available()
	}
	return out
}
