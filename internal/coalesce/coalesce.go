// Package coalesce provides the shared in-flight future used by the request
// deduplicator, merger and batcher: one producer, many waiters, where a
// waiter abandoning its wait never cancels the producer.
package coalesce

import (
	"context"
	"sync"
)

// Flight is a single shared unit of work. The result is broadcast to every
// waiter by closing done.
type Flight struct {
	done chan struct{}
	val  interface{}
	err  error
}

// NewFlight returns an unresolved flight.
func NewFlight() *Flight {
	return &Flight{done: make(chan struct{})}
}

// Resolve settles the flight. Resolving twice panics: collectors guarantee a
// window is drained exactly once.
func (f *Flight) Resolve(val interface{}, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

// Wait blocks until the flight settles or ctx ends. A ctx abort detaches
// this waiter only; the shared work keeps running for everyone else.
func (f *Flight) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes the settle channel for select loops.
func (f *Flight) Done() <-chan struct{} { return f.done }

// Group coalesces concurrent calls that share a key onto one execution.
type Group struct {
	mu      sync.Mutex
	flights map[string]*Flight

	hits   uint64
	misses uint64
}

// NewGroup returns an empty group.
func NewGroup() *Group {
	return &Group{flights: make(map[string]*Flight)}
}

// Do returns the in-flight result for key if one exists, else runs fn in its
// own goroutine and shares the outcome. fn is never passed the caller's
// context: the work belongs to every waiter, so it runs to completion even
// if the originating caller gives up.
func (g *Group) Do(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, error) {
	g.mu.Lock()
	if f, ok := g.flights[key]; ok {
		g.hits++
		g.mu.Unlock()
		return f.Wait(ctx)
	}

	f := NewFlight()
	g.flights[key] = f
	g.misses++
	g.mu.Unlock()

	go func() {
		val, err := fn()

		g.mu.Lock()
		delete(g.flights, key)
		g.mu.Unlock()

		f.Resolve(val, err)
	}()

	return f.Wait(ctx)
}

// InFlight returns the number of open flights.
func (g *Group) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}

// Stats returns coalesced-hit and miss counters since process start.
func (g *Group) Stats() (hits, misses uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hits, g.misses
}
