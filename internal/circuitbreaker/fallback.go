package circuitbreaker

import (
	"context"
	"sort"
	"sync"
)

// FallbackFunc produces a degraded or cached result for a failed call. ok
// reports whether this fallback's precondition held (e.g. cached data
// exists); a false return moves on to the next lower priority.
type FallbackFunc func(ctx context.Context, cause error) (result interface{}, ok bool, err error)

// Canonical fallback priorities.
const (
	PriorityCachedData = 100
	PriorityRetry      = 80
	PriorityDegraded   = 50
)

type fallbackEntry struct {
	priority int
	fn       FallbackFunc
}

// FallbackRegistry holds prioritized fallbacks per endpoint. On sustained
// failure the highest-priority fallback whose precondition is satisfied
// runs.
type FallbackRegistry struct {
	mu      sync.RWMutex
	entries map[string][]fallbackEntry
}

// NewFallbackRegistry returns an empty registry.
func NewFallbackRegistry() *FallbackRegistry {
	return &FallbackRegistry{entries: make(map[string][]fallbackEntry)}
}

// Register adds a fallback for an endpoint, kept sorted by priority
// descending.
func (r *FallbackRegistry) Register(endpoint string, priority int, fn FallbackFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := append(r.entries[endpoint], fallbackEntry{priority: priority, fn: fn})
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority > list[j].priority })
	r.entries[endpoint] = list
}

// Run tries registered fallbacks in priority order. Returns the original
// cause when no fallback applies.
func (r *FallbackRegistry) Run(ctx context.Context, b *Breaker, endpoint string, cause error) (interface{}, error) {
	r.mu.RLock()
	list := r.entries[endpoint]
	r.mu.RUnlock()

	for _, entry := range list {
		result, ok, err := entry.fn(ctx, cause)
		if !ok {
			continue
		}
		if b != nil {
			b.RecordFallback()
		}
		return result, err
	}
	return nil, cause
}
