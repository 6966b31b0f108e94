// Package cache implements the namespaced TTL store shared by the read path,
// the safety gate and the refresh engine. Entries carry range dependency
// tags so writes can invalidate every overlapping read.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sheetbridge/gateway/internal/gridrange"
)

// Well-known namespaces.
const (
	NamespaceValues      = "values"
	NamespaceSpreadsheet = "spreadsheet"
	NamespaceMetadata    = "metadata"
	NamespaceCapability  = "capability"
)

// Dependency ties an entry to a rectangle of a spreadsheet for write
// invalidation.
type Dependency struct {
	SpreadsheetID string
	Range         gridrange.Range
}

// Entry is a stored value plus its bookkeeping. ExpiresAt is always after
// CreatedAt; an expired entry is invisible to Get but remains visible to
// Expiring until evicted.
type Entry struct {
	Key          string
	Namespace    string
	Value        interface{}
	CreatedAt    time.Time
	ExpiresAt    time.Time
	SizeEstimate int
	Dependencies []Dependency
}

// Expired reports whether the entry's TTL has elapsed.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Backend mirrors hot entries into a shared store so multiple gateway pods
// see each other's reads. Any Redis-shaped client satisfies it; failures
// here are logged and swallowed, never surfaced to callers.
type Backend interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

// Config holds per-namespace TTL defaults and size budgets.
type Config struct {
	DefaultTTL      time.Duration
	NamespaceTTLs   map[string]time.Duration
	NamespaceBudget int // max estimated bytes per namespace before LRU eviction
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 5 * time.Minute,
		NamespaceTTLs: map[string]time.Duration{
			NamespaceValues:      2 * time.Minute,
			NamespaceSpreadsheet: 5 * time.Minute,
			NamespaceMetadata:    10 * time.Minute,
			NamespaceCapability:  time.Hour,
		},
		NamespaceBudget: 32 << 20,
	}
}

// Manager is the process-global cache.
type Manager struct {
	mu         sync.Mutex
	namespaces map[string]*namespace
	cfg        Config
	backend    Backend
	logger     *slog.Logger

	hits      uint64
	misses    uint64
	evictions uint64
}

type namespace struct {
	entries map[string]*list.Element // key -> element holding *Entry
	lru     *list.List               // front = most recently used
	size    int
}

// NewManager creates a cache with the given config. backend may be nil.
func NewManager(cfg Config, backend Backend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.NamespaceBudget == 0 {
		cfg.NamespaceBudget = DefaultConfig().NamespaceBudget
	}
	return &Manager{
		namespaces: make(map[string]*namespace),
		cfg:        cfg,
		backend:    backend,
		logger:     logger,
	}
}

// TTLFor returns the configured TTL for a namespace.
func (m *Manager) TTLFor(ns string) time.Duration {
	if ttl, ok := m.cfg.NamespaceTTLs[ns]; ok {
		return ttl
	}
	return m.cfg.DefaultTTL
}

func (m *Manager) ns(name string) *namespace {
	n, ok := m.namespaces[name]
	if !ok {
		n = &namespace{entries: make(map[string]*list.Element), lru: list.New()}
		m.namespaces[name] = n
	}
	return n
}

// Get returns the live value for key, treating expired entries as absent.
// On a local miss the distributed backend is consulted when present.
func (m *Manager) Get(ctx context.Context, key, nsName string) (interface{}, bool) {
	m.mu.Lock()
	n, ok := m.namespaces[nsName]
	if ok {
		if el, ok := n.entries[key]; ok {
			entry := el.Value.(*Entry)
			if !entry.Expired(time.Now()) {
				n.lru.MoveToFront(el)
				m.hits++
				m.mu.Unlock()
				return entry.Value, true
			}
		}
	}
	m.misses++
	m.mu.Unlock()

	if m.backend != nil {
		if raw, err := m.backend.Get(ctx, backendKey(nsName, key)); err == nil && raw != nil {
			var value interface{}
			if err := json.Unmarshal(raw, &value); err == nil {
				return value, true
			}
		}
	}
	return nil, false
}

// GetEntry returns the full entry regardless of freshness. The refresh
// engine uses this to reconstruct requests from stale entries.
func (m *Manager) GetEntry(key, nsName string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.namespaces[nsName]
	if !ok {
		return nil, false
	}
	el, ok := n.entries[key]
	if !ok {
		return nil, false
	}
	copy := *el.Value.(*Entry)
	return &copy, true
}

// Set stores a value with the given TTL (0 uses the namespace default) and
// dependency tags, then mirrors to the distributed backend if configured.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, nsName string, ttl time.Duration, deps ...Dependency) {
	if ttl <= 0 {
		ttl = m.TTLFor(nsName)
	}
	now := time.Now()
	entry := &Entry{
		Key:          key,
		Namespace:    nsName,
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		SizeEstimate: estimateSize(value),
		Dependencies: deps,
	}

	m.mu.Lock()
	n := m.ns(nsName)
	if el, ok := n.entries[key]; ok {
		n.size -= el.Value.(*Entry).SizeEstimate
		n.lru.Remove(el)
	}
	n.entries[key] = n.lru.PushFront(entry)
	n.size += entry.SizeEstimate
	m.evictOverBudgetLocked(n)
	m.mu.Unlock()

	if m.backend != nil {
		raw, err := json.Marshal(value)
		if err == nil {
			err = m.backend.Set(ctx, backendKey(nsName, key), raw, ttl)
		}
		if err != nil {
			m.logger.Warn("cache backend set failed", "namespace", nsName, "key", key, "error", err)
		}
	}
}

// Invalidate removes a single entry.
func (m *Manager) Invalidate(ctx context.Context, key, nsName string) {
	m.mu.Lock()
	if n, ok := m.namespaces[nsName]; ok {
		if el, ok := n.entries[key]; ok {
			n.size -= el.Value.(*Entry).SizeEstimate
			n.lru.Remove(el)
			delete(n.entries, key)
		}
	}
	m.mu.Unlock()

	if m.backend != nil {
		if err := m.backend.Del(ctx, backendKey(nsName, key)); err != nil {
			m.logger.Warn("cache backend del failed", "key", key, "error", err)
		}
	}
}

// InvalidateRange removes every entry in every namespace whose dependency
// tags overlap the written range. Unbounded ranges are maximal along their
// open axis, so a whole-column write clears every row it crosses.
func (m *Manager) InvalidateRange(ctx context.Context, spreadsheetID, a1 string) int {
	written, err := gridrange.Parse(a1)
	if err != nil {
		m.logger.Warn("unparseable invalidation range", "range", a1, "error", err)
		return 0
	}

	var backendKeys []string
	removed := 0

	m.mu.Lock()
	for nsName, n := range m.namespaces {
		for key, el := range n.entries {
			entry := el.Value.(*Entry)
			if !dependsOn(entry, spreadsheetID, written) {
				continue
			}
			n.size -= entry.SizeEstimate
			n.lru.Remove(el)
			delete(n.entries, key)
			backendKeys = append(backendKeys, backendKey(nsName, key))
			removed++
		}
	}
	m.mu.Unlock()

	if m.backend != nil && len(backendKeys) > 0 {
		if err := m.backend.Del(ctx, backendKeys...); err != nil {
			m.logger.Warn("cache backend range invalidation failed", "error", err)
		}
	}
	return removed
}

func dependsOn(entry *Entry, spreadsheetID string, written gridrange.Range) bool {
	for _, dep := range entry.Dependencies {
		if dep.SpreadsheetID != spreadsheetID {
			continue
		}
		if dep.Range.Overlaps(written) {
			return true
		}
	}
	return false
}

// Expiring returns copies of the entries in nsName whose remaining TTL is
// below threshold, including already-expired entries not yet evicted.
func (m *Manager) Expiring(threshold time.Duration, nsName string) []*Entry {
	deadline := time.Now().Add(threshold)

	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.namespaces[nsName]
	if !ok {
		return nil
	}
	var out []*Entry
	for _, el := range n.entries {
		entry := el.Value.(*Entry)
		if entry.ExpiresAt.Before(deadline) {
			copy := *entry
			out = append(out, &copy)
		}
	}
	return out
}

// Sweep evicts expired entries across all namespaces and returns the count.
func (m *Manager) Sweep() int {
	now := time.Now()
	removed := 0

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.namespaces {
		for key, el := range n.entries {
			entry := el.Value.(*Entry)
			if entry.Expired(now) {
				n.size -= entry.SizeEstimate
				n.lru.Remove(el)
				delete(n.entries, key)
				removed++
			}
		}
	}
	return removed
}

func (m *Manager) evictOverBudgetLocked(n *namespace) {
	for n.size > m.cfg.NamespaceBudget && n.lru.Len() > 0 {
		el := n.lru.Back()
		entry := el.Value.(*Entry)
		n.size -= entry.SizeEstimate
		n.lru.Remove(el)
		delete(n.entries, entry.Key)
		m.evictions++
	}
}

// Stats is the /stats cache block.
type Stats struct {
	Hits       uint64         `json:"hits"`
	Misses     uint64         `json:"misses"`
	Evictions  uint64         `json:"evictions"`
	HitRate    float64        `json:"hit_rate"`
	Namespaces map[string]int `json:"namespace_entries"`
	SizeBytes  map[string]int `json:"namespace_size_bytes"`
}

// Snapshot returns current cache statistics.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Hits:       m.hits,
		Misses:     m.misses,
		Evictions:  m.evictions,
		Namespaces: make(map[string]int, len(m.namespaces)),
		SizeBytes:  make(map[string]int, len(m.namespaces)),
	}
	if total := m.hits + m.misses; total > 0 {
		s.HitRate = float64(m.hits) / float64(total)
	}
	for name, n := range m.namespaces {
		s.Namespaces[name] = len(n.entries)
		s.SizeBytes[name] = n.size
	}
	return s
}

func backendKey(ns, key string) string { return "sbg:cache:" + ns + ":" + key }

// estimateSize approximates the in-memory footprint via JSON length. Cheap
// and stable enough for budget accounting.
func estimateSize(value interface{}) int {
	raw, err := json.Marshal(value)
	if err != nil {
		return 64
	}
	return len(raw) + 48
}
