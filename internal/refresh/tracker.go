package refresh

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// accessStat is the per-key history the scorer consumes.
type accessStat struct {
	mu         sync.Mutex
	count      int
	lastAccess time.Time
}

// AccessTracker remembers which cache keys clients actually read, bounded so
// an assistant scanning thousands of one-off ranges cannot grow it without
// limit. Eviction order doubles as a relevance filter: keys that fall out
// were not worth refreshing anyway.
type AccessTracker struct {
	entries *lru.Cache[string, *accessStat]
}

// NewAccessTracker creates a tracker holding at most capacity keys.
func NewAccessTracker(capacity int) (*AccessTracker, error) {
	if capacity <= 0 {
		capacity = 1000
	}
	entries, err := lru.New[string, *accessStat](capacity)
	if err != nil {
		return nil, err
	}
	return &AccessTracker{entries: entries}, nil
}

// Record notes one client read of key.
func (t *AccessTracker) Record(key string) {
	stat, ok := t.entries.Get(key)
	if !ok {
		stat = &accessStat{}
		// Two concurrent first accesses may race here; losing one count
		// is harmless.
		t.entries.Add(key, stat)
	}
	stat.mu.Lock()
	stat.count++
	stat.lastAccess = time.Now()
	stat.mu.Unlock()
}

// Lookup returns the access count and last-access time for key.
func (t *AccessTracker) Lookup(key string) (int, time.Time, bool) {
	stat, ok := t.entries.Get(key)
	if !ok {
		return 0, time.Time{}, false
	}
	stat.mu.Lock()
	defer stat.mu.Unlock()
	return stat.count, stat.lastAccess, true
}

// Len returns the number of tracked keys.
func (t *AccessTracker) Len() int { return t.entries.Len() }

// Keys lists the tracked cache keys, least recently used first.
func (t *AccessTracker) Keys() []string { return t.entries.Keys() }
