// Package capability memoises what each connected peer can do. Handlers
// that want to elicit input or request sampling check here first instead
// of attempting the peer call and failing mid-operation.
package capability

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sheetbridge/gateway/internal/cache"
	"github.com/sheetbridge/gateway/internal/protocol"
)

// Feature names handlers gate on.
const (
	FeatureElicitation = "elicitation"
	FeatureSampling    = "sampling"
	FeatureRoots       = "roots"
)

// Descriptor is one peer's negotiated capability set.
type Descriptor struct {
	Elicitation bool      `json:"elicitation"`
	Sampling    bool      `json:"sampling"`
	Roots       bool      `json:"roots"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Has reports whether the named feature is present.
func (d *Descriptor) Has(feature string) bool {
	switch feature {
	case FeatureElicitation:
		return d.Elicitation
	case FeatureSampling:
		return d.Sampling
	case FeatureRoots:
		return d.Roots
	}
	return false
}

// Prober asks the peer for its capabilities when nothing is cached. The
// session layer provides one backed by the initialize handshake.
type Prober interface {
	Probe(ctx context.Context, sessionID string) (*Descriptor, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, sessionID string) (*Descriptor, error)

func (f ProberFunc) Probe(ctx context.Context, sessionID string) (*Descriptor, error) {
	return f(ctx, sessionID)
}

// Cache is the two-tier store: process-local map first, then an optional
// shared backend so sibling pods skip the probe.
type Cache struct {
	prober  Prober
	backend cache.Backend
	ttl     time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	local  map[string]*Descriptor
	hits   uint64
	misses uint64
}

// New creates a cache. backend may be nil.
func New(prober Prober, backend cache.Backend, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		prober:  prober,
		backend: backend,
		ttl:     ttl,
		logger:  logger,
		local:   make(map[string]*Descriptor),
	}
}

func backendKey(sessionID string) string { return "sbg:capability:" + sessionID }

// Get returns the session's capabilities, probing the peer at most once
// per TTL.
func (c *Cache) Get(ctx context.Context, sessionID string) (*Descriptor, error) {
	c.mu.Lock()
	d, ok := c.local[sessionID]
	if ok && time.Since(d.FetchedAt) < c.ttl {
		c.hits++
		c.mu.Unlock()
		return d, nil
	}
	c.misses++
	c.mu.Unlock()

	if c.backend != nil {
		if raw, err := c.backend.Get(ctx, backendKey(sessionID)); err == nil && len(raw) > 0 {
			var shared Descriptor
			if json.Unmarshal(raw, &shared) == nil && time.Since(shared.FetchedAt) < c.ttl {
				c.store(ctx, sessionID, &shared, false)
				return &shared, nil
			}
		}
	}

	probed, err := c.prober.Probe(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	probed.FetchedAt = time.Now()
	c.store(ctx, sessionID, probed, true)
	return probed, nil
}

// Seed installs capabilities learned during the initialize handshake,
// avoiding a probe entirely.
func (c *Cache) Seed(ctx context.Context, sessionID string, caps protocol.ClientCapabilities) {
	d := &Descriptor{
		Elicitation: caps.Elicitation,
		Sampling:    caps.Sampling,
		Roots:       caps.Roots,
		FetchedAt:   time.Now(),
	}
	c.store(ctx, sessionID, d, true)
}

func (c *Cache) store(ctx context.Context, sessionID string, d *Descriptor, mirror bool) {
	c.mu.Lock()
	c.local[sessionID] = d
	c.mu.Unlock()

	if mirror && c.backend != nil {
		raw, err := json.Marshal(d)
		if err == nil {
			if err := c.backend.Set(ctx, backendKey(sessionID), raw, c.ttl); err != nil {
				c.logger.Debug("capability mirror failed", "session_id", sessionID, "error", err)
			}
		}
	}
}

// Invalidate drops a session's entry, e.g. on disconnect.
func (c *Cache) Invalidate(ctx context.Context, sessionID string) {
	c.mu.Lock()
	delete(c.local, sessionID)
	c.mu.Unlock()
	if c.backend != nil {
		if err := c.backend.Del(ctx, backendKey(sessionID)); err != nil {
			c.logger.Debug("capability backend delete failed", "session_id", sessionID, "error", err)
		}
	}
}

// Require returns a typed unavailability error when the session's peer
// lacks the feature.
func (c *Cache) Require(ctx context.Context, sessionID, feature string) error {
	d, err := c.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if d.Has(feature) {
		return nil
	}
	switch feature {
	case FeatureElicitation:
		return protocol.NewError(protocol.ErrElicitationUnavailable,
			"the connected client does not support elicitation").
			WithResolution("pass the required values as tool parameters instead of relying on interactive prompts")
	case FeatureSampling:
		return protocol.NewError(protocol.ErrSamplingUnavailable,
			"the connected client does not support sampling").
			WithResolution("perform the generation client-side and pass the result as a parameter")
	}
	return protocol.Errorf(protocol.ErrFeatureUnavailable, "the connected client does not support %s", feature)
}

// Stats is the /stats capabilities block.
type Stats struct {
	Cached uint64 `json:"cached"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// Snapshot returns cache counters.
func (c *Cache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Cached: uint64(len(c.local)), Hits: c.hits, Misses: c.misses}
}
