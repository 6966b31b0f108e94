package handler

import (
	"context"
	"log/slog"

	"google.golang.org/api/sheets/v4"

	"github.com/sheetbridge/gateway/internal/cache"
	"github.com/sheetbridge/gateway/internal/coalesce"
	"github.com/sheetbridge/gateway/internal/gridrange"
	"github.com/sheetbridge/gateway/internal/merge"
	"github.com/sheetbridge/gateway/internal/protocol"
	"github.com/sheetbridge/gateway/internal/refresh"
)

// ReadRequest identifies one read through the optimised path.
type ReadRequest struct {
	SpreadsheetID  string
	Range          string
	RenderOption   string
	MajorDimension string
	// Fresh bypasses the cache without invalidating it.
	Fresh bool
}

// Prefetcher warms caches when a spreadsheet is first touched; the
// refresh engine satisfies it.
type Prefetcher interface {
	PrefetchOnOpen(spreadsheetID string)
}

// Reader is the layered read path: cache, then identical-request
// coalescing, then window merging, then the API shell. Every layer is
// transparent to the caller.
type Reader struct {
	cache    *cache.Manager
	dedup    *coalesce.Group
	merger   *merge.Merger
	tracker  *refresh.AccessTracker
	metadata MetadataSource
	prefetch Prefetcher
	logger   *slog.Logger
}

// NewReader wires the read path. tracker, metadata and prefetch may be
// nil when the refresh engine is disabled.
func NewReader(c *cache.Manager, merger *merge.Merger, tracker *refresh.AccessTracker,
	metadata MetadataSource, prefetch Prefetcher, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		cache:    c,
		dedup:    coalesce.NewGroup(),
		merger:   merger,
		tracker:  tracker,
		metadata: metadata,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Read serves a range, preferring cache, then an identical in-flight
// read, then a merged window fetch.
func (r *Reader) Read(ctx context.Context, req ReadRequest) (*sheets.ValueRange, error) {
	if r.prefetch != nil {
		r.prefetch.PrefetchOnOpen(req.SpreadsheetID)
	}
	key := cache.ValuesKey(req.SpreadsheetID, req.Range, req.RenderOption, req.MajorDimension)
	if r.tracker != nil {
		r.tracker.Record(key)
	}

	if !req.Fresh {
		if v, ok := r.cache.Get(ctx, key, cache.NamespaceValues); ok {
			if vr, ok := v.(*sheets.ValueRange); ok {
				return vr, nil
			}
		}
	}

	result, err := r.dedup.Do(ctx, key, func() (interface{}, error) {
		// The fetch belongs to every coalesced waiter; the merger applies
		// its own detached deadline downstream.
		fetchCtx := context.Background()
		vr, err := r.fetch(fetchCtx, req)
		if err != nil {
			return nil, err
		}
		r.cacheResult(fetchCtx, key, req, vr)
		return vr, nil
	})
	if err != nil {
		return nil, err
	}
	vr, ok := result.(*sheets.ValueRange)
	if !ok {
		return nil, protocol.Errorf(protocol.ErrInternal, "unexpected read result type")
	}
	return vr, nil
}

func (r *Reader) fetch(ctx context.Context, req ReadRequest) (*sheets.ValueRange, error) {
	return r.merger.Read(ctx, merge.ReadRequest{
		SpreadsheetID:  req.SpreadsheetID,
		Range:          req.Range,
		RenderOption:   req.RenderOption,
		MajorDimension: req.MajorDimension,
	})
}

func (r *Reader) cacheResult(ctx context.Context, key string, req ReadRequest, vr *sheets.ValueRange) {
	deps := make([]cache.Dependency, 0, 1)
	if rng, err := gridrange.Parse(req.Range); err == nil {
		deps = append(deps, cache.Dependency{SpreadsheetID: req.SpreadsheetID, Range: rng})
	}
	r.cache.Set(ctx, key, vr, cache.NamespaceValues, 0, deps...)
}

// Refresh implements the refresh engine's fetcher: re-execute the read a
// cache key encodes, bypassing the cache but still deduplicating and
// merging.
func (r *Reader) Refresh(ctx context.Context, parts cache.KeyParts) (interface{}, []cache.Dependency, error) {
	switch parts.Method {
	case "spreadsheet.get":
		if r.metadata == nil {
			return nil, nil, protocol.Errorf(protocol.ErrInternal, "no metadata source configured")
		}
		ss, err := r.metadata.Get(ctx, parts.SpreadsheetID, parts.Fields)
		if err != nil {
			return nil, nil, err
		}
		return ss, nil, nil
	case "values.get":
	default:
		return nil, nil, protocol.Errorf(protocol.ErrInvalidParams, "cannot refresh %q entries", parts.Method)
	}
	vr, err := r.fetch(ctx, ReadRequest{
		SpreadsheetID:  parts.SpreadsheetID,
		Range:          parts.Range,
		RenderOption:   parts.RenderOption,
		MajorDimension: parts.MajorDimension,
	})
	if err != nil {
		return nil, nil, err
	}
	var deps []cache.Dependency
	if rng, parseErr := gridrange.Parse(parts.Range); parseErr == nil {
		deps = append(deps, cache.Dependency{SpreadsheetID: parts.SpreadsheetID, Range: rng})
	}
	return vr, deps, nil
}

// DedupStats exposes coalescing counters for /stats.
func (r *Reader) DedupStats() (hits, misses uint64) {
	return r.dedup.Stats()
}
