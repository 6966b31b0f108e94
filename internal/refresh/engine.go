// Package refresh keeps frequently-read cache entries warm. A background
// loop scans for entries close to expiry, scores them by how often and how
// recently clients read them, and refetches the highest-priority ones
// through a small worker pool so refresh traffic never competes with live
// requests for more than a sliver of quota.
package refresh

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sheetbridge/gateway/internal/cache"
)

// Fetcher re-executes the read a cache key encodes. The handler layer
// provides one backed by the API shell.
type Fetcher interface {
	Refresh(ctx context.Context, parts cache.KeyParts) (interface{}, []cache.Dependency, error)
}

// Config tunes the engine.
type Config struct {
	Enabled         bool
	ScanInterval    time.Duration // how often to look for expiring entries
	ExpiryHorizon   time.Duration // refresh entries expiring within this window
	Workers         int64         // concurrent refetches
	MinPriority     int           // entries scoring below this are left to expire
	TrackerCapacity int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		ScanInterval:    30 * time.Second,
		ExpiryHorizon:   60 * time.Second,
		Workers:         2,
		MinPriority:     3,
		TrackerCapacity: 1000,
	}
}

// Engine is the background refresher.
type Engine struct {
	cfg     Config
	cache   *cache.Manager
	fetcher Fetcher
	tracker *AccessTracker
	logger  *slog.Logger
	sem     *semaphore.Weighted

	mu         sync.Mutex
	opened     map[string]struct{}
	refreshed  uint64
	failed     uint64
	skipped    uint64
	prefetched uint64
	lastScan   time.Time

	stop chan struct{}
	done chan struct{}
}

// NewEngine creates an engine. Call Start to begin scanning.
func NewEngine(c *cache.Manager, fetcher Fetcher, cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultConfig().ScanInterval
	}
	if cfg.ExpiryHorizon <= 0 {
		cfg.ExpiryHorizon = DefaultConfig().ExpiryHorizon
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	tracker, err := NewAccessTracker(cfg.TrackerCapacity)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		cache:   c,
		fetcher: fetcher,
		tracker: tracker,
		logger:  logger,
		sem:     semaphore.NewWeighted(cfg.Workers),
		opened:  make(map[string]struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Tracker exposes the access tracker so the read path can record hits.
func (e *Engine) Tracker() *AccessTracker { return e.tracker }

// Start launches the scan loop. No-op when disabled.
func (e *Engine) Start() {
	if !e.cfg.Enabled {
		close(e.done)
		return
	}
	go e.loop()
}

// Stop halts the loop and waits for in-flight refreshes to finish.
func (e *Engine) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	<-e.done
}

func (e *Engine) loop() {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.ScanOnce(context.Background())
		}
	}
}

type candidate struct {
	entry    *cache.Entry
	parts    cache.KeyParts
	priority float64
}

// ScanOnce performs one scan-score-refresh cycle. The work queue is rebuilt
// from scratch every cycle, so stale candidates from earlier scans never
// linger.
func (e *Engine) ScanOnce(ctx context.Context) {
	e.mu.Lock()
	e.lastScan = time.Now()
	e.mu.Unlock()

	var candidates []candidate
	for _, ns := range []string{cache.NamespaceValues, cache.NamespaceSpreadsheet} {
		for _, entry := range e.cache.Expiring(e.cfg.ExpiryHorizon, ns) {
			parts, err := cache.ParseKey(entry.Key)
			if err != nil {
				continue
			}
			p := e.score(entry)
			if p < float64(e.cfg.MinPriority) {
				e.mu.Lock()
				e.skipped++
				e.mu.Unlock()
				continue
			}
			candidates = append(candidates, candidate{entry: entry, parts: parts, priority: p})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].priority > candidates[j].priority })

	var wg sync.WaitGroup
	for _, cand := range candidates {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(cand candidate) {
			defer wg.Done()
			defer e.sem.Release(1)
			e.refreshOne(cand)
		}(cand)
	}
	wg.Wait()
}

// score combines frequency, recency and urgency into a 0..10 priority.
func (e *Engine) score(entry *cache.Entry) float64 {
	count, last, tracked := e.tracker.Lookup(entry.Key)
	if !tracked {
		return 0
	}

	freq := count
	if freq > 5 {
		freq = 5
	}

	recency := 0.0
	switch since := time.Since(last); {
	case since < time.Minute:
		recency = 3
	case since < 5*time.Minute:
		recency = 2
	case since < 10*time.Minute:
		recency = 1
	}

	urgency := 0.0
	switch in := time.Until(entry.ExpiresAt); {
	case in < 30*time.Second:
		urgency = 2
	case in < time.Minute:
		urgency = 1
	case in < 2*time.Minute:
		urgency = 0.5
	}

	p := float64(freq) + recency + urgency
	if p > 10 {
		p = 10
	}
	return p
}

// prefetchMetadataFields matches the workbook-info read so the prefetched
// entry lands on the key the action path looks up.
const prefetchMetadataFields = "properties.title,namedRanges,sheets.properties"

// PrefetchOnOpen warms the cache the first time a spreadsheet is touched:
// workbook metadata plus the ranges the access tracker predicts will be
// read again. Later touches of the same spreadsheet are no-ops.
func (e *Engine) PrefetchOnOpen(spreadsheetID string) {
	if !e.cfg.Enabled || spreadsheetID == "" {
		return
	}
	e.mu.Lock()
	if _, seen := e.opened[spreadsheetID]; seen {
		e.mu.Unlock()
		return
	}
	e.opened[spreadsheetID] = struct{}{}
	e.mu.Unlock()

	go e.prefetch(spreadsheetID)
}

func (e *Engine) prefetch(spreadsheetID string) {
	targets := []cache.KeyParts{{
		Method:        "spreadsheet.get",
		SpreadsheetID: spreadsheetID,
		Fields:        prefetchMetadataFields,
	}}
	for _, key := range e.tracker.Keys() {
		parts, err := cache.ParseKey(key)
		if err != nil || parts.Method != "values.get" || parts.SpreadsheetID != spreadsheetID {
			continue
		}
		if entry, ok := e.cache.GetEntry(key, cache.NamespaceValues); ok && !entry.Expired(time.Now()) {
			continue
		}
		targets = append(targets, parts)
	}

	for _, parts := range targets {
		if err := e.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		value, deps, err := e.fetcher.Refresh(context.Background(), parts)
		e.sem.Release(1)
		if err != nil {
			e.logger.Debug("prefetch failed", "spreadsheet_id", spreadsheetID, "method", parts.Method, "error", err)
			continue
		}
		key, ns := keyFor(parts)
		e.cache.Set(context.Background(), key, value, ns, 0, deps...)
		e.mu.Lock()
		e.prefetched++
		e.mu.Unlock()
	}
}

func keyFor(parts cache.KeyParts) (key, namespace string) {
	if parts.Method == "spreadsheet.get" {
		return cache.SpreadsheetKey(parts.SpreadsheetID, parts.Fields), cache.NamespaceSpreadsheet
	}
	return cache.ValuesKey(parts.SpreadsheetID, parts.Range, parts.RenderOption, parts.MajorDimension), cache.NamespaceValues
}

func (e *Engine) refreshOne(cand candidate) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	value, deps, err := e.fetcher.Refresh(ctx, cand.parts)
	if err != nil {
		e.mu.Lock()
		e.failed++
		e.mu.Unlock()
		e.logger.Debug("background refresh failed", "key", cand.entry.Key, "error", err)
		return
	}

	e.cache.Set(ctx, cand.entry.Key, value, cand.entry.Namespace, 0, deps...)
	e.mu.Lock()
	e.refreshed++
	e.mu.Unlock()
}

// Stats is the /stats refresh block.
type Stats struct {
	Refreshed   uint64    `json:"refreshed"`
	Failed      uint64    `json:"failed"`
	Skipped     uint64    `json:"skipped"`
	Prefetched  uint64    `json:"prefetched"`
	TrackedKeys int       `json:"tracked_keys"`
	LastScan    time.Time `json:"last_scan"`
}

// Snapshot returns engine counters.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Refreshed:   e.refreshed,
		Failed:      e.failed,
		Skipped:     e.skipped,
		Prefetched:  e.prefetched,
		TrackedKeys: e.tracker.Len(),
		LastScan:    e.lastScan,
	}
}
