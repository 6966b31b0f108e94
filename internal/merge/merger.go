// Package merge coalesces overlapping reads issued within a short window
// into one bounding-box read, then slices the response back per caller.
package merge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/sheets/v4"

	"github.com/sheetbridge/gateway/internal/coalesce"
	"github.com/sheetbridge/gateway/internal/gridrange"
)

// Reader issues the actual bounding-box read; the API shell's ValuesService
// satisfies it.
type Reader interface {
	Get(ctx context.Context, spreadsheetID, a1, renderOption, majorDimension string) (*sheets.ValueRange, error)
}

// Config tunes the merger.
type Config struct {
	Enabled       bool
	Window        time.Duration
	MaxWindowSize int
	MergeAdjacent bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, Window: 50 * time.Millisecond, MaxWindowSize: 100, MergeAdjacent: true}
}

// ReadRequest identifies one caller's read.
type ReadRequest struct {
	SpreadsheetID  string
	Range          string
	RenderOption   string
	MajorDimension string
}

// eligibility tuple: reads merge only when all of these match.
func (r ReadRequest) windowKey(sheet string) string {
	render := r.RenderOption
	if render == "" {
		render = "FORMATTED_VALUE"
	}
	major := r.MajorDimension
	if major == "" {
		major = "ROWS"
	}
	return strings.Join([]string{r.SpreadsheetID, sheet, render, major}, "|")
}

type pendingRead struct {
	req    ReadRequest
	rng    gridrange.Range
	flight *coalesce.Flight
}

type window struct {
	key   string
	items []*pendingRead
	timer *time.Timer
}

// Merger is the process-global window map.
type Merger struct {
	cfg    Config
	reader Reader
	logger *slog.Logger

	mu      sync.Mutex
	windows map[string]*window

	merged   uint64
	direct   uint64
	apiCalls uint64
}

// New creates a merger over the given reader.
func New(reader Reader, cfg Config, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MaxWindowSize <= 0 {
		cfg.MaxWindowSize = DefaultConfig().MaxWindowSize
	}
	return &Merger{cfg: cfg, reader: reader, logger: logger, windows: make(map[string]*window)}
}

// Read queues the request into the current window for its eligibility tuple
// and blocks until the window drains. Unparseable and unbounded ranges skip
// merging.
func (m *Merger) Read(ctx context.Context, req ReadRequest) (*sheets.ValueRange, error) {
	rng, err := gridrange.Parse(req.Range)
	if !m.cfg.Enabled || err != nil || !rng.Bounded() {
		m.mu.Lock()
		m.direct++
		m.mu.Unlock()
		return m.reader.Get(ctx, req.SpreadsheetID, req.Range, req.RenderOption, req.MajorDimension)
	}

	item := &pendingRead{req: req, rng: rng, flight: coalesce.NewFlight()}
	key := req.windowKey(rng.Sheet)

	m.mu.Lock()
	w, ok := m.windows[key]
	if !ok {
		w = &window{key: key}
		m.windows[key] = w
		w.timer = time.AfterFunc(m.cfg.Window, func() { m.drain(key, w) })
	}
	w.items = append(w.items, item)
	full := len(w.items) >= m.cfg.MaxWindowSize
	m.mu.Unlock()

	if full {
		m.drain(key, w)
	}

	result, err := item.flight.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return result.(*sheets.ValueRange), nil
}

// drain rotates the window out of the map, then resolves every caller.
// The rotate-before-resolve order guarantees a window drains exactly once:
// whichever goroutine removes it from the map owns the drain.
func (m *Merger) drain(key string, w *window) {
	m.mu.Lock()
	current, ok := m.windows[key]
	if !ok || current != w {
		m.mu.Unlock()
		return
	}
	delete(m.windows, key)
	w.timer.Stop()
	items := w.items
	m.mu.Unlock()

	if len(items) == 0 {
		return
	}

	// A lone request gains nothing from merging; keep its latency flat.
	if len(items) == 1 {
		item := items[0]
		m.mu.Lock()
		m.direct++
		m.apiCalls++
		m.mu.Unlock()
		vr, err := m.fetch(item.req, item.req.Range)
		item.flight.Resolve(vr, err)
		return
	}

	for _, cluster := range clusterByProximity(items, m.cfg.MergeAdjacent) {
		m.drainCluster(cluster)
	}
}

// clusterByProximity partitions the window into chains of mutually
// overlapping (or, optionally, adjacent) ranges. Disconnected reads stay in
// separate clusters so the bounding box never inflates past what callers
// asked for.
func clusterByProximity(items []*pendingRead, mergeAdjacent bool) [][]*pendingRead {
	near := func(a, b gridrange.Range) bool {
		if a.Overlaps(b) {
			return true
		}
		return mergeAdjacent && a.Adjacent(b)
	}

	var clusters [][]*pendingRead
	boxes := make([]gridrange.Range, 0, 4)
	for _, item := range items {
		placed := -1
		for i := range clusters {
			if near(boxes[i], item.rng) {
				placed = i
				break
			}
		}
		if placed < 0 {
			clusters = append(clusters, []*pendingRead{item})
			boxes = append(boxes, item.rng)
			continue
		}
		clusters[placed] = append(clusters[placed], item)
		boxes[placed] = boxes[placed].Union(item.rng)
	}
	return clusters
}

func (m *Merger) drainCluster(items []*pendingRead) {
	ranges := make([]gridrange.Range, len(items))
	for i, item := range items {
		ranges[i] = item.rng
	}
	box, err := gridrange.BoundingBox(ranges)
	if err != nil {
		for _, item := range items {
			item.flight.Resolve(nil, err)
		}
		return
	}

	m.mu.Lock()
	m.apiCalls++
	m.merged += uint64(len(items))
	m.mu.Unlock()

	boxRef := box.String()
	vr, err := m.fetch(items[0].req, boxRef)
	if err != nil {
		// Errors propagate identically to every caller in the group.
		for _, item := range items {
			item.flight.Resolve(nil, err)
		}
		return
	}

	for _, item := range items {
		item.flight.Resolve(slice(vr, box, item), nil)
	}
}

// fetch runs the upstream read detached from any single caller's context:
// the result belongs to the whole window.
func (m *Merger) fetch(req ReadRequest, a1 string) (*sheets.ValueRange, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return m.reader.Get(ctx, req.SpreadsheetID, a1, req.RenderOption, req.MajorDimension)
}

// slice cuts the caller's sub-rectangle out of the bounding-box response.
// The API trims trailing empty rows and cells, so short inner slices are
// tolerated. Under COLUMNS major the outer index walks columns, so the
// offsets swap accordingly.
func slice(vr *sheets.ValueRange, box gridrange.Range, item *pendingRead) *sheets.ValueRange {
	rowOff, colOff := gridrange.Offset(box, item.rng)
	height := item.rng.EndRow - item.rng.StartRow
	width := item.rng.EndCol - item.rng.StartCol

	outerOff, outerLen, innerOff, innerLen := rowOff, height, colOff, width
	if vr.MajorDimension == "COLUMNS" {
		outerOff, outerLen, innerOff, innerLen = colOff, width, rowOff, height
	}

	out := &sheets.ValueRange{
		Range:          item.req.Range,
		MajorDimension: vr.MajorDimension,
	}
	for i := outerOff; i < outerOff+outerLen && i < len(vr.Values); i++ {
		line := vr.Values[i]
		end := innerOff + innerLen
		if end > len(line) {
			end = len(line)
		}
		if innerOff >= len(line) {
			out.Values = append(out.Values, []interface{}{})
			continue
		}
		out.Values = append(out.Values, line[innerOff:end])
	}
	return out
}

// Stats is the /stats merger block.
type Stats struct {
	MergedReads uint64 `json:"merged_reads"`
	DirectReads uint64 `json:"direct_reads"`
	APICalls    uint64 `json:"api_calls"`
	OpenWindows int    `json:"open_windows"`
}

// Snapshot returns merger counters.
func (m *Merger) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{MergedReads: m.merged, DirectReads: m.direct, APICalls: m.apiCalls, OpenWindows: len(m.windows)}
}
