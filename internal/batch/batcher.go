// Package batch groups homogeneous writes issued within a short window into
// one batch API call. For appends, N appends across the sheets of one
// spreadsheet become a single batchUpdate of append-cells requests, with a
// single metadata fetch to resolve sheet titles to ids.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/sheets/v4"

	"github.com/sheetbridge/gateway/internal/coalesce"
	"github.com/sheetbridge/gateway/internal/protocol"
)

// API is the slice of the shell the batcher needs.
type API interface {
	GetSpreadsheet(ctx context.Context, spreadsheetID, fields string) (*sheets.Spreadsheet, error)
	BatchUpdate(ctx context.Context, spreadsheetID string, req *sheets.BatchUpdateSpreadsheetRequest) (*sheets.BatchUpdateSpreadsheetResponse, error)
	Append(ctx context.Context, spreadsheetID, a1 string, vr *sheets.ValueRange, valueInputOption string) (*sheets.AppendValuesResponse, error)
}

// Config tunes the batcher.
type Config struct {
	Enabled      bool
	Window       time.Duration
	MaxBatchSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, Window: 50 * time.Millisecond, MaxBatchSize: 100}
}

// AppendRequest is one caller's append.
type AppendRequest struct {
	SpreadsheetID    string
	SheetTitle       string
	Rows             [][]interface{}
	ValueInputOption string
	// Overwrite bypasses batching: overwrite semantics need the values API,
	// not append-cells.
	Overwrite bool
	// DryRun bypasses batching so the safety gate can preview unbatched.
	DryRun bool
}

// AppendResult is the per-caller acknowledgement, shaped like a direct
// values.append response.
type AppendResult struct {
	UpdatedRange string `json:"updated_range"`
	UpdatedRows  int    `json:"updated_rows"`
	UpdatedCells int    `json:"updated_cells"`
	Batched      bool   `json:"batched"`
}

type pendingAppend struct {
	req    AppendRequest
	flight *coalesce.Flight
}

type collector struct {
	key   string
	items []*pendingAppend
	timer *time.Timer
}

// Batcher is the process-global collector map.
type Batcher struct {
	cfg    Config
	api    API
	logger *slog.Logger

	mu         sync.Mutex
	collectors map[string]*collector

	// sheet title -> id resolution, cached per spreadsheet
	sheetMu  sync.Mutex
	sheetIDs map[string]map[string]int64

	batched  uint64
	direct   uint64
	apiCalls uint64
}

// New creates a batcher over the given API slice.
func New(api API, cfg Config, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	return &Batcher{
		cfg:        cfg,
		api:        api,
		logger:     logger,
		collectors: make(map[string]*collector),
		sheetIDs:   make(map[string]map[string]int64),
	}
}

// Append queues the request into the spreadsheet's append collector and
// blocks until the window drains. Bypass conditions fall back to a direct
// values.append call.
func (b *Batcher) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	if !b.cfg.Enabled || req.DryRun || req.Overwrite {
		return b.directAppend(ctx, req)
	}

	item := &pendingAppend{req: req, flight: coalesce.NewFlight()}
	key := req.SpreadsheetID + "|append"

	b.mu.Lock()
	c, ok := b.collectors[key]
	if !ok {
		c = &collector{key: key}
		b.collectors[key] = c
		c.timer = time.AfterFunc(b.cfg.Window, func() { b.drain(key, c) })
	}
	c.items = append(c.items, item)
	full := len(c.items) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if full {
		b.drain(key, c)
	}

	result, err := item.flight.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return result.(*AppendResult), nil
}

func (b *Batcher) directAppend(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	b.mu.Lock()
	b.direct++
	b.apiCalls++
	b.mu.Unlock()

	vr := &sheets.ValueRange{Values: req.Rows}
	resp, err := b.api.Append(ctx, req.SpreadsheetID, req.SheetTitle, vr, req.ValueInputOption)
	if err != nil {
		return nil, err
	}
	out := &AppendResult{UpdatedRows: len(req.Rows), UpdatedCells: countCells(req.Rows)}
	if resp.Updates != nil {
		out.UpdatedRange = resp.Updates.UpdatedRange
		out.UpdatedRows = int(resp.Updates.UpdatedRows)
		out.UpdatedCells = int(resp.Updates.UpdatedCells)
	}
	return out, nil
}

// drain rotates the collector out of the map before resolving anyone, so
// each collector is drained exactly once.
func (b *Batcher) drain(key string, c *collector) {
	b.mu.Lock()
	current, ok := b.collectors[key]
	if !ok || current != c {
		b.mu.Unlock()
		return
	}
	delete(b.collectors, key)
	c.timer.Stop()
	items := c.items
	b.mu.Unlock()

	if len(items) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	spreadsheetID := items[0].req.SpreadsheetID

	if len(items) == 1 {
		// One pending append gains nothing from the batch path.
		item := items[0]
		result, err := b.directAppend(ctx, item.req)
		item.flight.Resolve(result, err)
		return
	}

	ids, err := b.resolveSheetIDs(ctx, spreadsheetID, items)
	if err != nil {
		for _, item := range items {
			item.flight.Resolve(nil, err)
		}
		return
	}

	reqs := make([]*sheets.Request, 0, len(items))
	for _, item := range items {
		reqs = append(reqs, &sheets.Request{
			AppendCells: &sheets.AppendCellsRequest{
				SheetId: ids[strings.ToLower(item.req.SheetTitle)],
				Rows:    toRowData(item.req.Rows),
				Fields:  "userEnteredValue",
			},
		})
	}

	b.mu.Lock()
	b.apiCalls++
	b.batched += uint64(len(items))
	b.mu.Unlock()

	_, err = b.api.BatchUpdate(ctx, spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{Requests: reqs})
	if err != nil {
		for _, item := range items {
			item.flight.Resolve(nil, err)
		}
		return
	}

	for _, item := range items {
		item.flight.Resolve(&AppendResult{
			UpdatedRange: appendedRange(item.req),
			UpdatedRows:  len(item.req.Rows),
			UpdatedCells: countCells(item.req.Rows),
			Batched:      true,
		}, nil)
	}
}

// resolveSheetIDs fetches workbook metadata once per drain (memoised per
// spreadsheet) and maps the titles referenced by items to sheet ids.
func (b *Batcher) resolveSheetIDs(ctx context.Context, spreadsheetID string, items []*pendingAppend) (map[string]int64, error) {
	b.sheetMu.Lock()
	cached, ok := b.sheetIDs[spreadsheetID]
	b.sheetMu.Unlock()

	if ok && coversAll(cached, items) {
		return cached, nil
	}

	b.mu.Lock()
	b.apiCalls++
	b.mu.Unlock()

	ss, err := b.api.GetSpreadsheet(ctx, spreadsheetID, "sheets.properties")
	if err != nil {
		return nil, err
	}
	ids := make(map[string]int64, len(ss.Sheets))
	for _, sh := range ss.Sheets {
		if sh.Properties != nil {
			ids[strings.ToLower(sh.Properties.Title)] = sh.Properties.SheetId
		}
	}

	b.sheetMu.Lock()
	b.sheetIDs[spreadsheetID] = ids
	b.sheetMu.Unlock()

	if !coversAll(ids, items) {
		return nil, protocol.Errorf(protocol.ErrNotFound, "sheet not found in spreadsheet %s", spreadsheetID).
			WithResolution("check the sheet title; titles are matched case-insensitively")
	}
	return ids, nil
}

// InvalidateSheetIDs drops the cached title map, e.g. after a sheet rename.
func (b *Batcher) InvalidateSheetIDs(spreadsheetID string) {
	b.sheetMu.Lock()
	delete(b.sheetIDs, spreadsheetID)
	b.sheetMu.Unlock()
}

func coversAll(ids map[string]int64, items []*pendingAppend) bool {
	for _, item := range items {
		if _, ok := ids[strings.ToLower(item.req.SheetTitle)]; !ok {
			return false
		}
	}
	return true
}

func appendedRange(req AppendRequest) string {
	width := 0
	for _, row := range req.Rows {
		if len(row) > width {
			width = len(row)
		}
	}
	if width == 0 {
		return req.SheetTitle
	}
	end := columnLetter(width - 1)
	return fmt.Sprintf("%s!A:%s", req.SheetTitle, end)
}

func columnLetter(col int) string {
	name := ""
	n := col + 1
	for n > 0 {
		n--
		name = string(rune('A'+n%26)) + name
		n /= 26
	}
	return name
}

func countCells(rows [][]interface{}) int {
	total := 0
	for _, row := range rows {
		total += len(row)
	}
	return total
}

// toRowData converts loose JSON values into typed cell data.
func toRowData(rows [][]interface{}) []*sheets.RowData {
	out := make([]*sheets.RowData, 0, len(rows))
	for _, row := range rows {
		cells := make([]*sheets.CellData, 0, len(row))
		for _, v := range row {
			cells = append(cells, &sheets.CellData{UserEnteredValue: toExtendedValue(v)})
		}
		out = append(out, &sheets.RowData{Values: cells})
	}
	return out
}

func toExtendedValue(v interface{}) *sheets.ExtendedValue {
	switch t := v.(type) {
	case nil:
		return &sheets.ExtendedValue{}
	case bool:
		return &sheets.ExtendedValue{BoolValue: &t}
	case float64:
		return &sheets.ExtendedValue{NumberValue: &t}
	case int:
		f := float64(t)
		return &sheets.ExtendedValue{NumberValue: &f}
	case int64:
		f := float64(t)
		return &sheets.ExtendedValue{NumberValue: &f}
	case string:
		if strings.HasPrefix(t, "=") {
			return &sheets.ExtendedValue{FormulaValue: &t}
		}
		return &sheets.ExtendedValue{StringValue: &t}
	default:
		s := fmt.Sprintf("%v", t)
		return &sheets.ExtendedValue{StringValue: &s}
	}
}

// Stats is the /stats batcher block.
type Stats struct {
	BatchedOps     uint64 `json:"batched_ops"`
	DirectOps      uint64 `json:"direct_ops"`
	APICalls       uint64 `json:"api_calls"`
	OpenCollectors int    `json:"open_collectors"`
}

// Snapshot returns batcher counters.
func (b *Batcher) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{BatchedOps: b.batched, DirectOps: b.direct, APICalls: b.apiCalls, OpenCollectors: len(b.collectors)}
}
