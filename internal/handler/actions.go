package handler

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/sheets/v4"

	"github.com/sheetbridge/gateway/internal/batch"
	"github.com/sheetbridge/gateway/internal/cache"
	"github.com/sheetbridge/gateway/internal/gridrange"
	"github.com/sheetbridge/gateway/internal/protocol"
	"github.com/sheetbridge/gateway/internal/safety"
	"github.com/sheetbridge/gateway/internal/task"
	"github.com/sheetbridge/gateway/internal/txn"
)

// ValuesPort is the slice of the API shell the write actions call
// directly. Appends route through the batcher instead.
type ValuesPort interface {
	Update(ctx context.Context, spreadsheetID, a1 string, vr *sheets.ValueRange, valueInputOption string) (*sheets.UpdateValuesResponse, error)
	Clear(ctx context.Context, spreadsheetID, a1 string) error
}

// ConfirmationGate reports whether the session's peer can answer an
// interactive prompt. The capability cache satisfies it.
type ConfirmationGate interface {
	Require(ctx context.Context, sessionID, feature string) error
}

// Service bundles the dependencies the actions share.
type Service struct {
	reader   *Reader
	resolver *RangeResolver
	gate     *safety.Gate
	batcher  *batch.Batcher
	txns     *txn.Manager
	tasks    task.Store
	values   ValuesPort
	metadata MetadataSource
	cache    *cache.Manager
	caps     ConfirmationGate
	logger   *slog.Logger
}

// NewService wires the action set. caps may be nil; require_confirmation
// is then accepted without a capability check.
func NewService(reader *Reader, resolver *RangeResolver, gate *safety.Gate, batcher *batch.Batcher,
	txns *txn.Manager, tasks task.Store, values ValuesPort, metadata MetadataSource,
	c *cache.Manager, caps ConfirmationGate, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		reader:   reader,
		resolver: resolver,
		gate:     gate,
		batcher:  batcher,
		txns:     txns,
		tasks:    tasks,
		values:   values,
		metadata: metadata,
		cache:    c,
		caps:     caps,
		logger:   logger,
	}
}

// confirmGuard refuses require_confirmation mutations up front when the
// peer cannot answer an elicitation prompt, instead of failing
// mid-pipeline.
func (s *Service) confirmGuard(ctx context.Context, rc *RequestContext, opts safety.Options) error {
	if !opts.RequireConfirmation || s.caps == nil {
		return nil
	}
	return s.caps.Require(ctx, rc.SessionID, "elicitation")
}

// RegisterAll installs every action on the runtime.
func (s *Service) RegisterAll(rt *Runtime) {
	rt.Register("read_range", s.ReadRange)
	rt.Register("batch_read", s.BatchRead)
	rt.Register("write_range", s.WriteRange)
	rt.Register("append_rows", s.AppendRows)
	rt.Register("clear_range", s.ClearRange)
	rt.Register("spreadsheet_info", s.SpreadsheetInfo)
	rt.Register("transaction_begin", s.TransactionBegin)
	rt.Register("transaction_queue", s.TransactionQueue)
	rt.Register("transaction_commit", s.TransactionCommit)
	rt.Register("transaction_rollback", s.TransactionRollback)
	rt.Register("transaction_status", s.TransactionStatus)
	rt.Register("transaction_list", s.TransactionList)
	rt.Register("task_get", s.TaskGet)
	rt.Register("task_cancel", s.TaskCancel)
	rt.Register("task_list", s.TaskList)
}

// ReadRange serves one range through the cached, deduplicated, merged
// read path.
func (s *Service) ReadRange(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	spreadsheetID, err := requireString(params, "spreadsheet_id")
	if err != nil {
		return nil, err
	}
	ref, err := requireString(params, "range")
	if err != nil {
		return nil, err
	}
	sheetHint, _ := paramString(params, "sheet")
	a1, err := s.resolver.Resolve(ctx, spreadsheetID, ref, sheetHint)
	if err != nil {
		return nil, err
	}

	render, _ := paramString(params, "render_option")
	major, _ := paramString(params, "major_dimension")
	vr, err := s.reader.Read(ctx, ReadRequest{
		SpreadsheetID:  spreadsheetID,
		Range:          a1,
		RenderOption:   render,
		MajorDimension: major,
		Fresh:          paramBool(params, "fresh"),
	})
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"range":           a1,
		"values":          vr.Values,
		"row_count":       len(vr.Values),
		"major_dimension": vr.MajorDimension,
		"render_option":   render,
	}
	if len(vr.Values) == 0 {
		return protocol.Success("read_range", payload).
			AddWarning("range contains no data"), nil
	}
	return protocol.Success("read_range", payload), nil
}

// BatchRead reads several ranges concurrently; each still benefits from
// the shared read path.
func (s *Service) BatchRead(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	spreadsheetID, err := requireString(params, "spreadsheet_id")
	if err != nil {
		return nil, err
	}
	rawRanges, ok := params["ranges"].([]interface{})
	if !ok || len(rawRanges) == 0 {
		return nil, protocol.Errorf(protocol.ErrInvalidParams, "ranges must be a non-empty array")
	}

	refs := make([]string, len(rawRanges))
	for i, raw := range rawRanges {
		ref, ok := raw.(string)
		if !ok {
			return nil, protocol.Errorf(protocol.ErrInvalidParams, "ranges[%d] is not a string", i)
		}
		refs[i] = ref
	}

	results := make([]map[string]interface{}, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			a1, err := s.resolver.Resolve(gctx, spreadsheetID, ref, "")
			if err != nil {
				return err
			}
			vr, err := s.reader.Read(gctx, ReadRequest{SpreadsheetID: spreadsheetID, Range: a1})
			if err != nil {
				return err
			}
			results[i] = map[string]interface{}{
				"range":  a1,
				"values": vr.Values,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return protocol.Success("batch_read", map[string]interface{}{
		"ranges": results,
		"count":  len(results),
	}), nil
}

func decodeSafety(params map[string]interface{}) safety.Options {
	so := safetyOptions(params)
	return safety.Options{
		DryRun:              paramBool(so, "dry_run"),
		CreateSnapshot:      paramBool(so, "create_snapshot"),
		RequireConfirmation: paramBool(so, "require_confirmation"),
		AllowRisky:          paramBool(so, "allow_risky"),
	}
}

func decodeDiff(params map[string]interface{}) safety.DiffOptions {
	opts := safety.DefaultDiffOptions()
	do, ok := params["diff_options"].(map[string]interface{})
	if !ok {
		return opts
	}
	if tier, ok := paramString(do, "tier"); ok {
		opts.Tier = tier
	}
	opts.SampleSize = paramInt(do, "sample_size", opts.SampleSize)
	opts.MaxFullDiffCells = paramInt(do, "max_full_diff_cells", opts.MaxFullDiffCells)
	return opts
}

func summaryPayload(action string, summary *safety.MutationSummary) *protocol.Envelope {
	payload := map[string]interface{}{
		"state":   summary.State,
		"range":   summary.Range,
		"dry_run": summary.DryRun,
	}
	if summary.Diff != nil {
		payload["diff"] = summary.Diff
	}
	if res, ok := summary.Result.(map[string]interface{}); ok {
		for k, v := range res {
			payload[k] = v
		}
	}
	env := protocol.Success(action, payload)
	if summary.Snapshot != nil {
		env.WithMeta(&protocol.Meta{Snapshot: summary.Snapshot.Meta()})
	}
	return env
}

// WriteRange overwrites a range through the safety gate.
func (s *Service) WriteRange(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	spreadsheetID, err := requireString(params, "spreadsheet_id")
	if err != nil {
		return nil, err
	}
	ref, err := requireString(params, "range")
	if err != nil {
		return nil, err
	}
	rows, err := paramRows(params, "values")
	if err != nil {
		return nil, err
	}
	a1, err := s.resolver.Resolve(ctx, spreadsheetID, ref, "")
	if err != nil {
		return nil, err
	}

	inputOption, _ := paramString(params, "value_input_option")
	if inputOption == "" {
		inputOption = "USER_ENTERED"
	}

	safetyOpts := decodeSafety(params)
	if err := s.confirmGuard(ctx, rc, safetyOpts); err != nil {
		return nil, err
	}

	progress, done := s.trackMutation(ctx, rc, "write_range", countCells(rows))
	summary, err := s.gate.Execute(ctx, safety.Request{
		SpreadsheetID:  spreadsheetID,
		Range:          a1,
		OpName:         "write_range",
		EstimatedCells: countCells(rows),
		Destructive:    false,
		OwnerID:        rc.UserID,
		Safety:         safetyOpts,
		Diff:           decodeDiff(params),
		NewValues:      rows,
		Progress:       progress,
	}, func(ctx context.Context) (interface{}, error) {
		resp, err := s.values.Update(ctx, spreadsheetID, a1, &sheets.ValueRange{Values: rows}, inputOption)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"updated_range": resp.UpdatedRange,
			"updated_rows":  int(resp.UpdatedRows),
			"updated_cells": int(resp.UpdatedCells),
		}, nil
	})
	done(mutationResult(summary), err)
	if err != nil {
		return nil, err
	}
	return summaryPayload("write_range", summary), nil
}

// mutationResult extracts the executor's payload for task records.
func mutationResult(summary *safety.MutationSummary) interface{} {
	if summary == nil {
		return nil
	}
	return summary.Result
}

// AppendRows appends through the gate and the write batcher.
func (s *Service) AppendRows(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	spreadsheetID, err := requireString(params, "spreadsheet_id")
	if err != nil {
		return nil, err
	}
	sheet, err := requireString(params, "sheet")
	if err != nil {
		return nil, err
	}
	rows, err := paramRows(params, "rows")
	if err != nil {
		return nil, err
	}

	inputOption, _ := paramString(params, "value_input_option")
	safetyOpts := decodeSafety(params)
	if err := s.confirmGuard(ctx, rc, safetyOpts); err != nil {
		return nil, err
	}

	progress, done := s.trackMutation(ctx, rc, "append_rows", countCells(rows))
	summary, err := s.gate.Execute(ctx, safety.Request{
		SpreadsheetID:  spreadsheetID,
		Range:          sheet,
		OpName:         "append_rows",
		EstimatedCells: countCells(rows),
		OwnerID:        rc.UserID,
		Safety:         safetyOpts,
		Progress:       progress,
	}, func(ctx context.Context) (interface{}, error) {
		res, err := s.batcher.Append(ctx, batch.AppendRequest{
			SpreadsheetID:    spreadsheetID,
			SheetTitle:       sheet,
			Rows:             rows,
			ValueInputOption: inputOption,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"updated_range": res.UpdatedRange,
			"updated_rows":  res.UpdatedRows,
			"updated_cells": res.UpdatedCells,
			"batched":       res.Batched,
		}, nil
	})
	done(mutationResult(summary), err)
	if err != nil {
		return nil, err
	}
	return summaryPayload("append_rows", summary), nil
}

// ClearRange empties a range. Clears are destructive, so the gate
// snapshots by default.
func (s *Service) ClearRange(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	spreadsheetID, err := requireString(params, "spreadsheet_id")
	if err != nil {
		return nil, err
	}
	ref, err := requireString(params, "range")
	if err != nil {
		return nil, err
	}
	a1, err := s.resolver.Resolve(ctx, spreadsheetID, ref, "")
	if err != nil {
		return nil, err
	}

	safetyOpts := decodeSafety(params)
	if err := s.confirmGuard(ctx, rc, safetyOpts); err != nil {
		return nil, err
	}

	progress, done := s.trackMutation(ctx, rc, "clear_range", rangeCells(a1))
	summary, err := s.gate.Execute(ctx, safety.Request{
		SpreadsheetID: spreadsheetID,
		Range:         a1,
		OpName:        "clear_range",
		Destructive:   true,
		OwnerID:       rc.UserID,
		Safety:        safetyOpts,
		Diff:          decodeDiff(params),
		NewValues:     [][]interface{}{},
		Progress:      progress,
	}, func(ctx context.Context) (interface{}, error) {
		if err := s.values.Clear(ctx, spreadsheetID, a1); err != nil {
			return nil, err
		}
		return map[string]interface{}{"cleared_range": a1}, nil
	})
	done(mutationResult(summary), err)
	if err != nil {
		return nil, err
	}
	return summaryPayload("clear_range", summary), nil
}

// rangeCells estimates a range's cell footprint; unbounded ranges count as
// zero and skip task tracking.
func rangeCells(a1 string) int {
	rng, err := gridrange.Parse(a1)
	if err != nil || !rng.Bounded() {
		return 0
	}
	return (rng.EndRow - rng.StartRow) * (rng.EndCol - rng.StartCol)
}

// SpreadsheetInfo returns workbook structure: sheets, dimensions, named
// ranges.
func (s *Service) SpreadsheetInfo(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	spreadsheetID, err := requireString(params, "spreadsheet_id")
	if err != nil {
		return nil, err
	}

	const fields = "properties.title,namedRanges,sheets.properties"
	key := cache.SpreadsheetKey(spreadsheetID, fields)
	var ss *sheets.Spreadsheet
	if v, ok := s.cache.Get(ctx, key, cache.NamespaceSpreadsheet); ok {
		ss, _ = v.(*sheets.Spreadsheet)
	}
	if ss == nil {
		ss, err = s.metadata.Get(ctx, spreadsheetID, fields)
		if err != nil {
			return nil, err
		}
		s.cache.Set(ctx, key, ss, cache.NamespaceSpreadsheet, 0)
	}

	sheetInfos := make([]map[string]interface{}, 0, len(ss.Sheets))
	for _, sh := range ss.Sheets {
		if sh.Properties == nil {
			continue
		}
		info := map[string]interface{}{
			"sheet_id": sh.Properties.SheetId,
			"title":    sh.Properties.Title,
			"index":    sh.Properties.Index,
		}
		if gp := sh.Properties.GridProperties; gp != nil {
			info["rows"] = gp.RowCount
			info["columns"] = gp.ColumnCount
		}
		sheetInfos = append(sheetInfos, info)
	}

	named := make([]map[string]interface{}, 0, len(ss.NamedRanges))
	for _, nr := range ss.NamedRanges {
		if a1, err := namedRangeA1(ss, nr); err == nil {
			named = append(named, map[string]interface{}{"name": nr.Name, "range": a1})
		}
	}

	title := ""
	if ss.Properties != nil {
		title = ss.Properties.Title
	}
	return protocol.Success("spreadsheet_info", map[string]interface{}{
		"spreadsheet_id": spreadsheetID,
		"title":          title,
		"sheet_count":    len(sheetInfos),
		"sheets":         sheetInfos,
		"named_ranges":   named,
	}), nil
}

func progressAdapter(rc *RequestContext) func(phase string, pct float64) {
	fn := rc.ProgressFn()
	return func(phase string, pct float64) {
		fn(pct, 1.0, phase)
	}
}

// taskTrackThreshold is the cell count from which a mutation is big enough
// to register as a pollable task.
const taskTrackThreshold = 1000

// trackMutation registers large mutations in the task store so clients can
// poll them across reconnects. The returned progress callback tees into
// both the live notification stream and the stored task; done settles the
// task. Small mutations get the plain live adapter and a no-op done.
func (s *Service) trackMutation(ctx context.Context, rc *RequestContext, name string, cells int) (func(phase string, pct float64), func(result interface{}, err error)) {
	live := progressAdapter(rc)
	if s.tasks == nil || cells < taskTrackThreshold {
		return live, func(interface{}, error) {}
	}
	t, err := s.tasks.Create(ctx, rc.SessionID, name)
	if err != nil {
		s.logger.Warn("task tracking unavailable", "op", name, "error", err)
		return live, func(interface{}, error) {}
	}

	progress := func(phase string, pct float64) {
		live(phase, pct)
		running := task.StateRunning
		if _, uerr := s.tasks.Update(ctx, t.ID, task.Patch{State: &running, Progress: &pct, Message: &phase}); uerr != nil {
			s.logger.Debug("task progress update dropped", "task_id", t.ID, "error", uerr)
		}
	}
	done := func(result interface{}, opErr error) {
		patch := task.Patch{Result: result}
		if opErr != nil {
			failed := task.StateFailed
			patch.State = &failed
			patch.Error = opErr.Error()
			patch.Result = nil
		} else {
			completed := task.StateCompleted
			full := 1.0
			patch.State = &completed
			patch.Progress = &full
		}
		if _, uerr := s.tasks.Update(ctx, t.ID, patch); uerr != nil {
			s.logger.Debug("task completion update dropped", "task_id", t.ID, "error", uerr)
		}
	}
	return progress, done
}

func countCells(rows [][]interface{}) int {
	total := 0
	for _, row := range rows {
		total += len(row)
	}
	return total
}
