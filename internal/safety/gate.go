// Package safety fronts every mutation with a policy check, optional
// dry-run preview, pre-mutation snapshot, tiered diff and cache
// invalidation. Nothing writes to a spreadsheet without passing through
// here.
package safety

import (
	"context"
	"log/slog"
	"sync"

	"google.golang.org/api/sheets/v4"

	"github.com/sheetbridge/gateway/internal/protocol"
)

// Pipeline states, in order of progress.
const (
	StateReady          = "ready"
	StatePolicyOK       = "policy_ok"
	StateDryRunReturned = "dry_run_returned"
	StateSnapshotted    = "snapshotted"
	StateExecuting      = "executing"
	StateDiffed         = "diffed"
	StateInvalidated    = "invalidated"
	StateReturned       = "returned"
	StateFailed         = "failed"
)

// Options are the per-operation safety switches.
type Options struct {
	DryRun              bool `json:"dry_run"`
	CreateSnapshot      bool `json:"create_snapshot"`
	RequireConfirmation bool `json:"require_confirmation"`
	AllowRisky          bool `json:"allow_risky"`
}

// Request describes one mutation to gate.
type Request struct {
	SpreadsheetID  string
	Range          string
	OpName         string
	EstimatedCells int
	// Destructive ops (clear, overwrite) snapshot by default.
	Destructive bool
	OwnerID     string
	Safety      Options
	Diff        DiffOptions
	// NewValues is the post-mutation grid when the op writes literal
	// values; nil for ops whose outcome cannot be projected (append).
	NewValues [][]interface{}
	Progress  func(phase string, pct float64)
}

// Executor performs the actual mutation, typically routing through the
// write batcher.
type Executor func(ctx context.Context) (interface{}, error)

// MutationSummary is the gate's verdict plus everything the client needs
// to understand, audit or undo the change.
type MutationSummary struct {
	State          string        `json:"state"`
	OpName         string        `json:"operation"`
	SpreadsheetID  string        `json:"spreadsheet_id"`
	Range          string        `json:"range"`
	EstimatedCells int           `json:"estimated_cells"`
	DryRun         bool          `json:"dry_run"`
	Snapshot       *SnapshotInfo `json:"snapshot,omitempty"`
	Diff           *Diff         `json:"diff,omitempty"`
	Result         interface{}   `json:"result,omitempty"`
	Invalidated    int           `json:"invalidated_entries"`
}

// BeforeReader fetches the pre-mutation grid for diffing. The read path's
// cached reader satisfies it.
type BeforeReader interface {
	Get(ctx context.Context, spreadsheetID, a1, renderOption, majorDimension string) (*sheets.ValueRange, error)
}

// Invalidator drops cache entries overlapping a written range.
type Invalidator interface {
	InvalidateRange(ctx context.Context, spreadsheetID, a1 string) int
}

// Config tunes the gate.
type Config struct {
	// HighRiskCellThreshold short-circuits mutations touching more cells
	// than this unless allow_risky is set.
	HighRiskCellThreshold int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{HighRiskCellThreshold: 50000}
}

// Gate is the mutation front door.
type Gate struct {
	cfg       Config
	snapshots *SnapshotService
	reader    BeforeReader
	cache     Invalidator
	logger    *slog.Logger

	mu       sync.Mutex
	gated    uint64
	dryRuns  uint64
	snapped  uint64
	rejected uint64
	failures uint64
}

// NewGate wires the pipeline. reader may be nil; diffs then degrade to
// metadata computed against an empty before-image.
func NewGate(cfg Config, snapshots *SnapshotService, reader BeforeReader, cache Invalidator, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HighRiskCellThreshold <= 0 {
		cfg.HighRiskCellThreshold = DefaultConfig().HighRiskCellThreshold
	}
	return &Gate{cfg: cfg, snapshots: snapshots, reader: reader, cache: cache, logger: logger}
}

// Execute runs the full pipeline for one mutation.
func (g *Gate) Execute(ctx context.Context, req Request, exec Executor) (*MutationSummary, error) {
	progress := req.Progress
	if progress == nil {
		progress = func(string, float64) {}
	}

	summary := &MutationSummary{
		State:          StateReady,
		OpName:         req.OpName,
		SpreadsheetID:  req.SpreadsheetID,
		Range:          req.Range,
		EstimatedCells: req.EstimatedCells,
	}

	g.mu.Lock()
	g.gated++
	g.mu.Unlock()

	// 1. Policy check.
	if req.EstimatedCells > g.cfg.HighRiskCellThreshold && !req.Safety.AllowRisky {
		g.mu.Lock()
		g.rejected++
		g.mu.Unlock()
		summary.State = StateFailed
		return summary, protocol.Errorf(protocol.ErrPreconditionFailed,
			"operation touches %d cells, above the high-risk threshold of %d",
			req.EstimatedCells, g.cfg.HighRiskCellThreshold).
			WithResolution("rerun with safety.allow_risky=true to confirm, or narrow the range").
			WithDetails(map[string]interface{}{
				"estimated_cells": req.EstimatedCells,
				"threshold":       g.cfg.HighRiskCellThreshold,
			})
	}
	summary.State = StatePolicyOK
	progress("policy_ok", 0.1)

	before := g.beforeImage(ctx, req)

	// 2. Dry-run: preview and stop, no API mutation, no cache churn.
	if req.Safety.DryRun {
		g.mu.Lock()
		g.dryRuns++
		g.mu.Unlock()
		summary.DryRun = true
		summary.Diff = Compute(before, req.NewValues, req.Diff)
		summary.State = StateDryRunReturned
		progress("dry_run_returned", 1.0)
		return summary, nil
	}

	// 3. Snapshot.
	if req.Safety.CreateSnapshot || req.Destructive {
		if g.snapshots == nil {
			summary.State = StateFailed
			return summary, protocol.Errorf(protocol.ErrSnapshotFailed, "snapshot requested but snapshot service is not configured")
		}
		info, err := g.snapshots.Create(ctx, req.SpreadsheetID, req.OwnerID)
		if err != nil {
			g.mu.Lock()
			g.failures++
			g.mu.Unlock()
			summary.State = StateFailed
			return summary, err
		}
		summary.Snapshot = info
		g.mu.Lock()
		g.snapped++
		g.mu.Unlock()
		summary.State = StateSnapshotted
		progress("snapshotted", 0.3)
	}

	// 4. Execute.
	summary.State = StateExecuting
	progress("executing", 0.5)
	result, err := exec(ctx)
	if err != nil {
		g.mu.Lock()
		g.failures++
		g.mu.Unlock()
		summary.State = StateFailed
		// The snapshot handle stays in the summary so the caller can
		// decide whether to roll back. Single-op rollback is the
		// caller's choice; transactions roll back automatically.
		return summary, err
	}
	summary.Result = result

	// 5. Diff.
	summary.Diff = Compute(before, req.NewValues, req.Diff)
	summary.State = StateDiffed
	progress("diffed", 0.8)

	// 6. Invalidate.
	if g.cache != nil {
		summary.Invalidated = g.cache.InvalidateRange(ctx, req.SpreadsheetID, req.Range)
	}
	summary.State = StateInvalidated
	progress("invalidated", 0.9)

	summary.State = StateReturned
	progress("returned", 1.0)
	return summary, nil
}

// beforeImage reads the current grid for diffing. Failures degrade to an
// empty before-image: diffing is advisory, never a reason to block a
// mutation.
func (g *Gate) beforeImage(ctx context.Context, req Request) [][]interface{} {
	if g.reader == nil || req.Diff.Tier == "" || req.NewValues == nil {
		return nil
	}
	vr, err := g.reader.Get(ctx, req.SpreadsheetID, req.Range, "UNFORMATTED_VALUE", "")
	if err != nil {
		g.logger.Debug("before-image read failed, diff degrades", "range", req.Range, "error", err)
		return nil
	}
	return vr.Values
}

// Stats is the /stats safety block.
type Stats struct {
	Gated     uint64 `json:"gated"`
	DryRuns   uint64 `json:"dry_runs"`
	Snapshots uint64 `json:"snapshots"`
	Rejected  uint64 `json:"rejected"`
	Failures  uint64 `json:"failures"`
}

// Snapshot returns gate counters.
func (g *Gate) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Gated: g.gated, DryRuns: g.dryRuns, Snapshots: g.snapped, Rejected: g.rejected, Failures: g.failures}
}
