package safety

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/sheets/v4"

	"github.com/sheetbridge/gateway/internal/protocol"
)

type fakeDrive struct {
	mu     sync.Mutex
	copies int
	err    error
}

func (f *fakeDrive) CopyFile(_ context.Context, _, name string) (*drive.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.copies++
	return &drive.File{Id: "drive-copy-1", Name: name}, nil
}

type fakeValues struct {
	mu      sync.Mutex
	grid    [][]interface{}
	getErr  error
	updates []string // a1 refs written
}

func (f *fakeValues) Get(_ context.Context, _, a1, _, _ string) (*sheets.ValueRange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &sheets.ValueRange{Range: a1, Values: f.grid}, nil
}

func (f *fakeValues) Update(_ context.Context, _, a1 string, vr *sheets.ValueRange, _ string) (*sheets.UpdateValuesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, a1)
	return &sheets.UpdateValuesResponse{UpdatedRange: a1}, nil
}

type fakeInvalidator struct {
	mu     sync.Mutex
	ranges []string
}

func (f *fakeInvalidator) InvalidateRange(_ context.Context, _, a1 string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, a1)
	return 3
}

func okExec(result interface{}) Executor {
	return func(context.Context) (interface{}, error) { return result, nil }
}

func TestHighRiskRejectedWithoutAllowRisky(t *testing.T) {
	g := NewGate(Config{HighRiskCellThreshold: 100}, nil, nil, nil, nil)

	called := false
	summary, err := g.Execute(context.Background(), Request{
		SpreadsheetID:  "ss-1",
		Range:          "Sheet1!A1:Z9999",
		OpName:         "write_range",
		EstimatedCells: 5000,
	}, func(context.Context) (interface{}, error) {
		called = true
		return nil, nil
	})

	require.Error(t, err)
	ge := protocol.AsGatewayError(err)
	assert.Equal(t, protocol.ErrPreconditionFailed, ge.Code)
	assert.Equal(t, 100, ge.Details["threshold"])
	assert.Equal(t, StateFailed, summary.State)
	assert.False(t, called, "the executor must never run after a policy rejection")
}

func TestAllowRiskyBypassesThreshold(t *testing.T) {
	inv := &fakeInvalidator{}
	g := NewGate(Config{HighRiskCellThreshold: 100}, nil, nil, inv, nil)

	summary, err := g.Execute(context.Background(), Request{
		SpreadsheetID:  "ss-1",
		Range:          "Sheet1!A1:B2",
		OpName:         "write_range",
		EstimatedCells: 5000,
		Safety:         Options{AllowRisky: true},
	}, okExec("done"))

	require.NoError(t, err)
	assert.Equal(t, StateReturned, summary.State)
	assert.Equal(t, "done", summary.Result)
}

func TestDryRunPreviewsWithoutExecuting(t *testing.T) {
	reader := &fakeValues{grid: [][]interface{}{{"old1", "old2"}}}
	inv := &fakeInvalidator{}
	g := NewGate(DefaultConfig(), nil, reader, inv, nil)

	called := false
	summary, err := g.Execute(context.Background(), Request{
		SpreadsheetID: "ss-1",
		Range:         "Sheet1!A1:B1",
		OpName:        "write_range",
		NewValues:     [][]interface{}{{"new1", "old2"}},
		Safety:        Options{DryRun: true},
		Diff:          DiffOptions{Tier: TierSample},
	}, func(context.Context) (interface{}, error) {
		called = true
		return nil, nil
	})

	require.NoError(t, err)
	assert.False(t, called, "dry-run must not execute")
	assert.True(t, summary.DryRun)
	assert.Equal(t, StateDryRunReturned, summary.State)
	require.NotNil(t, summary.Diff)
	assert.Equal(t, 1, summary.Diff.ChangedCells)
	assert.Empty(t, inv.ranges, "dry-run leaves the cache untouched")
}

func TestDryRunIsIdempotent(t *testing.T) {
	g := NewGate(DefaultConfig(), nil, nil, nil, nil)
	req := Request{
		SpreadsheetID: "ss-1", Range: "Sheet1!A1", OpName: "clear_range",
		Safety: Options{DryRun: true},
	}

	s1, err1 := g.Execute(context.Background(), req, okExec(nil))
	s2, err2 := g.Execute(context.Background(), req, okExec(nil))
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, s1.State, s2.State)
}

func TestDestructiveOpSnapshotsByDefault(t *testing.T) {
	dr := &fakeDrive{}
	snaps := NewSnapshotService(dr, nil, nil)
	g := NewGate(DefaultConfig(), snaps, nil, nil, nil)

	summary, err := g.Execute(context.Background(), Request{
		SpreadsheetID: "ss-1",
		Range:         "Sheet1!A1:B10",
		OpName:        "clear_range",
		Destructive:   true,
		OwnerID:       "user-1",
	}, okExec("cleared"))

	require.NoError(t, err)
	require.NotNil(t, summary.Snapshot)
	assert.Equal(t, "drive-copy-1", summary.Snapshot.DriveID)
	assert.Equal(t, 1, dr.copies)

	// The handle is findable for the same owner, hidden from others.
	_, ok := snaps.Lookup(summary.Snapshot.ID, "user-1")
	assert.True(t, ok)
	_, ok = snaps.Lookup(summary.Snapshot.ID, "user-2")
	assert.False(t, ok)
}

func TestSnapshotFailureAbortsBeforeExecution(t *testing.T) {
	dr := &fakeDrive{err: errors.New("drive down")}
	snaps := NewSnapshotService(dr, nil, nil)
	g := NewGate(DefaultConfig(), snaps, nil, nil, nil)

	called := false
	summary, err := g.Execute(context.Background(), Request{
		SpreadsheetID: "ss-1", Range: "Sheet1!A1", OpName: "write_range",
		Safety: Options{CreateSnapshot: true},
	}, func(context.Context) (interface{}, error) {
		called = true
		return nil, nil
	})

	require.Error(t, err)
	assert.Equal(t, protocol.ErrSnapshotFailed, protocol.AsGatewayError(err).Code)
	assert.Equal(t, StateFailed, summary.State)
	assert.False(t, called, "no snapshot, no mutation")
}

func TestSuccessfulPipelineInvalidatesAndDiffs(t *testing.T) {
	reader := &fakeValues{grid: [][]interface{}{{"a", "b"}, {"c", "d"}}}
	inv := &fakeInvalidator{}
	g := NewGate(DefaultConfig(), nil, reader, inv, nil)

	progress := []string{}
	summary, err := g.Execute(context.Background(), Request{
		SpreadsheetID: "ss-1",
		Range:         "Sheet1!A1:B2",
		OpName:        "write_range",
		NewValues:     [][]interface{}{{"a", "B2"}, {"C3", "d"}},
		Diff:          DiffOptions{Tier: TierFull},
		Progress:      func(phase string, _ float64) { progress = append(progress, phase) },
	}, okExec("written"))

	require.NoError(t, err)
	assert.Equal(t, StateReturned, summary.State)
	assert.Equal(t, []string{"Sheet1!A1:B2"}, inv.ranges)
	assert.Equal(t, 3, summary.Invalidated)

	require.NotNil(t, summary.Diff)
	assert.Equal(t, 2, summary.Diff.ChangedCells)
	assert.Len(t, summary.Diff.Changes, 2)

	assert.Equal(t, []string{"policy_ok", "executing", "diffed", "invalidated", "returned"}, progress)
}

func TestExecutorFailureKeepsSnapshotHandle(t *testing.T) {
	dr := &fakeDrive{}
	snaps := NewSnapshotService(dr, nil, nil)
	g := NewGate(DefaultConfig(), snaps, nil, nil, nil)

	boom := errors.New("write failed")
	summary, err := g.Execute(context.Background(), Request{
		SpreadsheetID: "ss-1", Range: "Sheet1!A1", OpName: "write_range",
		Safety: Options{CreateSnapshot: true},
	}, func(context.Context) (interface{}, error) { return nil, boom })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateFailed, summary.State)
	assert.NotNil(t, summary.Snapshot, "the caller can still roll back by hand")
}

func TestRestoreWritesSnapshotValuesBack(t *testing.T) {
	dr := &fakeDrive{}
	vals := &fakeValues{grid: [][]interface{}{{"orig"}}}
	snaps := NewSnapshotService(dr, vals, nil)

	info, err := snaps.Create(context.Background(), "ss-1", "user-1")
	require.NoError(t, err)

	require.NoError(t, snaps.Restore(context.Background(), info, []string{"Sheet1!A1:B2", "Sheet2!C1"}))
	assert.Equal(t, []string{"Sheet1!A1:B2", "Sheet2!C1"}, vals.updates)
}

func TestDiffTiers(t *testing.T) {
	before := [][]interface{}{{"a", "b", "c"}}
	after := [][]interface{}{{"x", "y", "z"}}

	meta := Compute(before, after, DiffOptions{Tier: TierMetadata})
	assert.Equal(t, 3, meta.ChangedCells)
	assert.Equal(t, 1, meta.ChangedRows)
	assert.Equal(t, 3, meta.ChangedCols)
	assert.Empty(t, meta.Changes)

	sample := Compute(before, after, DiffOptions{Tier: TierSample, SampleSize: 2})
	assert.Len(t, sample.Changes, 2)
	assert.True(t, sample.Truncated)

	full := Compute(before, after, DiffOptions{Tier: TierFull})
	assert.Len(t, full.Changes, 3)
	assert.False(t, full.Truncated)
}

func TestFullDiffDowngradesWhenTooLarge(t *testing.T) {
	before := make([][]interface{}, 5)
	after := make([][]interface{}, 5)
	for r := 0; r < 5; r++ {
		before[r] = []interface{}{"o1", "o2", "o3"}
		after[r] = []interface{}{"n1", "n2", "n3"}
	}

	d := Compute(before, after, DiffOptions{Tier: TierFull, SampleSize: 4, MaxFullDiffCells: 10})
	assert.Equal(t, TierSample, d.Tier)
	assert.True(t, d.Truncated)
	assert.Len(t, d.Changes, 4)
	assert.Equal(t, 15, d.ChangedCells, "counts stay exact even when examples are truncated")
}

func TestEmptyStringAndNilAreSameCell(t *testing.T) {
	d := Compute([][]interface{}{{"", nil}}, [][]interface{}{{nil, ""}}, DiffOptions{Tier: TierMetadata})
	assert.Zero(t, d.ChangedCells)
}
