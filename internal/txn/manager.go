// Package txn implements atomic multi-operation units. Queued operations
// commit in FIFO order as one gated batch; with auto-rollback enabled, a
// mid-batch failure restores every touched range from the pre-commit
// snapshot.
package txn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/sheets/v4"

	"github.com/sheetbridge/gateway/internal/protocol"
	"github.com/sheetbridge/gateway/internal/safety"
)

// Transaction states.
const (
	StatePending    = "pending"
	StateCommitted  = "committed"
	StateRolledBack = "rolled_back"
	StateFailed     = "failed"
)

// Operation types.
const (
	OpWrite  = "write"
	OpAppend = "append"
	OpClear  = "clear"
)

// Operation is one queued mutation.
type Operation struct {
	Type             string          `json:"type"`
	Range            string          `json:"range"`
	Values           [][]interface{} `json:"values,omitempty"`
	ValueInputOption string          `json:"value_input_option,omitempty"`
}

// Transaction is a pending or settled multi-op unit.
type Transaction struct {
	ID            string      `json:"id"`
	SpreadsheetID string      `json:"spreadsheet_id"`
	State         string      `json:"state"`
	Operations    []Operation `json:"operations"`
	SnapshotID    string      `json:"snapshot_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	AutoRollback  bool        `json:"auto_rollback"`
	OwnerID       string      `json:"-"`
	// FailedOp points at the operation that broke the commit, -1 otherwise.
	FailedOp int `json:"failed_op,omitempty"`
}

// Writer applies individual operations. The API shell's ValuesService
// satisfies it.
type Writer interface {
	Update(ctx context.Context, spreadsheetID, a1 string, vr *sheets.ValueRange, valueInputOption string) (*sheets.UpdateValuesResponse, error)
	Append(ctx context.Context, spreadsheetID, a1 string, vr *sheets.ValueRange, valueInputOption string) (*sheets.AppendValuesResponse, error)
	Clear(ctx context.Context, spreadsheetID, a1 string) error
}

// Config tunes the manager.
type Config struct {
	// Lifetime bounds how long a transaction may stay open.
	Lifetime time.Duration
	// Advisory thresholds for queue growth warnings.
	SoftQueueLimit   int
	StrongQueueLimit int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Lifetime: 5 * time.Minute, SoftQueueLimit: 20, StrongQueueLimit: 50}
}

// Manager tracks open transactions and commits them through the safety
// gate.
type Manager struct {
	cfg       Config
	gate      *safety.Gate
	snapshots *safety.SnapshotService
	writer    Writer
	cache     safety.Invalidator
	logger    *slog.Logger

	mu  sync.Mutex
	txs map[string]*Transaction
}

// NewManager wires a manager. cache may be nil; committed ranges then rely
// on the write path's own invalidation.
func NewManager(cfg Config, gate *safety.Gate, snapshots *safety.SnapshotService, writer Writer, cache safety.Invalidator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultConfig().Lifetime
	}
	if cfg.SoftQueueLimit <= 0 {
		cfg.SoftQueueLimit = DefaultConfig().SoftQueueLimit
	}
	if cfg.StrongQueueLimit <= 0 {
		cfg.StrongQueueLimit = DefaultConfig().StrongQueueLimit
	}
	return &Manager{
		cfg:       cfg,
		gate:      gate,
		snapshots: snapshots,
		writer:    writer,
		cache:     cache,
		logger:    logger,
		txs:       make(map[string]*Transaction),
	}
}

// Begin opens a transaction for one spreadsheet.
func (m *Manager) Begin(spreadsheetID, ownerID string, autoRollback bool) *Transaction {
	tx := &Transaction{
		ID:            uuid.NewString(),
		SpreadsheetID: spreadsheetID,
		State:         StatePending,
		CreatedAt:     time.Now(),
		AutoRollback:  autoRollback,
		OwnerID:       ownerID,
		FailedOp:      -1,
	}
	m.mu.Lock()
	m.txs[tx.ID] = tx
	m.mu.Unlock()
	m.logger.Info("transaction opened", "tx_id", tx.ID, "spreadsheet_id", spreadsheetID, "auto_rollback", autoRollback)
	return tx
}

// Queue appends an operation and returns any growth advisories.
func (m *Manager) Queue(txID, ownerID string, op Operation) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.pendingLocked(txID, ownerID)
	if err != nil {
		return nil, err
	}

	switch op.Type {
	case OpWrite, OpAppend, OpClear:
	default:
		return nil, protocol.Errorf(protocol.ErrInvalidParams, "unknown operation type %q", op.Type)
	}

	tx.Operations = append(tx.Operations, op)

	var warnings []string
	if n := len(tx.Operations); n > m.cfg.StrongQueueLimit {
		warnings = append(warnings, fmt.Sprintf(
			"transaction holds %d operations; commits this large are slow and hard to review, split the work", n))
	} else if n > m.cfg.SoftQueueLimit {
		warnings = append(warnings, fmt.Sprintf(
			"transaction holds %d operations; consider committing soon", n))
	}
	return warnings, nil
}

// Commit applies the queued operations in FIFO order as one gated batch.
// progress may be nil.
func (m *Manager) Commit(ctx context.Context, txID, ownerID string, progress func(phase string, pct float64)) (*safety.MutationSummary, error) {
	m.mu.Lock()
	tx, err := m.pendingLocked(txID, ownerID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if len(tx.Operations) == 0 {
		m.mu.Unlock()
		return nil, protocol.Errorf(protocol.ErrPreconditionFailed, "transaction %s has no queued operations", txID)
	}
	ops := make([]Operation, len(tx.Operations))
	copy(ops, tx.Operations)
	m.mu.Unlock()

	failedAt := -1
	exec := func(ctx context.Context) (interface{}, error) {
		results := make([]interface{}, 0, len(ops))
		for i, op := range ops {
			res, opErr := m.apply(ctx, tx.SpreadsheetID, op)
			if opErr != nil {
				failedAt = i
				return nil, protocol.WrapError(protocol.ErrInternal,
					fmt.Sprintf("operation %d of %d (%s %s) failed: %v", i+1, len(ops), op.Type, op.Range, opErr), opErr).
					WithDetails(map[string]interface{}{
						"failed_op":   i,
						"op_type":     op.Type,
						"op_range":    op.Range,
						"applied_ops": i,
					})
			}
			results = append(results, res)
		}
		return results, nil
	}

	summary, err := m.gate.Execute(ctx, safety.Request{
		SpreadsheetID:  tx.SpreadsheetID,
		Range:          boundingRange(ops),
		OpName:         "transaction_commit",
		EstimatedCells: estimateCells(ops),
		OwnerID:        ownerID,
		// Rollback needs something to roll back to.
		Safety:   safety.Options{CreateSnapshot: tx.AutoRollback},
		Progress: progress,
	}, exec)

	m.mu.Lock()
	defer m.mu.Unlock()
	if summary != nil && summary.Snapshot != nil {
		tx.SnapshotID = summary.Snapshot.ID
	}
	if err == nil {
		tx.State = StateCommitted
		// The gate invalidated only its nominal range; every other range
		// the batch wrote must be dropped too.
		if m.cache != nil && summary != nil {
			seen := map[string]struct{}{boundingRange(ops): {}}
			for _, op := range ops {
				if _, dup := seen[op.Range]; dup {
					continue
				}
				seen[op.Range] = struct{}{}
				summary.Invalidated += m.cache.InvalidateRange(ctx, tx.SpreadsheetID, op.Range)
			}
		}
		m.logger.Info("transaction committed", "tx_id", tx.ID, "ops", len(ops))
		return summary, nil
	}

	tx.FailedOp = failedAt
	if tx.AutoRollback && summary != nil && summary.Snapshot != nil && failedAt > 0 {
		if rbErr := m.restoreLocked(ctx, tx, summary.Snapshot, ops[:failedAt]); rbErr != nil {
			tx.State = StateFailed
			m.logger.Error("auto-rollback failed", "tx_id", tx.ID, "error", rbErr)
			return summary, protocol.WrapError(protocol.ErrInternal,
				fmt.Sprintf("commit failed and rollback also failed: %v (original: %v)", rbErr, err), err)
		}
		tx.State = StateRolledBack
		m.logger.Warn("transaction rolled back", "tx_id", tx.ID, "failed_op", failedAt)
		return summary, err
	}

	if failedAt == 0 && tx.AutoRollback {
		// Nothing was applied, nothing to restore.
		tx.State = StateRolledBack
		return summary, err
	}
	tx.State = StateFailed
	return summary, err
}

// Rollback restores every queued range from the transaction's snapshot.
func (m *Manager) Rollback(ctx context.Context, txID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.lookupLocked(txID, ownerID)
	if !ok {
		return protocol.Errorf(protocol.ErrNotFound, "transaction %s not found", txID)
	}
	if tx.SnapshotID == "" {
		return protocol.Errorf(protocol.ErrPreconditionFailed, "transaction %s has no snapshot to restore from", txID).
			WithResolution("begin transactions with auto_rollback=true to get pre-commit snapshots")
	}
	info, ok := m.snapshots.Lookup(tx.SnapshotID, ownerID)
	if !ok {
		return protocol.Errorf(protocol.ErrNotFound, "snapshot %s not found", tx.SnapshotID)
	}
	if err := m.restoreLocked(ctx, tx, info, tx.Operations); err != nil {
		return err
	}
	tx.State = StateRolledBack
	return nil
}

// Status returns the transaction by id, scoped to owner.
func (m *Manager) Status(txID, ownerID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.lookupLocked(txID, ownerID)
	if !ok {
		return nil, protocol.Errorf(protocol.ErrNotFound, "transaction %s not found", txID)
	}
	cp := *tx
	return &cp, nil
}

// List returns the owner's transactions, open and settled.
func (m *Manager) List(ownerID string) []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		if tx.OwnerID == ownerID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out
}

// Sweep drops settled transactions older than twice the lifetime so the
// map stays bounded. Pending ones are kept until they expire naturally.
func (m *Manager) Sweep() int {
	cutoff := time.Now().Add(-2 * m.cfg.Lifetime)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, tx := range m.txs {
		if tx.State != StatePending && tx.CreatedAt.Before(cutoff) {
			delete(m.txs, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) pendingLocked(txID, ownerID string) (*Transaction, error) {
	tx, ok := m.lookupLocked(txID, ownerID)
	if !ok {
		return nil, protocol.Errorf(protocol.ErrNotFound, "transaction %s not found", txID)
	}
	if tx.State != StatePending {
		return nil, protocol.Errorf(protocol.ErrPreconditionFailed, "transaction %s is %s", txID, tx.State)
	}
	if time.Since(tx.CreatedAt) > m.cfg.Lifetime {
		tx.State = StateFailed
		return nil, protocol.Errorf(protocol.ErrTransactionTimeout,
			"transaction %s expired after %s", txID, m.cfg.Lifetime).
			WithResolution("begin a new transaction and re-queue the operations")
	}
	return tx, nil
}

func (m *Manager) lookupLocked(txID, ownerID string) (*Transaction, bool) {
	tx, ok := m.txs[txID]
	if !ok || tx.OwnerID != ownerID {
		return nil, false
	}
	return tx, true
}

func (m *Manager) apply(ctx context.Context, spreadsheetID string, op Operation) (interface{}, error) {
	switch op.Type {
	case OpWrite:
		return m.writer.Update(ctx, spreadsheetID, op.Range, &sheets.ValueRange{Values: op.Values}, inputOption(op))
	case OpAppend:
		return m.writer.Append(ctx, spreadsheetID, op.Range, &sheets.ValueRange{Values: op.Values}, inputOption(op))
	case OpClear:
		return nil, m.writer.Clear(ctx, spreadsheetID, op.Range)
	}
	return nil, protocol.Errorf(protocol.ErrInvalidParams, "unknown operation type %q", op.Type)
}

// restoreLocked restores the ranges touched by ops from the snapshot.
func (m *Manager) restoreLocked(ctx context.Context, tx *Transaction, info *safety.SnapshotInfo, ops []Operation) error {
	ranges := make([]string, 0, len(ops))
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if _, dup := seen[op.Range]; dup {
			continue
		}
		seen[op.Range] = struct{}{}
		ranges = append(ranges, op.Range)
	}
	return m.snapshots.Restore(ctx, info, ranges)
}

func inputOption(op Operation) string {
	if op.ValueInputOption != "" {
		return op.ValueInputOption
	}
	return "USER_ENTERED"
}

func estimateCells(ops []Operation) int {
	total := 0
	for _, op := range ops {
		for _, row := range op.Values {
			total += len(row)
		}
	}
	return total
}

// boundingRange names the commit's footprint for the gate's policy and
// diff phases. Ops may touch several sheets, so the first op's range
// stands in; Commit invalidates the remaining ranges itself.
func boundingRange(ops []Operation) string {
	if len(ops) == 0 {
		return ""
	}
	return ops[0].Range
}
