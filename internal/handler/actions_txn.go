package handler

import (
	"context"

	"github.com/sheetbridge/gateway/internal/protocol"
	"github.com/sheetbridge/gateway/internal/task"
	"github.com/sheetbridge/gateway/internal/txn"
)

// TransactionBegin opens a transaction scoped to one spreadsheet.
func (s *Service) TransactionBegin(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	spreadsheetID, err := requireString(params, "spreadsheet_id")
	if err != nil {
		return nil, err
	}
	autoRollback := true
	if v, ok := params["auto_rollback"].(bool); ok {
		autoRollback = v
	}
	tx := s.txns.Begin(spreadsheetID, rc.UserID, autoRollback)
	return protocol.Success("transaction_begin", map[string]interface{}{
		"transaction_id": tx.ID,
		"state":          tx.State,
		"auto_rollback":  tx.AutoRollback,
		"created_at":     tx.CreatedAt,
	}), nil
}

// TransactionQueue appends one operation to a pending transaction.
func (s *Service) TransactionQueue(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	txID, err := requireString(params, "transaction_id")
	if err != nil {
		return nil, err
	}
	opType, err := requireString(params, "operation")
	if err != nil {
		return nil, err
	}
	ref, err := requireString(params, "range")
	if err != nil {
		return nil, err
	}

	op := txn.Operation{Type: opType, Range: ref}
	if opType == txn.OpWrite || opType == txn.OpAppend {
		rows, err := paramRows(params, "values")
		if err != nil {
			return nil, err
		}
		op.Values = rows
		op.ValueInputOption, _ = paramString(params, "value_input_option")
	}

	warnings, err := s.txns.Queue(txID, rc.UserID, op)
	if err != nil {
		return nil, err
	}
	env := protocol.Success("transaction_queue", map[string]interface{}{
		"transaction_id": txID,
		"queued":         true,
	})
	for _, w := range warnings {
		env.AddWarning(w)
	}
	return env, nil
}

// TransactionCommit applies the queued operations in order through the
// safety gate.
func (s *Service) TransactionCommit(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	txID, err := requireString(params, "transaction_id")
	if err != nil {
		return nil, err
	}
	// Commits are always worth a task record: size is unknown until the
	// queue drains and they can span many ranges.
	progress, done := s.trackMutation(ctx, rc, "transaction_commit", taskTrackThreshold)
	summary, err := s.txns.Commit(ctx, txID, rc.UserID, progress)
	done(mutationResult(summary), err)
	if err != nil {
		return nil, err
	}
	env := summaryPayload("transaction_commit", summary)
	env.Payload["transaction_id"] = txID
	return env, nil
}

// TransactionRollback restores the pre-commit snapshot of a settled
// transaction.
func (s *Service) TransactionRollback(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	txID, err := requireString(params, "transaction_id")
	if err != nil {
		return nil, err
	}
	if err := s.txns.Rollback(ctx, txID, rc.UserID); err != nil {
		return nil, err
	}
	return protocol.Success("transaction_rollback", map[string]interface{}{
		"transaction_id": txID,
		"state":          txn.StateRolledBack,
	}), nil
}

// TransactionStatus reports one transaction.
func (s *Service) TransactionStatus(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	txID, err := requireString(params, "transaction_id")
	if err != nil {
		return nil, err
	}
	tx, err := s.txns.Status(txID, rc.UserID)
	if err != nil {
		return nil, err
	}
	return protocol.Success("transaction_status", txPayload(tx)), nil
}

// TransactionList reports the caller's transactions.
func (s *Service) TransactionList(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	txs := s.txns.List(rc.UserID)
	items := make([]map[string]interface{}, 0, len(txs))
	for _, tx := range txs {
		items = append(items, txPayload(tx))
	}
	return protocol.Success("transaction_list", map[string]interface{}{
		"transactions": items,
		"count":        len(items),
	}), nil
}

func txPayload(tx *txn.Transaction) map[string]interface{} {
	out := map[string]interface{}{
		"transaction_id": tx.ID,
		"spreadsheet_id": tx.SpreadsheetID,
		"state":          tx.State,
		"operations":     len(tx.Operations),
		"auto_rollback":  tx.AutoRollback,
		"created_at":     tx.CreatedAt,
	}
	if tx.SnapshotID != "" {
		out["snapshot_id"] = tx.SnapshotID
	}
	if tx.FailedOp >= 0 {
		out["failed_op"] = tx.FailedOp
	}
	return out
}

// TaskGet reports one long-running task.
func (s *Service) TaskGet(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	id, err := requireString(params, "task_id")
	if err != nil {
		return nil, err
	}
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return protocol.Success("task_get", taskPayload(t)), nil
}

// TaskCancel requests cancellation of a running task.
func (s *Service) TaskCancel(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	id, err := requireString(params, "task_id")
	if err != nil {
		return nil, err
	}
	t, err := s.tasks.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	return protocol.Success("task_cancel", taskPayload(t)), nil
}

// TaskList reports the session's tasks in creation order.
func (s *Service) TaskList(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error) {
	tasks, err := s.tasks.List(ctx, rc.SessionID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]interface{}, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, taskPayload(t))
	}
	return protocol.Success("task_list", map[string]interface{}{
		"tasks": items,
		"count": len(items),
	}), nil
}

func taskPayload(t *task.Task) map[string]interface{} {
	out := map[string]interface{}{
		"task_id":    t.ID,
		"name":       t.Name,
		"state":      t.State,
		"progress":   t.Progress,
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
	}
	if t.Total > 0 {
		out["total"] = t.Total
	}
	if t.Message != "" {
		out["message"] = t.Message
	}
	if t.Result != nil {
		out["result"] = t.Result
	}
	if t.Error != "" {
		out["error"] = t.Error
	}
	return out
}
