// Package task tracks long-running operations so clients can poll, stream
// progress and cancel. Tasks belong to a session and survive transport
// reconnects within it.
package task

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheetbridge/gateway/internal/protocol"
)

// Task states. Cancelled, completed and failed are terminal.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Terminal reports whether a state accepts no further updates.
func Terminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Task is one long-running operation.
type Task struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Name      string      `json:"name"`
	State     string      `json:"state"`
	Progress  float64     `json:"progress"`
	Total     float64     `json:"total,omitempty"`
	Message   string      `json:"message,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	State    *string
	Progress *float64
	Message  *string
	Result   interface{}
	Error    string
}

// Store is the swappable persistence interface. Both backends enforce the
// same semantics: progress never regresses, terminal states never change.
type Store interface {
	Create(ctx context.Context, sessionID, name string) (*Task, error)
	Update(ctx context.Context, id string, patch Patch) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	Cancel(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, sessionID string) ([]*Task, error)
	// DropSession removes every task owned by a closed session.
	DropSession(ctx context.Context, sessionID string) error
}

// applyPatch mutates t in place, enforcing the shared update rules.
func applyPatch(t *Task, patch Patch) error {
	if Terminal(t.State) {
		return protocol.Errorf(protocol.ErrPreconditionFailed, "task %s is %s and accepts no updates", t.ID, t.State)
	}
	if patch.State != nil {
		switch *patch.State {
		case StatePending, StateRunning, StateCompleted, StateFailed, StateCancelled:
			t.State = *patch.State
		default:
			return protocol.Errorf(protocol.ErrInvalidParams, "unknown task state %q", *patch.State)
		}
	}
	if patch.Progress != nil && *patch.Progress > t.Progress {
		// Regressions are dropped, not errors: replayed notifications
		// after a reconnect must not corrupt the bar.
		t.Progress = *patch.Progress
	}
	if patch.Message != nil {
		t.Message = *patch.Message
	}
	if patch.Result != nil {
		t.Result = patch.Result
	}
	if patch.Error != "" {
		t.Error = patch.Error
	}
	t.UpdatedAt = time.Now()
	return nil
}

// MemoryStore is the default single-process backend.
type MemoryStore struct {
	logger *slog.Logger

	mu        sync.Mutex
	tasks     map[string]*Task
	bySession map[string][]string
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		logger:    logger,
		tasks:     make(map[string]*Task),
		bySession: make(map[string][]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, sessionID, name string) (*Task, error) {
	now := time.Now()
	t := &Task{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.bySession[sessionID] = append(s.bySession[sessionID], t.ID)
	s.mu.Unlock()
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, patch Patch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, protocol.Errorf(protocol.ErrNotFound, "task %s not found", id)
	}
	if err := applyPatch(t, patch); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, protocol.Errorf(protocol.ErrNotFound, "task %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) Cancel(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, protocol.Errorf(protocol.ErrNotFound, "task %s not found", id)
	}
	if Terminal(t.State) {
		return nil, protocol.Errorf(protocol.ErrPreconditionFailed, "task %s is already %s", id, t.State)
	}
	t.State = StateCancelled
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.bySession[sessionID]
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DropSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.bySession[sessionID] {
		delete(s.tasks, id)
	}
	delete(s.bySession, sessionID)
	return nil
}
