package task

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheetbridge/gateway/internal/protocol"
)

// KV is the slice of a Redis-shaped client the distributed store needs.
// The infra package provides one over go-redis.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error
}

// KVStore persists tasks in a shared key-value store so any gateway pod
// can serve polls for a task another pod is running. Read-modify-write
// races between pods are serialised per pod only; the progress-monotonic
// rule makes lost updates benign.
type KVStore struct {
	kv     KV
	ttl    time.Duration
	logger *slog.Logger

	mu sync.Mutex
}

// NewKVStore creates a store. ttl bounds how long settled tasks linger.
func NewKVStore(kv KV, ttl time.Duration, logger *slog.Logger) *KVStore {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &KVStore{kv: kv, ttl: ttl, logger: logger}
}

func taskKey(id string) string           { return "sbg:task:" + id }
func sessionKey(sessionID string) string { return "sbg:task-index:" + sessionID }

func (s *KVStore) save(ctx context.Context, t *Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, taskKey(t.ID), raw, s.ttl)
}

func (s *KVStore) load(ctx context.Context, id string) (*Task, error) {
	raw, err := s.kv.Get(ctx, taskKey(id))
	if err != nil || len(raw) == 0 {
		return nil, protocol.Errorf(protocol.ErrNotFound, "task %s not found", id)
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, protocol.WrapError(protocol.ErrInternal, "corrupt task record", err)
	}
	return &t, nil
}

func (s *KVStore) Create(ctx context.Context, sessionID, name string) (*Task, error) {
	now := time.Now()
	t := &Task{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	if err := s.kv.SAdd(ctx, sessionKey(sessionID), t.ID); err != nil {
		s.logger.Warn("task index update failed", "task_id", t.ID, "error", err)
	}
	return t, nil
}

func (s *KVStore) Update(ctx context.Context, id string, patch Patch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := applyPatch(t, patch); err != nil {
		return nil, err
	}
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *KVStore) Get(ctx context.Context, id string) (*Task, error) {
	return s.load(ctx, id)
}

func (s *KVStore) Cancel(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if Terminal(t.State) {
		return nil, protocol.Errorf(protocol.ErrPreconditionFailed, "task %s is already %s", id, t.State)
	}
	t.State = StateCancelled
	t.UpdatedAt = time.Now()
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *KVStore) List(ctx context.Context, sessionID string) ([]*Task, error) {
	ids, err := s.kv.SMembers(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.load(ctx, id)
		if err != nil {
			// Expired task, lazily drop the index entry.
			if delErr := s.kv.SRem(ctx, sessionKey(sessionID), id); delErr != nil {
				s.logger.Debug("task index cleanup failed", "task_id", id, "error", delErr)
			}
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *KVStore) DropSession(ctx context.Context, sessionID string) error {
	ids, err := s.kv.SMembers(ctx, sessionKey(sessionID))
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, taskKey(id))
	}
	keys = append(keys, sessionKey(sessionID))
	return s.kv.Del(ctx, keys...)
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*KVStore)(nil)
