// Package session tracks client sessions across the stdio, SSE and
// streamable HTTP transports. Per-user caps keep one noisy client from
// exhausting the gateway; trace context ties every request in a session
// to its distributed trace.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheetbridge/gateway/internal/protocol"
)

// Transport names.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// Session is one client connection's state. Fields behind the manager's
// lock; Touch and snapshot accessors are the only safe mutators.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Transport   string    `json:"transport"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeen    time.Time `json:"last_seen"`
	Reconnects  int       `json:"reconnects"`
	Initialized bool      `json:"initialized"`

	// ClientCapabilities is set during the initialize handshake.
	ClientCapabilities protocol.ClientCapabilities `json:"client_capabilities"`
}

// Config tunes the manager.
type Config struct {
	MaxPerUser  int
	IdleTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{MaxPerUser: 10, IdleTimeout: 30 * time.Minute}
}

// Manager owns the session table.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]int

	created uint64
	evicted uint64
	refused uint64
}

// NewManager creates a manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = DefaultConfig().MaxPerUser
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]int),
	}
}

// UserID derives a stable anonymous user id from a bearer token. The
// token itself never appears in logs or session state.
func UserID(bearer string) string {
	if bearer == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(bearer))
	return hex.EncodeToString(sum[:])[:16]
}

// Open creates a session, enforcing the per-user cap.
func (m *Manager) Open(userID, transport string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.byUser[userID] >= m.cfg.MaxPerUser {
		m.refused++
		m.logger.Warn("session refused", "user_id", userID, "open", m.byUser[userID])
		return nil, protocol.Errorf(protocol.ErrTooManySessions,
			"user has %d open sessions, the cap is %d", m.byUser[userID], m.cfg.MaxPerUser).
			WithResolution("close an idle session with DELETE /session/:id, or wait for idle sessions to expire").
			WithRetryStrategy("retry after closing a session")
	}

	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Transport: transport,
		CreatedAt: now,
		LastSeen:  now,
	}
	m.sessions[s.ID] = s
	m.byUser[userID]++
	m.created++
	m.logger.Info("session opened", "session_id", s.ID, "user_id", userID, "transport", transport)
	return s, nil
}

// Get returns the session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Touch refreshes the idle clock.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		s.LastSeen = time.Now()
	}
	m.mu.Unlock()
}

// Reattach marks a resumed stream on an existing session. The second
// return is false when the session no longer exists and the client must
// start over.
func (m *Manager) Reattach(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	s.Reconnects++
	s.LastSeen = time.Now()
	m.logger.Info("session reattached", "session_id", id, "reconnects", s.Reconnects)
	return s, true
}

// Close removes the session.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	delete(m.sessions, id)
	m.decUserLocked(s.UserID)
	m.logger.Info("session closed", "session_id", id, "user_id", s.UserID,
		"lifetime", time.Since(s.CreatedAt).Round(time.Second).String())
	return true
}

// CloseAll tears down every session, used during shutdown.
func (m *Manager) CloseAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.sessions)
	m.sessions = make(map[string]*Session)
	m.byUser = make(map[string]int)
	return n
}

// SweepIdle evicts sessions idle past the timeout.
func (m *Manager) SweepIdle() int {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, s := range m.sessions {
		if s.LastSeen.Before(cutoff) {
			delete(m.sessions, id)
			m.decUserLocked(s.UserID)
			m.evicted++
			evicted++
			m.logger.Info("idle session evicted", "session_id", id, "user_id", s.UserID)
		}
	}
	return evicted
}

func (m *Manager) decUserLocked(userID string) {
	if m.byUser[userID] <= 1 {
		delete(m.byUser, userID)
		return
	}
	m.byUser[userID]--
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stats is the /stats sessions block.
type Stats struct {
	Open    int    `json:"open"`
	Created uint64 `json:"created"`
	Evicted uint64 `json:"evicted"`
	Refused uint64 `json:"refused"`
}

// Snapshot returns session counters.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Open: len(m.sessions), Created: m.created, Evicted: m.evicted, Refused: m.refused}
}

// --- W3C trace context ---

var traceparentRe = regexp.MustCompile(`^([0-9a-f]{2})-([0-9a-f]{32})-([0-9a-f]{16})-([0-9a-f]{2})$`)

// TraceContext is the parsed (or minted) W3C trace context for a request.
type TraceContext struct {
	TraceID  string
	ParentID string
	SpanID   string
	Sampled  bool
	Minted   bool
}

// ParseTraceparent parses a traceparent header, minting fresh ids when the
// header is missing or malformed. The child span id is always fresh.
func ParseTraceparent(header string) TraceContext {
	header = strings.TrimSpace(header)
	matches := traceparentRe.FindStringSubmatch(header)
	if matches == nil || matches[2] == strings.Repeat("0", 32) || matches[3] == strings.Repeat("0", 16) {
		return TraceContext{TraceID: randomHex(16), SpanID: randomHex(8), Sampled: true, Minted: true}
	}
	return TraceContext{
		TraceID:  matches[2],
		ParentID: matches[3],
		SpanID:   randomHex(8),
		Sampled:  strings.HasSuffix(matches[4], "1"),
	}
}

// Header renders the outgoing traceparent for this context.
func (tc TraceContext) Header() string {
	flags := "00"
	if tc.Sampled {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", tc.TraceID, tc.SpanID, flags)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; uuid entropy
		// is an acceptable substitute if it somehow does.
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:2*n]
	}
	return hex.EncodeToString(buf)
}
