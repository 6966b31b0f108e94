// Package circuitbreaker gates calls to the upstream spreadsheet APIs.
// One breaker exists per logical endpoint (sheets.values.get,
// drive.files.create, ...); state mutation is serialized per breaker.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests fail fast
	StateHalfOpen              // probing whether the endpoint recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrProbeInFlight is returned when half-open already has its one probe.
	ErrProbeInFlight = errors.New("half-open probe already in flight")
)

// Config holds breaker tuning.
type Config struct {
	// FailureThreshold is the consecutive counted failures that trip the
	// breaker while closed.
	FailureThreshold int
	// SuccessThreshold is the successes required in half-open to close.
	SuccessThreshold int
	// ResetTimeout is how long the breaker stays open before allowing a
	// probe.
	ResetTimeout time.Duration
	// Countable decides whether an error counts toward tripping. Terminal
	// caller errors like NotFound or PermissionDenied should not trip the
	// breaker.
	Countable func(error) bool
	// OnStateChange is invoked after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		Countable:        func(error) bool { return true },
	}
}

// Breaker is the per-endpoint state machine.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	lastFailureAt time.Time
	nextAttemptAt time.Time
	probing       bool

	totalRequests      uint64
	fallbackUsageCount uint64
}

// New creates a breaker for an endpoint name.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Countable == nil {
		cfg.Countable = func(error) bool { return true }
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// Name returns the endpoint name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the open to half-open timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked(time.Now())
}

func (b *Breaker) currentStateLocked(now time.Time) State {
	if b.state == StateOpen && !now.Before(b.nextAttemptAt) {
		b.transitionLocked(StateHalfOpen)
	}
	return b.state
}

// Allow reserves the right to make one call. In half-open at most one probe
// may be in flight. The returned record function must be called with the
// call outcome.
func (b *Breaker) Allow() (func(err error), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.currentStateLocked(now) {
	case StateOpen:
		return nil, ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			return nil, ErrProbeInFlight
		}
		b.probing = true
	}

	b.totalRequests++
	return b.record, nil
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	record, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	record(err)
	return err
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	now := time.Now()

	if err == nil {
		b.onSuccessLocked()
		return
	}
	if !b.cfg.Countable(err) {
		// Terminal caller errors pass through without moving the machine.
		return
	}
	b.failureCount++
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.nextAttemptAt = now.Add(b.cfg.ResetTimeout)
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.nextAttemptAt = now.Add(b.cfg.ResetTimeout)
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) onSuccessLocked() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
	case StateHalfOpen:
		b.successCount = 0
		b.probing = false
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// RecordFallback counts a fallback activation for this endpoint.
func (b *Breaker) RecordFallback() {
	b.mu.Lock()
	b.fallbackUsageCount++
	b.mu.Unlock()
}

// Snapshot is the externally visible breaker record, served by
// /metrics/circuit-breakers.
type Snapshot struct {
	Name               string    `json:"name"`
	State              string    `json:"state"`
	FailureCount       int       `json:"failure_count"`
	SuccessCount       int       `json:"success_count"`
	LastFailureAt      time.Time `json:"last_failure_at"`
	NextAttemptAt      time.Time `json:"next_attempt_at"`
	TotalRequests      uint64    `json:"total_requests"`
	FallbackUsageCount uint64    `json:"fallback_usage_count"`
}

// Snapshot returns a copy of the breaker counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:               b.name,
		State:              b.currentStateLocked(time.Now()).String(),
		FailureCount:       b.failureCount,
		SuccessCount:       b.successCount,
		LastFailureAt:      b.lastFailureAt,
		NextAttemptAt:      b.nextAttemptAt,
		TotalRequests:      b.totalRequests,
		FallbackUsageCount: b.fallbackUsageCount,
	}
}

// Registry manages the process-global set of per-endpoint breakers.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	logger   *slog.Logger
}

// NewRegistry creates a registry that stamps new breakers from cfg.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to State) {
		logger.Info("circuit breaker state change",
			"endpoint", name, "from", from.String(), "to", to.String())
		if base != nil {
			base(name, from, to)
		}
	}
	return &Registry{breakers: make(map[string]*Breaker), cfg: cfg, logger: logger}
}

// Get returns the breaker for an endpoint, creating it on first use.
func (r *Registry) Get(endpoint string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[endpoint]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[endpoint]; ok {
		return b
	}
	b = New(endpoint, r.cfg)
	r.breakers[endpoint] = b
	return b
}

// Snapshots returns per-breaker records keyed by endpoint.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}

// Healthy reports whether no breaker is currently open.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		if b.State() == StateOpen {
			return false
		}
	}
	return true
}
