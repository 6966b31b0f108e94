// Package handler hosts the tool actions and the runtime that dispatches
// them: request context, verbosity filtering, range resolution and the
// layered read path.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sheetbridge/gateway/internal/protocol"
	"github.com/sheetbridge/gateway/internal/session"
	"github.com/sheetbridge/gateway/internal/sheetsapi"
)

// Verbosity levels for response shaping.
const (
	VerbosityMinimal  = "minimal"
	VerbosityStandard = "standard"
	VerbosityDetailed = "detailed"
)

// RequestContext carries per-request state from transport to action.
// Created by the transport for every inbound call and destroyed when the
// handler returns.
type RequestContext struct {
	SessionID string
	UserID    string
	Trace     session.TraceContext
	Verbosity string
	Deadline  time.Time
	// Progress forwards progress notifications to the peer; nil when the
	// transport cannot deliver them.
	Progress func(progress, total float64, message string)
}

// ProgressFn returns a safe progress callback, swallowing nil.
func (rc *RequestContext) ProgressFn() func(progress, total float64, message string) {
	if rc.Progress == nil {
		return func(float64, float64, string) {}
	}
	return rc.Progress
}

// Action executes one tool operation.
type Action func(ctx context.Context, rc *RequestContext, params map[string]interface{}) (*protocol.Envelope, error)

// MetricsSink observes dispatches; the monitoring package satisfies it.
type MetricsSink interface {
	ObserveToolCall(action string, seconds float64, ok bool)
}

type nopMetrics struct{}

func (nopMetrics) ObserveToolCall(string, float64, bool) {}

// Runtime dispatches actions by tag.
type Runtime struct {
	actions map[string]Action
	metrics MetricsSink
	logger  *slog.Logger
}

// NewRuntime creates an empty runtime; register actions with Register.
func NewRuntime(metrics MetricsSink, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Runtime{actions: make(map[string]Action), metrics: metrics, logger: logger}
}

// Register installs an action under its tag. Duplicate registration is a
// wiring bug and panics at startup.
func (rt *Runtime) Register(tag string, action Action) {
	if _, exists := rt.actions[tag]; exists {
		panic(fmt.Sprintf("action %q registered twice", tag))
	}
	rt.actions[tag] = action
}

// Actions lists the registered tags, sorted.
func (rt *Runtime) Actions() []string {
	out := make([]string, 0, len(rt.actions))
	for tag := range rt.actions {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the tagged action and always returns an envelope: failures
// become error envelopes, never bare errors.
func (rt *Runtime) Dispatch(ctx context.Context, rc *RequestContext, tag string, params map[string]interface{}) *protocol.Envelope {
	action, ok := rt.actions[tag]
	if !ok {
		known := rt.Actions()
		return protocol.Failure(protocol.Errorf(protocol.ErrInvalidRequest, "unknown action %q", tag).
			WithDetails(map[string]interface{}{"available_actions": known}).
			WithResolution("use one of the actions in details"))
	}

	if !rc.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, rc.Deadline)
		defer cancel()
	}

	start := time.Now()
	env, err := action(ctx, rc, params)
	elapsed := time.Since(start)

	if err != nil {
		rt.metrics.ObserveToolCall(tag, elapsed.Seconds(), false)
		ge := sheetsapi.ToGatewayError(err)
		rt.logger.Warn("action failed",
			"action", tag,
			"code", string(ge.Code),
			"session_id", rc.SessionID,
			"trace_id", rc.Trace.TraceID,
			"elapsed", elapsed.Round(time.Millisecond).String())
		return protocol.Failure(ge)
	}

	rt.metrics.ObserveToolCall(tag, elapsed.Seconds(), true)
	rt.logger.Info("action ok",
		"action", tag,
		"session_id", rc.SessionID,
		"trace_id", rc.Trace.TraceID,
		"elapsed", elapsed.Round(time.Millisecond).String())

	filterEnvelope(env, rc.Verbosity)
	return env
}

// detailedOnlyFields are dropped below the detailed verbosity; minimal
// additionally drops the standard-tier fields.
var detailedOnlyFields = map[string]struct{}{
	"diff":         {},
	"metadata":     {},
	"sheets":       {},
	"named_ranges": {},
	"stats":        {},
}

var standardFields = map[string]struct{}{
	"updated_range":   {},
	"updated_rows":    {},
	"updated_cells":   {},
	"cleared_range":   {},
	"major_dimension": {},
	"render_option":   {},
	"warnings":        {},
	"batched":         {},
}

// filterEnvelope trims payload fields the caller did not ask for. Core
// fields (values, range, ids, states) always survive.
func filterEnvelope(env *protocol.Envelope, verbosity string) {
	if env == nil || env.Payload == nil {
		return
	}
	switch verbosity {
	case VerbosityDetailed:
		return
	case VerbosityMinimal:
		for k := range env.Payload {
			if _, detailed := detailedOnlyFields[k]; detailed {
				delete(env.Payload, k)
				continue
			}
			if _, standard := standardFields[k]; standard {
				delete(env.Payload, k)
			}
		}
	default: // standard
		for k := range detailedOnlyFields {
			delete(env.Payload, k)
		}
	}
}

// --- param helpers ---

func paramString(params map[string]interface{}, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func requireString(params map[string]interface{}, key string) (string, error) {
	s, ok := paramString(params, key)
	if !ok || s == "" {
		return "", protocol.Errorf(protocol.ErrInvalidParams, "missing required parameter %q", key)
	}
	return s, nil
}

func paramBool(params map[string]interface{}, key string) bool {
	v, ok := params[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func paramInt(params map[string]interface{}, key string, fallback int) int {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	}
	return fallback
}

// paramRows decodes a JSON rows parameter ([][]interface{} arrives as
// []interface{} of []interface{}).
func paramRows(params map[string]interface{}, key string) ([][]interface{}, error) {
	v, ok := params[key]
	if !ok {
		return nil, protocol.Errorf(protocol.ErrInvalidParams, "missing required parameter %q", key)
	}
	if typed, ok := v.([][]interface{}); ok {
		return typed, nil
	}
	outer, ok := v.([]interface{})
	if !ok {
		return nil, protocol.Errorf(protocol.ErrInvalidParams, "%q must be an array of row arrays", key)
	}
	rows := make([][]interface{}, 0, len(outer))
	for i, rawRow := range outer {
		row, ok := rawRow.([]interface{})
		if !ok {
			return nil, protocol.Errorf(protocol.ErrInvalidParams, "%q row %d is not an array", key, i)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, protocol.Errorf(protocol.ErrInvalidParams, "%q must not be empty", key)
	}
	return rows, nil
}

// safetyOptions decodes the safety parameter block.
func safetyOptions(params map[string]interface{}) map[string]interface{} {
	if v, ok := params["safety"].(map[string]interface{}); ok {
		return v
	}
	return map[string]interface{}{}
}
