// Package monitoring registers the gateway's Prometheus metrics and
// implements the sinks the other packages observe through.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Upstream API metrics
	APIRequestDuration *prometheus.HistogramVec
	APIRetries         *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec

	// Tool call metrics
	ToolCalls        *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHits      *prometheus.CounterVec
	CacheEvictions prometheus.Counter

	// Optimisation savings
	DedupCoalesced prometheus.Counter
	MergedReads    prometheus.Counter
	BatchedWrites  prometheus.Counter
	RefreshTotal   *prometheus.CounterVec

	// Sessions
	SessionsOpen    prometheus.Gauge
	SessionsRefused prometheus.Counter
}

// breaker states mapped to gauge values for alerting.
var breakerStateValues = map[string]float64{
	"closed":    0,
	"half_open": 1,
	"open":      2,
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		APIRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_api_request_duration_seconds",
				Help:    "Duration of upstream Sheets/Drive API calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "error_kind"},
		),
		APIRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_api_retries_total",
				Help: "Retried upstream API attempts",
			},
			[]string{"endpoint"},
		),
		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open)",
			},
			[]string{"endpoint"},
		),
		ToolCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tool_calls_total",
				Help: "Tool invocations by action and outcome",
			},
			[]string{"action", "status"}, // status: ok, error
		),
		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_tool_call_duration_seconds",
				Help:    "End-to-end tool call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_requests_total",
				Help: "Cache lookups by namespace and result",
			},
			[]string{"namespace", "result"}, // result: hit, miss
		),
		CacheEvictions: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_cache_evictions_total",
				Help: "Entries evicted by the LRU budget",
			},
		),
		DedupCoalesced: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_dedup_coalesced_total",
				Help: "Read requests served by piggybacking on an identical in-flight read",
			},
		),
		MergedReads: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_merged_reads_total",
				Help: "Read requests folded into a bounding-box fetch",
			},
		),
		BatchedWrites: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_batched_writes_total",
				Help: "Write operations folded into a batch call",
			},
		),
		RefreshTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_refresh_total",
				Help: "Background cache refreshes by result",
			},
			[]string{"result"}, // result: ok, failed, skipped
		),
		SessionsOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_sessions_open",
				Help: "Currently open client sessions",
			},
		),
		SessionsRefused: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_sessions_refused_total",
				Help: "Sessions refused by the per-user cap",
			},
		),
	}
}

// ObserveRequest implements the API shell's metrics sink.
func (m *Metrics) ObserveRequest(endpoint string, seconds float64, errorKind string) {
	if errorKind == "" {
		errorKind = "none"
	}
	m.APIRequestDuration.WithLabelValues(endpoint, errorKind).Observe(seconds)
}

// IncRetry implements the API shell's metrics sink.
func (m *Metrics) IncRetry(endpoint string) {
	m.APIRetries.WithLabelValues(endpoint).Inc()
}

// SetBreakerState implements the API shell's metrics sink.
func (m *Metrics) SetBreakerState(endpoint, state string) {
	m.BreakerState.WithLabelValues(endpoint).Set(breakerStateValues[state])
}

// ObserveToolCall records one handler dispatch.
func (m *Metrics) ObserveToolCall(action string, seconds float64, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.ToolCalls.WithLabelValues(action, status).Inc()
	m.ToolCallDuration.WithLabelValues(action).Observe(seconds)
}
