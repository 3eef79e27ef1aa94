package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowsim/core/events"
)

// Metrics owns a dedicated Prometheus registry so several servers (and tests)
// can coexist in one process without colliding on global registration.
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec

	events  *prometheus.CounterVec
	settled *prometheus.CounterVec
}

// NewMetrics registers the escrow service collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total JSON-RPC requests segmented by method and outcome.",
		}, []string{"method", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "rpc",
			Name:      "errors_total",
			Help:      "Total JSON-RPC errors segmented by method and error code.",
		}, []string{"method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escrow",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for JSON-RPC handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "rpc",
			Name:      "throttles_total",
			Help:      "Count of requests rejected by the rate limiter.",
		}, []string{"reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Ledger and contract events segmented by type.",
		}, []string{"type"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "contracts",
			Name:      "settled_amount_total",
			Help:      "Funds leaving escrow vaults segmented by outcome (release or refund).",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(m.requests, m.errors, m.latency, m.throttles, m.events, m.settled)
	return m
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe records the outcome of one RPC call. A zero code means success.
func (m *Metrics) Observe(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if code != 0 {
		outcome = "error"
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", code)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" so dashboards and alerts remain consistent.
func (m *Metrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// Emit implements events.Emitter so the metrics can be attached to the ledger
// and registry directly.
func (m *Metrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.events.WithLabelValues(evt.EventType()).Inc()
	record, ok := evt.(events.Record)
	if !ok {
		return
	}
	var outcome string
	switch record.Type {
	case "escrow.delivery_confirmed":
		outcome = "release"
	case "escrow.cancelled":
		outcome = "refund"
	default:
		return
	}
	amount, err := strconv.ParseFloat(record.Attributes["amount"], 64)
	if err != nil || amount <= 0 {
		return
	}
	m.settled.WithLabelValues(outcome).Add(amount)
}
