// Package metrics provides Prometheus metrics for the dispensation engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PrescriptionsCreated    prometheus.Counter
	PrescriptionsUnanchored prometheus.Counter
	PrescriptionsDispensed  prometheus.Counter
	DispensationsDenied     *prometheus.CounterVec
	LedgerCommits           *prometheus.CounterVec
	LedgerDuration          *prometheus.HistogramVec
	OperationDuration       *prometheus.HistogramVec
	EventsPublished         prometheus.Counter
	EventsConsumed          prometheus.Counter
	OutboxPending           prometheus.Gauge
	ReconcileDivergences    *prometheus.CounterVec
	CircuitBreakerState     *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions issued",
		}),
		PrescriptionsUnanchored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_unanchored_total",
			Help: "Prescriptions issued without a ledger transaction",
		}),
		PrescriptionsDispensed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_dispensed_total",
			Help: "Total prescriptions dispensed",
		}),
		DispensationsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispensations_denied_total",
			Help: "Dispensation attempts refused, by reason",
		}, []string{"reason"}),
		LedgerCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_commits_total",
			Help: "Ledger commit attempts by operation, path and outcome",
		}, []string{"operation", "path", "outcome"}),
		LedgerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_commit_duration_seconds",
			Help:    "Ledger call latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"operation", "path"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prescription_operation_duration_seconds",
			Help:    "Lifecycle operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		}, []string{"operation"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_events_published_total",
			Help: "Domain events published",
		}),
		EventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_events_consumed_total",
			Help: "Domain events consumed by the reconciler",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		ReconcileDivergences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_reconcile_divergences_total",
			Help: "Differences found between local state and the ledger",
		}, []string{"kind"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PrescriptionsCreated,
			m.PrescriptionsUnanchored,
			m.PrescriptionsDispensed,
			m.DispensationsDenied,
			m.LedgerCommits,
			m.LedgerDuration,
			m.OperationDuration,
			m.EventsPublished,
			m.EventsConsumed,
			m.OutboxPending,
			m.ReconcileDivergences,
			m.CircuitBreakerState,
		)
	}

	return m
}

// ObserveLedger records one ledger call
func (m *Metrics) ObserveLedger(operation, path, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.LedgerCommits.WithLabelValues(operation, path, outcome).Inc()
	m.LedgerDuration.WithLabelValues(operation, path).Observe(took.Seconds())
}

// ObserveOperation records the duration of a lifecycle operation
func (m *Metrics) ObserveOperation(operation string, took time.Duration) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(took.Seconds())
}

// Created counts an issued prescription
func (m *Metrics) Created(anchored bool) {
	if m == nil {
		return
	}
	m.PrescriptionsCreated.Inc()
	if !anchored {
		m.PrescriptionsUnanchored.Inc()
	}
}

// Dispensed counts a committed dispensation
func (m *Metrics) Dispensed() {
	if m == nil {
		return
	}
	m.PrescriptionsDispensed.Inc()
}

// Denied counts a refused dispensation
func (m *Metrics) Denied(reason string) {
	if m == nil {
		return
	}
	m.DispensationsDenied.WithLabelValues(reason).Inc()
}

// Published counts a produced event
func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.EventsPublished.Inc()
}

// Consumed counts a consumed event
func (m *Metrics) Consumed() {
	if m == nil {
		return
	}
	m.EventsConsumed.Inc()
}

// Divergence counts a reconciliation finding
func (m *Metrics) Divergence(kind string) {
	if m == nil {
		return
	}
	m.ReconcileDivergences.WithLabelValues(kind).Inc()
}

// BreakerState records a breaker state as 0, 1 or 2
func (m *Metrics) BreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// Handler returns the Prometheus HTTP handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
