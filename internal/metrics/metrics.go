// Package metrics exposes Prometheus instrumentation for the scoring engine.
//
// All methods are safe on a nil *Metrics so callers can run uninstrumented.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ctfboard"

// Metrics holds the engine's collectors.
type Metrics struct {
	submissions       *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	reconcileRuns     *prometheus.CounterVec
	prunedSolves      *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec
	catalogWarnings   *prometheus.CounterVec
	participants      *prometheus.GaugeVec
	challenges        *prometheus.GaugeVec
	queueDepth        prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Answer submissions by outcome",
		}, []string{"community", "outcome"}),
		reconcileDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of community reconciliation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		reconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation runs by result",
		}, []string{"community", "result"}),
		prunedSolves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_solves_total",
			Help:      "Solve records deleted by destructive reconciliation",
		}, []string{"community"}),
		persistenceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Failed durable-storage operations",
		}, []string{"op"}),
		catalogWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_warnings_total",
			Help:      "Challenge definition lines skipped while loading",
		}, []string{"community"}),
		participants: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Participants on the roster",
		}, []string{"community"}),
		challenges: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "challenges",
			Help:      "Challenges in the catalog",
		}, []string{"community"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Events waiting for the engine",
		}),
	}
}

// Submission counts a submission outcome.
func (m *Metrics) Submission(community, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(community, outcome).Inc()
}

// Reconciled records a reconciliation run.
func (m *Metrics) Reconciled(community, strategy string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reconcileDuration.WithLabelValues(strategy).Observe(d.Seconds())
	m.reconcileRuns.WithLabelValues(community, result).Inc()
}

// Pruned counts deleted solve records.
func (m *Metrics) Pruned(community string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.prunedSolves.WithLabelValues(community).Add(float64(n))
}

// PersistenceError counts a failed storage operation.
func (m *Metrics) PersistenceError(op string) {
	if m == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(op).Inc()
}

// CatalogWarnings counts skipped definition lines.
func (m *Metrics) CatalogWarnings(community string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.catalogWarnings.WithLabelValues(community).Add(float64(n))
}

// CommunitySize sets the roster and catalog gauges.
func (m *Metrics) CommunitySize(community string, participants, challenges int) {
	if m == nil {
		return
	}
	m.participants.WithLabelValues(community).Set(float64(participants))
	m.challenges.WithLabelValues(community).Set(float64(challenges))
}

// QueueDepth sets the pending event gauge.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Handler serves the collectors of g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
