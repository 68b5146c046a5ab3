package fixer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the reconciliation workflow.
// A nil *Metrics records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	features *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geomfix_reconcile_runs_total",
			Help: "Completed reconciliation runs by policy and outcome.",
		}, []string{"policy", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geomfix_reconcile_failures_total",
			Help: "Reconciliation runs aborted by an error.",
		}, []string{"policy"}),
		features: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geomfix_reconcile_features_total",
			Help: "Features handled by reconciliation runs, by kind.",
		}, []string{"policy", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geomfix_reconcile_duration_seconds",
			Help:    "Wall time of reconciliation runs.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"policy"}),
	}
	reg.MustRegister(m.runs, m.failures, m.features, m.duration)
	return m
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(r *Report) {
	if m == nil || r == nil {
		return
	}
	p := string(r.Policy)
	m.runs.WithLabelValues(p, string(r.Outcome)).Inc()
	m.duration.WithLabelValues(p).Observe(r.Duration().Seconds())
	for kind, n := range map[string]int{
		"invalid":         r.InvalidCount,
		"error":           r.ErrorCount,
		"fixed":           r.FixedCount,
		"added":           r.AddedCount,
		"removed_empty":   r.RemovedEmptyCount,
		"auto_fixed":      r.AutoFixedCount,
		"deduplicated":    r.DeduplicatedCount,
		"action_required": len(r.ActionRequired),
	} {
		m.features.WithLabelValues(p, kind).Add(float64(n))
	}
}

// ObserveFailure records an aborted run.
func (m *Metrics) ObserveFailure(p Policy) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(p)).Inc()
}
