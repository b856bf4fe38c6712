// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "attendance"

var (
	// ScansTotal counts scans by phase and result token.
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scan",
		Name:      "total",
		Help:      "Scans processed, by phase and result token",
	}, []string{"phase", "token"})

	// CodesIssued counts verification codes by outcome (minted, reused, too_late).
	CodesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "codes",
		Name:      "issued_total",
		Help:      "Verification code issuance outcomes",
	}, []string{"outcome"})

	// CodeRedemptions counts redemptions by result code ("ok" on success).
	CodeRedemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "codes",
		Name:      "redemptions_total",
		Help:      "Verification code redemptions by result",
	}, []string{"result"})

	// Verdicts counts computed verdicts by role and status.
	Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "verdicts_total",
		Help:      "Daily verdicts computed",
	}, []string{"role", "status"})

	// ReconcileFailures counts per-subject reconciliation failures.
	ReconcileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "failures_total",
		Help:      "Per-subject reconciliation failures",
	})

	// SweepDuration measures late-alert sweeps.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "sweep_duration_seconds",
		Help:      "Late-alert sweep duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	// SweepSessions counts per-session sweep outcomes.
	SweepSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "sessions_total",
		Help:      "Sessions examined by the sweep, by outcome",
	}, []string{"outcome"})

	// AlertsRaised counts late alerts by source (sweep, review).
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "raised_total",
		Help:      "Late alerts persisted",
	}, []string{"source"})

	// Notifications counts notification attempts by kind and result.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Notification delivery attempts",
	}, []string{"kind", "result"})

	// JobRuns counts scheduled job executions by job and result.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "runs_total",
		Help:      "Scheduled job runs by result (ok, error, skipped, lock_error)",
	}, []string{"job", "result"})
)

// Result maps an error onto a low-cardinality label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
