// Package metrics exposes ledger counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "usage_ledger"

// Recorder receives ledger events. Implementations must be safe for concurrent use.
type Recorder interface {
	Admission(capabilityID, outcome string)
	Settlement(capabilityID, status string, cost int64)
	Refund(source string, amount int64)
	ConflictRetry(operation string)
	ReconcileRun(result string, d time.Duration)
	ReconcileTask(outcome string)
	StatusQuery(result string, d time.Duration)
	DeadLettered()
}

// Noop discards every event
type Noop struct{}

func (Noop) Admission(string, string) {}
func (Noop) Settlement(string, string, int64) {}
func (Noop) Refund(string, int64) {}
func (Noop) ConflictRetry(string) {}
func (Noop) ReconcileRun(string, time.Duration) {}
func (Noop) ReconcileTask(string) {}
func (Noop) StatusQuery(string, time.Duration) {}
func (Noop) DeadLettered() {}

// Prometheus records events into collectors registered on one registry
type Prometheus struct {
	registry *prometheus.Registry

	admissions      *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	creditsCharged  *prometheus.CounterVec
	refunds         *prometheus.CounterVec
	creditsRefunded *prometheus.CounterVec
	conflictRetries *prometheus.CounterVec
	reconcileRuns   *prometheus.CounterVec
	reconcileTime   prometheus.Histogram
	reconcileTasks  *prometheus.CounterVec
	statusQueries   *prometheus.HistogramVec
	deadLettered    prometheus.Counter
}

// NewPrometheus creates the collectors on a fresh registry
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),

		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by capability and outcome",
		}, []string{"capability", "outcome"}), // free | charged | deferred | replayed | rejected

		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlements by capability and resulting status",
		}, []string{"capability", "status"}), // completed | failed | already_terminal

		creditsCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_charged_total",
			Help:      "Credits billed on completed tasks",
		}, []string{"capability"}),

		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Refunds by source",
		}, []string{"source"}),

		creditsRefunded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_refunded_total",
			Help:      "Credits returned by refunds",
		}, []string{"source"}),

		conflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_retries_total",
			Help:      "Operations retried after a concurrent modification",
		}, []string{"operation"}),

		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation runs by result",
		}, []string{"result"}), // completed | skipped | failed

		reconcileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_run_duration_seconds",
			Help:      "Reconciliation run duration",
			Buckets:   prometheus.DefBuckets,
		}),

		reconcileTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_tasks_total",
			Help:      "Tasks handled by reconciliation by outcome",
		}, []string{"outcome"}),

		statusQueries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "status_query_duration_seconds",
			Help:      "External task status query latency by result",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),

		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_dead_lettered_total",
			Help:      "Settlement signals moved to the dead letter queue",
		}),
	}

	p.registry.MustRegister(
		p.admissions, p.settlements, p.creditsCharged,
		p.refunds, p.creditsRefunded, p.conflictRetries,
		p.reconcileRuns, p.reconcileTime, p.reconcileTasks,
		p.statusQueries, p.deadLettered,
	)
	return p
}

// Registry returns the registry holding the ledger collectors
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) Admission(capabilityID, outcome string) {
	p.admissions.WithLabelValues(capabilityID, outcome).Inc()
}

func (p *Prometheus) Settlement(capabilityID, status string, cost int64) {
	p.settlements.WithLabelValues(capabilityID, status).Inc()
	if cost > 0 {
		p.creditsCharged.WithLabelValues(capabilityID).Add(float64(cost))
	}
}

func (p *Prometheus) Refund(source string, amount int64) {
	p.refunds.WithLabelValues(source).Inc()
	p.creditsRefunded.WithLabelValues(source).Add(float64(amount))
}

func (p *Prometheus) ConflictRetry(operation string) {
	p.conflictRetries.WithLabelValues(operation).Inc()
}

func (p *Prometheus) ReconcileRun(result string, d time.Duration) {
	p.reconcileRuns.WithLabelValues(result).Inc()
	if result != "skipped" {
		p.reconcileTime.Observe(d.Seconds())
	}
}

func (p *Prometheus) ReconcileTask(outcome string) {
	p.reconcileTasks.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) StatusQuery(result string, d time.Duration) {
	p.statusQueries.WithLabelValues(result).Observe(d.Seconds())
}

func (p *Prometheus) DeadLettered() {
	p.deadLettered.Inc()
}
