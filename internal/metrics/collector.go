// Package metrics provides internal Prometheus metrics for the
// coordination layer. This package is internal and should not be imported
// by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the coordination-layer metric vectors. A nil *Collector
// is valid and records nothing, so components treat metrics as optional.
type Collector struct {
	tasksRouted       *prometheus.CounterVec
	tasksUndelivered  prometheus.Counter
	locksAcquired     prometheus.Counter
	locksContended    prometheus.Counter
	resultsPublished  *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	decisionsEmitted  *prometheus.CounterVec
	approvalsResolved *prometheus.CounterVec
	heartbeatsSent    prometheus.Counter
	heartbeatFailures prometheus.Counter
	retriesTotal      *prometheus.CounterVec
}

// NewCollector registers the coordination metric vectors under the given
// namespace with the given registerer. Pass prometheus.DefaultRegisterer in
// production; tests use a fresh registry per case.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		tasksRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_routed_total",
			Help:      "Tasks delivered to an agent inbox",
		}, []string{"task_type"}),
		tasksUndelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_undeliverable_total",
			Help:      "Tasks that exhausted routing attempts",
		}),
		locksAcquired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_acquired_total",
			Help:      "Successful task lock acquisitions",
		}),
		locksContended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_contended_total",
			Help:      "Lock acquisitions skipped because another worker holds the task",
		}),
		resultsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_published_total",
			Help:      "Results published to the result stream",
		}, []string{"task_type", "success"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Handler execution duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task_type"}),
		decisionsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_emitted_total",
			Help:      "Decisions emitted by the arbiter",
		}, []string{"gated", "partial"}),
		approvalsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Pending approvals resolved, by terminal status",
		}, []string{"status"}),
		heartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Agent heartbeats delivered to the registry",
		}),
		heartbeatFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Agent heartbeats that failed (non-fatal)",
		}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Transient-failure retries, by component",
		}, []string{"component"}),
	}
}

// TaskRouted records one inbox delivery.
func (c *Collector) TaskRouted(taskType string) {
	if c == nil {
		return
	}
	c.tasksRouted.WithLabelValues(taskType).Inc()
}

// TaskUndeliverable records one routing exhaustion.
func (c *Collector) TaskUndeliverable() {
	if c == nil {
		return
	}
	c.tasksUndelivered.Inc()
}

// LockAcquired records one successful lock acquisition.
func (c *Collector) LockAcquired() {
	if c == nil {
		return
	}
	c.locksAcquired.Inc()
}

// LockContended records one contention skip.
func (c *Collector) LockContended() {
	if c == nil {
		return
	}
	c.locksContended.Inc()
}

// ResultPublished records one result with its outcome and handler latency.
func (c *Collector) ResultPublished(taskType string, success bool, latency time.Duration) {
	if c == nil {
		return
	}
	outcome := "false"
	if success {
		outcome = "true"
	}
	c.resultsPublished.WithLabelValues(taskType, outcome).Inc()
	c.taskDuration.WithLabelValues(taskType).Observe(latency.Seconds())
}

// DecisionEmitted records one arbitrated decision.
func (c *Collector) DecisionEmitted(gated, partial bool) {
	if c == nil {
		return
	}
	c.decisionsEmitted.WithLabelValues(boolLabel(gated), boolLabel(partial)).Inc()
}

// ApprovalResolved records one terminal approval transition.
func (c *Collector) ApprovalResolved(status string) {
	if c == nil {
		return
	}
	c.approvalsResolved.WithLabelValues(status).Inc()
}

// HeartbeatSent records one delivered heartbeat.
func (c *Collector) HeartbeatSent() {
	if c == nil {
		return
	}
	c.heartbeatsSent.Inc()
}

// HeartbeatFailed records one failed heartbeat.
func (c *Collector) HeartbeatFailed() {
	if c == nil {
		return
	}
	c.heartbeatFailures.Inc()
}

// Retry records one transient-failure retry for a component.
func (c *Collector) Retry(component string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(component).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
