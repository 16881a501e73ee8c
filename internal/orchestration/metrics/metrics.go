// Package metrics exposes prometheus instrumentation for the orchestration layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector on a private registry so tests can create
// isolated instances without colliding on the global default.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal           *prometheus.CounterVec
	JobUpdatesTotal     prometheus.Counter
	PollsTotal          *prometheus.CounterVec
	RateLimitViolations prometheus.Counter

	TaskTransitionsTotal *prometheus.CounterVec
	QueueDepth           prometheus.Gauge
	RunningExecutions    prometheus.Gauge

	AgentsByStatus     *prometheus.GaugeVec
	GracePeriodsTotal  prometheus.Counter
	ClaimsReleased     *prometheus.CounterVec
	AssignmentsTotal   prometheus.Counter
	PendingAssignments prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "jobs_total",
			Help:      "Jobs by terminal or current status.",
		}, []string{"status"}),
		JobUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "job_updates_total",
			Help:      "Accepted job patches.",
		}),
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "polls_total",
			Help:      "GetJobResult calls by transport.",
		}, []string{"transport"}),
		RateLimitViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "rate_limit_violations_total",
			Help:      "Polls rejected for arriving inside the minimum interval.",
		}),
		TaskTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "task_transitions_total",
			Help:      "Accepted task state transitions.",
		}, []string{"from", "to"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowline",
			Name:      "queue_depth",
			Help:      "Ready tasks waiting for execution.",
		}),
		RunningExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowline",
			Name:      "running_executions",
			Help:      "Tasks currently executing.",
		}),
		AgentsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowline",
			Name:      "agents",
			Help:      "Registered agents by status.",
		}, []string{"status"}),
		GracePeriodsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "grace_periods_total",
			Help:      "Grace periods entered by silent agents.",
		}),
		ClaimsReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "claims_released_total",
			Help:      "Claims released by reason.",
		}, []string{"reason"}),
		AssignmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "assignments_total",
			Help:      "Successful task-to-agent assignments.",
		}),
		PendingAssignments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowline",
			Name:      "pending_assignments",
			Help:      "Tasks waiting for a qualified agent.",
		}),
	}

	reg.MustRegister(
		m.JobsTotal, m.JobUpdatesTotal, m.PollsTotal, m.RateLimitViolations,
		m.TaskTransitionsTotal, m.QueueDepth, m.RunningExecutions,
		m.AgentsByStatus, m.GracePeriodsTotal, m.ClaimsReleased,
		m.AssignmentsTotal, m.PendingAssignments,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
