// Package metrics provides internal metrics collection for the engine.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector aggregates the engine's prometheus metrics.
type Collector struct {
	tasksTotal       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	taskRetriesTotal *prometheus.CounterVec
	circuitOpenTotal *prometheus.CounterVec
	throttledTotal   *prometheus.CounterVec
	workflowsTotal   *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	eventsTotal      *prometheus.CounterVec
}

// NewCollector registers the engine metrics on reg. Pass a private registry
// in tests; prometheus.DefaultRegisterer in production wiring.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of task attempts by outcome",
			},
			[]string{"agent_id", "status"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task attempt duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"agent_id"},
		),
		taskRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of task retries scheduled",
			},
			[]string{"agent_id"},
		),
		circuitOpenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_open_total",
				Help:      "Total number of per-agent circuit openings",
			},
			[]string{"agent_id"},
		),
		throttledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_throttled_total",
				Help:      "Total number of rate-limited dispatch delays",
			},
			[]string{"agent_id"},
		),
		workflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_total",
				Help:      "Total number of finished workflow runs by status",
			},
			[]string{"status"},
		),
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Workflow run duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"status"},
		),
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_appended_total",
				Help:      "Total number of events appended to the store",
			},
			[]string{"event_type"},
		),
	}
}

// RecordTask records one finished task attempt.
func (c *Collector) RecordTask(agentID, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(agentID, status).Inc()
	c.taskDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// RecordRetry records one scheduled retry.
func (c *Collector) RecordRetry(agentID string) {
	if c == nil {
		return
	}
	c.taskRetriesTotal.WithLabelValues(agentID).Inc()
}

// RecordCircuitOpen records one per-agent circuit opening.
func (c *Collector) RecordCircuitOpen(agentID string) {
	if c == nil {
		return
	}
	c.circuitOpenTotal.WithLabelValues(agentID).Inc()
}

// RecordThrottled records one rate-limited dispatch delay.
func (c *Collector) RecordThrottled(agentID string) {
	if c == nil {
		return
	}
	c.throttledTotal.WithLabelValues(agentID).Inc()
}

// RecordWorkflow records one finished workflow run.
func (c *Collector) RecordWorkflow(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowsTotal.WithLabelValues(status).Inc()
	c.workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordEvent records one appended event.
func (c *Collector) RecordEvent(eventType string) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(eventType).Inc()
}
