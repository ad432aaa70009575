// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	stepDispatches    *prometheus.CounterVec
	stepFailures      *prometheus.CounterVec
	breakerRejections *prometheus.CounterVec
	schedulerTicks    prometheus.Counter
	scheduledRuns     *prometheus.CounterVec
	reconcilerActions *prometheus.CounterVec
	deadLetters       prometheus.Counter
	tasksClaimed      *prometheus.CounterVec

	registry *prometheus.Registry
}

func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		executionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Workflow executions by terminal status",
		}, []string{"status"}),
		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time from execution start to terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 9),
		}, []string{"status"}),
		stepDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_dispatches_total",
			Help:      "Step dispatch attempts by target type",
		}, []string{"target_type"}),
		stepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_failures_total",
			Help:      "Step attempt failures by error class",
		}, []string{"class"}),
		breakerRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_rejections_total",
			Help:      "Dispatches rejected by an open circuit breaker",
		}, []string{"target"}),
		schedulerTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler tick passes",
		}),
		scheduledRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_runs_total",
			Help:      "Scheduled runs created, by origin",
		}, []string{"origin"}),
		reconcilerActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_actions_total",
			Help:      "Actions taken by the startup reconciler",
		}, []string{"action"}),
		deadLetters: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Entries quarantined to the dead-letter sink",
		}),
		tasksClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_claimed_total",
			Help:      "Queued tasks claimed, by queue",
		}, []string{"queue"}),
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ExecutionFinished(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.executionsTotal.WithLabelValues(status).Inc()
	c.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (c *Collector) StepDispatched(targetType string) {
	if c == nil {
		return
	}
	c.stepDispatches.WithLabelValues(targetType).Inc()
}

func (c *Collector) StepFailed(class string) {
	if c == nil {
		return
	}
	c.stepFailures.WithLabelValues(class).Inc()
}

func (c *Collector) BreakerRejected(target string) {
	if c == nil {
		return
	}
	c.breakerRejections.WithLabelValues(target).Inc()
}

func (c *Collector) SchedulerTick() {
	if c == nil {
		return
	}
	c.schedulerTicks.Inc()
}

func (c *Collector) ScheduledRunCreated(origin string) {
	if c == nil {
		return
	}
	c.scheduledRuns.WithLabelValues(origin).Inc()
}

func (c *Collector) ReconcilerAction(action string, count int) {
	if c == nil || count == 0 {
		return
	}
	c.reconcilerActions.WithLabelValues(action).Add(float64(count))
}

func (c *Collector) DeadLettered() {
	if c == nil {
		return
	}
	c.deadLetters.Inc()
}

func (c *Collector) TaskClaimed(queue string) {
	if c == nil {
		return
	}
	c.tasksClaimed.WithLabelValues(queue).Inc()
}
