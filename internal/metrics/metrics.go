// Package metrics provides Prometheus metrics for the scheduler, the device
// managers and the health registry.
package metrics

import (
	"time"

	"github.com/nadmax/jarvis/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
		[]string{"kind", "priority"},
	)
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
		[]string{"kind"},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_tasks_failed_total",
			Help: "Total number of tasks that failed permanently",
		},
		[]string{"kind", "reason"},
	)
	TasksCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_tasks_cancelled_total",
			Help: "Total number of tasks cancelled before completion",
		},
		[]string{"kind"},
	)
	TasksRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_tasks_retried_total",
			Help: "Total number of task retries",
		},
		[]string{"kind"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jarvis_task_duration_seconds",
			Help:    "Task attempt duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind", "status"},
	)
	TaskWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jarvis_task_wait_time_seconds",
			Help:    "Time tasks spend queued before their first attempt",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
		[]string{"kind", "priority"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jarvis_queue_depth",
			Help: "Current number of pending tasks",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jarvis_workers_active",
			Help: "Number of workers currently running a payload",
		},
	)

	ResourceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jarvis_resource_state",
			Help: "Current lifecycle state of a device resource (1 for the active state)",
		},
		[]string{"resource", "state"},
	)
	ResourceSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_resource_samples_total",
			Help: "Total number of samples captured from a device resource",
		},
		[]string{"resource"},
	)
	ResourceSamplesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_resource_samples_dropped_total",
			Help: "Samples discarded because the processing buffer was full",
		},
		[]string{"resource"},
	)
	ResourceReadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_resource_read_errors_total",
			Help: "Device read errors by kind",
		},
		[]string{"resource", "kind"},
	)
	ResourceRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_resource_recoveries_total",
			Help: "Device recovery attempts by outcome",
		},
		[]string{"resource", "outcome"},
	)

	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jarvis_component_health",
			Help: "Component health severity: 0 healthy, 1 recovering, 2 warning, 3 critical, 4 failed",
		},
		[]string{"component"},
	)
	SystemHealth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jarvis_system_health",
			Help: "Overall health severity using the component scale",
		},
	)
	ComponentErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_component_errors_total",
			Help: "Errors reported to the health registry",
		},
		[]string{"component"},
	)
	ComponentRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_component_recoveries_total",
			Help: "Recovery callbacks invoked by the health registry, by outcome",
		},
		[]string{"component", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jarvis_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jarvis_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskSubmitted(kind string, priority task.Priority) {
	TasksSubmitted.WithLabelValues(kind, priority.String()).Inc()
}

func RecordTaskCompleted(kind string, duration time.Duration) {
	TasksCompleted.WithLabelValues(kind).Inc()
	TaskDuration.WithLabelValues(kind, "completed").Observe(duration.Seconds())
}

// RecordTaskFailed records a permanent failure; reason is "error" or "timeout".
func RecordTaskFailed(kind, reason string, duration time.Duration) {
	TasksFailed.WithLabelValues(kind, reason).Inc()
	TaskDuration.WithLabelValues(kind, "failed").Observe(duration.Seconds())
}

func RecordTaskCancelled(kind string) {
	TasksCancelled.WithLabelValues(kind).Inc()
}

func RecordTaskRetried(kind string, duration time.Duration) {
	TasksRetried.WithLabelValues(kind).Inc()
	TaskDuration.WithLabelValues(kind, "retrying").Observe(duration.Seconds())
}

func RecordTaskWaitTime(kind string, priority task.Priority, wait time.Duration) {
	TaskWaitTime.WithLabelValues(kind, priority.String()).Observe(wait.Seconds())
}

func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

func UpdateActiveWorkers(count int) {
	WorkersActive.Set(float64(count))
}

// SetResourceState marks state as the current one for resource among states.
func SetResourceState(resource, state string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		ResourceState.WithLabelValues(resource, s).Set(v)
	}
}

func RecordResourceSample(resource string) {
	ResourceSamples.WithLabelValues(resource).Inc()
}

func RecordResourceDropped(resource string) {
	ResourceSamplesDropped.WithLabelValues(resource).Inc()
}

func RecordResourceReadError(resource string, transient bool) {
	kind := "fatal"
	if transient {
		kind = "transient"
	}
	ResourceReadErrors.WithLabelValues(resource, kind).Inc()
}

func RecordResourceRecovery(resource string, ok bool) {
	ResourceRecoveries.WithLabelValues(resource, outcome(ok)).Inc()
}

func SetComponentHealth(component string, severity int) {
	ComponentHealth.WithLabelValues(component).Set(float64(severity))
}

func SetSystemHealth(severity int) {
	SystemHealth.Set(float64(severity))
}

func RecordComponentError(component string) {
	ComponentErrors.WithLabelValues(component).Inc()
}

func RecordComponentRecovery(component string, ok bool) {
	ComponentRecoveries.WithLabelValues(component, outcome(ok)).Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}

	return "failure"
}
