// Package metrics defines and registers the scheduler's Prometheus metrics,
// grounded on the teacher's pkg/metrics gauge/counter vocabulary and Timer
// helper.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "winetestbot_vms_total",
			Help: "Total number of VMs by type and status",
		},
		[]string{"type", "status"},
	)

	JobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "winetestbot_jobs_queued",
			Help: "Number of jobs not yet in a terminal state",
		},
	)

	TasksRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "winetestbot_tasks_running",
			Help: "Number of tasks currently running, by VM type",
		},
		[]string{"vm_type"},
	)

	TaskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "winetestbot_task_outcomes_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	TaskRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "winetestbot_task_retries_total",
			Help: "Total number of task requeues",
		},
	)

	RevertDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "winetestbot_revert_duration_seconds",
			Help:    "Time taken for a VLW revert action to complete",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "winetestbot_task_duration_seconds",
			Help:    "Time taken for a task worker run to complete",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"step_type"},
	)

	EngineSchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "winetestbot_engine_cycle_seconds",
			Help:    "Time taken for one ED dispatch cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	VMsQuarantined = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "winetestbot_vms_quarantined_total",
			Help: "Total number of times a VM entered the offline state",
		},
	)

	JanitorCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "winetestbot_janitor_cycles_total",
			Help: "Total number of janitor runs completed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		VMsTotal,
		JobsQueued,
		TasksRunning,
		TaskOutcomesTotal,
		TaskRetriesTotal,
		RevertDuration,
		TaskDuration,
		EngineSchedulingLatency,
		VMsQuarantined,
		JanitorCyclesTotal,
	)
}

// Handler returns the Prometheus HTTP handler, served by the engine process
// alongside its dispatch loop.
func Handler() http.Handler { return promhttp.Handler() }

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
