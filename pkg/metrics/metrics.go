package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Admission metrics
	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "icarusd_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
	)

	JobsAdmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "icarusd_jobs_admitted_total",
			Help: "Total number of jobs admitted past the sentinel gate",
		},
	)

	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "icarusd_jobs_by_status",
			Help: "Number of jobs currently in each status",
		},
		[]string{"status"},
	)

	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "icarusd_jobs_in_flight",
			Help: "Number of jobs currently occupying a sandbox slot",
		},
	)

	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "icarusd_jobs_completed_total",
			Help: "Total number of jobs that reached completed",
		},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarusd_jobs_failed_total",
			Help: "Total number of jobs that reached failed, by reason",
		},
		[]string{"reason"},
	)

	JobsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "icarusd_jobs_rejected_total",
			Help: "Total number of jobs rejected at approval",
		},
	)

	// Stage metrics
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icarusd_stage_duration_seconds",
			Help:    "Duration of a builder or checker stage in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"stage", "outcome"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "icarusd_scheduling_latency_seconds",
			Help:    "Time from job pending to sandbox spawn",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sentinel metrics
	SentinelLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "icarusd_sentinel_level",
			Help: "Current admission level: 0=green, 1=yellow, 2=red",
		},
	)

	SentinelCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "icarusd_sentinel_cpu_percent",
			Help: "Last sampled host CPU percent",
		},
	)

	SentinelMemPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "icarusd_sentinel_mem_percent",
			Help: "Last sampled host memory percent",
		},
	)

	SentinelSampleErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "icarusd_sentinel_sample_errors_total",
			Help: "Total number of failed host sampling attempts",
		},
	)

	SandboxesPausedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "icarusd_sandboxes_paused_total",
			Help: "Total number of sandboxes paused by the sentinel",
		},
	)

	SandboxesResumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "icarusd_sandboxes_resumed_total",
			Help: "Total number of sandboxes resumed by the sentinel",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icarusd_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icarusd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsSubmittedTotal,
		JobsAdmittedTotal,
		JobsByStatus,
		JobsInFlight,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobsRejectedTotal,
		StageDuration,
		SchedulingLatency,
		SentinelLevel,
		SentinelCPUPercent,
		SentinelMemPercent,
		SentinelSampleErrorsTotal,
		SandboxesPausedTotal,
		SandboxesResumedTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// LevelValue maps an admission level string to the gauge value SentinelLevel
// expects.
func LevelValue(level string) float64 {
	switch level {
	case "yellow":
		return 1
	case "red":
		return 2
	default:
		return 0
	}
}

// TransitionStatus adjusts JobsByStatus for a job moving from one status
// to another: decrement the prior bucket (if any) and increment the new
// one. from == "" for a job's first status (pending, at submission).
func TransitionStatus(from, to string) {
	if from != "" {
		JobsByStatus.WithLabelValues(from).Dec()
	}
	JobsByStatus.WithLabelValues(to).Inc()
}
