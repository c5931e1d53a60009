/*
Package metrics provides Prometheus metrics collection and exposition for
icarusd's job scheduler.

All metrics are registered at package init against the default Prometheus
registry and exposed over HTTP for scraping.

# Metrics catalog

Admission and job lifecycle:

  - icarusd_jobs_submitted_total (counter)
  - icarusd_jobs_admitted_total (counter) — past the sentinel gate
  - icarusd_jobs_by_status (gauge, label status)
  - icarusd_jobs_in_flight (gauge)
  - icarusd_jobs_completed_total (counter)
  - icarusd_jobs_failed_total (counter, label reason)
  - icarusd_jobs_rejected_total (counter)

Stage execution:

  - icarusd_stage_duration_seconds (histogram, labels stage, outcome)
  - icarusd_scheduling_latency_seconds (histogram) — pending to sandbox spawn

Host sentinel:

  - icarusd_sentinel_level (gauge) — 0=green, 1=yellow, 2=red
  - icarusd_sentinel_cpu_percent / icarusd_sentinel_mem_percent (gauge)
  - icarusd_sentinel_sample_errors_total (counter)
  - icarusd_sandboxes_paused_total / icarusd_sandboxes_resumed_total (counter)

API surface:

  - icarusd_api_requests_total (counter, labels method, path, status)
  - icarusd_api_request_duration_seconds (histogram, labels method, path)

# Usage

	timer := metrics.NewTimer()
	err := stage.Run(ctx)
	metrics.StageDuration.WithLabelValues("builder", outcomeLabel(err)).
		Observe(timer.Duration().Seconds())

	metrics.SentinelLevel.Set(metrics.LevelValue(string(sentinel.Level())))

Handler returns the promhttp handler mounted by pkg/api at /metrics.

# Integration points

  - pkg/scheduler: job-count gauges, stage duration, scheduling latency.
  - pkg/sentinel: level gauge, host-load gauges, pause/resume counters.
  - pkg/api: request count and latency around every handler.
*/
package metrics
