// Package scheduler implements the job scheduler and lifecycle manager:
// admission under concurrency and host-load constraints, the two-stage
// builder-then-checker pipeline, the three-way wait over sandbox exit,
// error callback, and completion callback, stage timeouts, idempotent
// cleanup, and commit-gating approval.
//
// The admission loop's select over its queue and stopCh, and the
// stop-then-release cleanup pattern follow the same structure as a
// container orchestrator's task supervisor loop. The three-way-wait
// race and the stage-outcome/cleanup ordering are expressed as a Go
// select over channels rather than exception handling, so the
// supervisor matches on a tagged outcome instead of catching errors
// thrown from concurrent waiters.
package scheduler
