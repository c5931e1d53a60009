/*
Package log provides structured logging for icarusd using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers and configurable log levels. All logs
include timestamps and support filtering by severity level.

# Usage

	import "github.com/jacob-bach/icarusd/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	jobLog := log.WithJobID(job.ID)
	jobLog.Info().Str("stage", "building").Msg("stage started")

	sandboxLog := log.WithSandbox(handle)
	sandboxLog.Error().Err(err).Msg("stop failed during cleanup")

# Context loggers

WithComponent, WithJobID, WithSandbox, and WithStage each return a child
zerolog.Logger carrying one extra field, so call sites that care about a
single job or sandbox don't repeat the field on every call. The scheduler
uses WithJobID per-job; the sandbox package uses WithSandbox around
driver calls.

# Integration points

  - pkg/scheduler: per-job and per-stage loggers around admission,
    supervision, and cleanup.
  - pkg/sentinel: component logger around sampling and pause/resume.
  - pkg/sandbox: per-sandbox logger around driver calls.
  - pkg/api: component logger around request handling.
*/
package log
