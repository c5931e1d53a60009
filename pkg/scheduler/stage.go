package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jacob-bach/icarusd/pkg/log"
	"github.com/jacob-bach/icarusd/pkg/metrics"
	"github.com/jacob-bach/icarusd/pkg/sandbox"
	"github.com/jacob-bach/icarusd/pkg/types"
)

// stageOutcomeKind is the tagged result of a stage's three-way wait,
// modeling the race as a selection returning a tagged outcome rather
// than catching exceptions across concurrent waits.
type stageOutcomeKind int

const (
	outcomeExited stageOutcomeKind = iota
	outcomeError
	outcomeCompletion
	outcomeTimeout
	outcomeSupervisionError
	outcomeShutdown
)

type stageOutcome struct {
	kind     stageOutcomeKind
	exitCode int
	message  string
	err      error
}

// runJob drives one job end-to-end: allocate workspace, run Builder,
// interpret its outcome, run Checker, interpret its outcome, and land
// on awaiting_approval or failed. Cleanup runs on every path that does
// not end in awaiting_approval -- that status intentionally holds the
// sandboxes and workspace open until approve/reject decides their fate.
func (s *Scheduler) runJob(ctx context.Context, jobID string) {
	logger := log.WithJobID(jobID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("recovered from panic in job supervisor")
			before, _ := s.store.GetJob(jobID)
			if err := s.store.UpdateStatus(jobID, types.JobFailed, fmt.Sprintf("internal error: %v", r)); err == nil && before != nil {
				metrics.TransitionStatus(string(before.Status), string(types.JobFailed))
			}
			metrics.JobsFailedTotal.WithLabelValues("internal_error").Inc()
			s.cleanupJob(context.Background(), jobID)
		}
	}()

	workspace, err := s.driver.AllocateWorkspace(ctx, jobID)
	if err != nil {
		s.failJob(jobID, types.JobPending, fmt.Sprintf("failed to allocate workspace: %v", err))
		return
	}

	if err := s.store.UpdateStatus(jobID, types.JobBuilding, ""); err != nil {
		logger.Error().Err(err).Msg("failed to transition to building")
		s.cleanupJob(context.Background(), jobID)
		return
	}
	metrics.TransitionStatus(string(types.JobPending), string(types.JobBuilding))

	job, err := s.store.GetJob(jobID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload job before builder stage")
		s.cleanupJob(context.Background(), jobID)
		return
	}

	timer := metrics.NewTimer()
	builderOutcome := s.runStage(ctx, job, types.RoleBuilder, workspace, true)
	timer.ObserveDurationVec(metrics.StageDuration, string(types.RoleBuilder), outcomeLabel(builderOutcome))

	switch builderOutcome.kind {
	case outcomeShutdown:
		s.cleanupJob(context.Background(), jobID)
		return
	case outcomeExited:
		if builderOutcome.exitCode != 0 {
			s.failJob(jobID, types.JobBuilding, fmt.Sprintf("builder failed with exit code %d", builderOutcome.exitCode))
			return
		}
	case outcomeError:
		s.failJob(jobID, types.JobBuilding, builderOutcome.message)
		return
	case outcomeTimeout:
		s.failJob(jobID, types.JobBuilding, "builder stage timed out")
		return
	case outcomeSupervisionError:
		s.failJob(jobID, types.JobBuilding, fmt.Sprintf("supervision error: %v", builderOutcome.err))
		return
	}
	// outcomeCompletion: the builder signalled readiness before its
	// sandbox drained; treated as success (exit code 0 assumed).

	if err := s.store.UpdateStatus(jobID, types.JobChecking, ""); err != nil {
		logger.Error().Err(err).Msg("failed to transition to checking")
		s.cleanupJob(context.Background(), jobID)
		return
	}
	metrics.TransitionStatus(string(types.JobBuilding), string(types.JobChecking))

	job, err = s.store.GetJob(jobID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload job before checker stage")
		s.cleanupJob(context.Background(), jobID)
		return
	}

	timer = metrics.NewTimer()
	checkerOutcome := s.runStage(ctx, job, types.RoleChecker, workspace, false)
	timer.ObserveDurationVec(metrics.StageDuration, string(types.RoleChecker), outcomeLabel(checkerOutcome))

	switch checkerOutcome.kind {
	case outcomeShutdown:
		s.cleanupJob(context.Background(), jobID)
		return
	case outcomeExited:
		if checkerOutcome.exitCode != 0 {
			logger.Warn().Int("exit_code", checkerOutcome.exitCode).
				Msg("checker exited non-zero; advancing to awaiting_approval anyway")
		}
	case outcomeError:
		s.failJob(jobID, types.JobChecking, checkerOutcome.message)
		return
	case outcomeTimeout:
		s.failJob(jobID, types.JobChecking, "checker stage timed out")
		return
	case outcomeSupervisionError:
		s.failJob(jobID, types.JobChecking, fmt.Sprintf("supervision error: %v", checkerOutcome.err))
		return
	}

	if err := s.store.UpdateStatus(jobID, types.JobAwaitingApproval, ""); err != nil {
		logger.Error().Err(err).Msg("failed to transition to awaiting_approval")
		return
	}
	metrics.TransitionStatus(string(types.JobChecking), string(types.JobAwaitingApproval))
}

func outcomeLabel(o stageOutcome) string {
	switch o.kind {
	case outcomeExited:
		if o.exitCode == 0 {
			return "success"
		}
		return "nonzero_exit"
	case outcomeCompletion:
		return "success"
	case outcomeError:
		return "error_callback"
	case outcomeTimeout:
		return "timeout"
	case outcomeSupervisionError:
		return "supervision_error"
	default:
		return "shutdown"
	}
}

// failJob records a terminal failure and runs cleanup. Used by every
// stage-failure path so the status write and the resource release
// always happen together. from is the job's status immediately before
// this failure, used only to keep the JobsByStatus gauge accurate.
func (s *Scheduler) failJob(jobID string, from types.JobStatus, reason string) {
	if err := s.store.UpdateStatus(jobID, types.JobFailed, reason); err != nil {
		logger := log.WithJobID(jobID)
		logger.Warn().Err(err).Msg("failed to record failure status")
	} else {
		metrics.TransitionStatus(string(from), string(types.JobFailed))
	}
	metrics.JobsFailedTotal.WithLabelValues("stage_failure").Inc()
	s.cleanupJob(context.Background(), jobID)
}

// runStage spawns one role's sandbox, starts its telemetry sampler, and
// supervises it with a three-way wait: the sandbox's own exit, an
// error callback, or a completion callback, whichever arrives first,
// raced against the stage timeout and the job's cancellation context.
func (s *Scheduler) runStage(ctx context.Context, job *types.Job, role types.SandboxRole, workspace string, writeAccess bool) stageOutcome {
	logger := log.WithJobID(job.ID).With().Str("stage", string(role)).Logger()

	s.bus.Register(job.ID)

	image := job.Image
	if image == "" {
		if role == types.RoleBuilder {
			image = s.cfg.Images.Builder
		} else {
			image = s.cfg.Images.Checker
		}
	}

	handle, err := s.driver.Spawn(ctx, sandbox.SpawnRequest{
		Role:             role,
		JobID:            job.ID,
		Task:             job.Instruction,
		Image:            image,
		WorkspaceHandle:  workspace,
		CallbackEndpoint: s.callbackEndpointFor(job.ID),
		WriteAccess:      writeAccess,
	})
	if err != nil {
		return stageOutcome{kind: outcomeSupervisionError, err: fmt.Errorf("spawn failed: %w", err)}
	}

	if err := s.store.SetSandboxHandle(job.ID, role, handle); err != nil {
		logger.Warn().Err(err).Msg("failed to record sandbox handle")
	}

	if role == types.RoleBuilder {
		metrics.SchedulingLatency.Observe(time.Since(job.CreatedAt).Seconds())
	}

	sampleCtx, cancelSampler := context.WithCancel(ctx)
	samplerDone := make(chan struct{})
	go func() {
		defer close(samplerDone)
		s.runSampler(sampleCtx, job.ID, role, handle)
	}()
	defer func() {
		cancelSampler()
		<-samplerDone
	}()

	timer := time.NewTimer(s.cfg.StageTimeout.Std())
	defer timer.Stop()

	errCh, doneCh, _ := s.bus.Wait(job.ID)

	exitCh := make(chan stageOutcome, 1)
	go func() {
		code, waitErr := s.driver.Wait(ctx, handle)
		if waitErr != nil {
			if errors.Is(waitErr, sandbox.ErrSandboxMissing) {
				exitCh <- stageOutcome{kind: outcomeSupervisionError, err: waitErr}
				return
			}
			if ctx.Err() != nil {
				exitCh <- stageOutcome{kind: outcomeShutdown}
				return
			}
			exitCh <- stageOutcome{kind: outcomeSupervisionError, err: waitErr}
			return
		}
		exitCh <- stageOutcome{kind: outcomeExited, exitCode: code}
	}()

	var outcome stageOutcome
	select {
	case outcome = <-exitCh:
	case message := <-errCh:
		outcome = stageOutcome{kind: outcomeError, message: message}
	case <-doneCh:
		outcome = stageOutcome{kind: outcomeCompletion}
	case <-timer.C:
		if stopErr := s.driver.Stop(ctx, handle, s.cfg.StopGrace.Std()); stopErr != nil {
			logger.Warn().Err(stopErr).Msg("failed to stop sandbox after stage timeout")
		}
		outcome = stageOutcome{kind: outcomeTimeout}
	case <-ctx.Done():
		outcome = stageOutcome{kind: outcomeShutdown}
	}

	return outcome
}

// runSampler reads driver.Sample on an interval and appends a
// telemetry row, exiting when the sandbox leaves running, the sampler
// is cancelled, or the driver reports the sandbox missing. Sampler
// errors are non-fatal and never affect the stage supervisor.
func (s *Scheduler) runSampler(ctx context.Context, jobID string, role types.SandboxRole, handle string) {
	interval := s.cfg.Sampler.Interval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := log.WithJobID(jobID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := s.driver.Status(ctx, handle)
			if err != nil {
				logger.Debug().Err(err).Msg("sampler: status check failed")
				continue
			}
			if status != sandbox.StatusRunning {
				return
			}

			sample, err := s.driver.Sample(ctx, handle)
			if err != nil {
				logger.Debug().Err(err).Msg("sampler: sample failed")
				continue
			}

			row := &types.TelemetrySample{
				JobID:       jobID,
				Stage:       role,
				Timestamp:   time.Now(),
				CPUPercent:  sample.CPUPercent,
				MemoryBytes: sample.MemoryBytes,
			}
			if err := s.store.AppendTelemetry(row); err != nil {
				logger.Debug().Err(err).Msg("sampler: append telemetry failed")
			}
		}
	}
}

func (s *Scheduler) callbackEndpointFor(jobID string) string {
	return fmt.Sprintf("http://%s/jobs/%s/callback", s.cfg.ListenAddr, jobID)
}
