package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jacob-bach/icarusd/pkg/callbackbus"
	"github.com/jacob-bach/icarusd/pkg/config"
	"github.com/jacob-bach/icarusd/pkg/log"
	"github.com/jacob-bach/icarusd/pkg/metrics"
	"github.com/jacob-bach/icarusd/pkg/sandbox"
	"github.com/jacob-bach/icarusd/pkg/storage"
	"github.com/jacob-bach/icarusd/pkg/types"
)

const (
	// queueCapacity bounds the admission channel. Submit falls back to a
	// detached goroutine send if it is ever full, so Submit itself never
	// blocks on admission.
	queueCapacity = 4096

	admissionBackoffShort = 200 * time.Millisecond
	admissionBackoffLong  = 2 * time.Second

	// shutdownJoinDeadline bounds how long Stop waits for in-flight job
	// supervisors to unwind after their context is cancelled.
	shutdownJoinDeadline = 30 * time.Second
)

// LevelSource is the read-only slice of the Host Sentinel the scheduler
// depends on. *sentinel.Sentinel satisfies this; tests substitute a
// fake to drive admission deterministically without sampling the real
// host.
type LevelSource interface {
	Level() types.AdmissionLevel
}

// Scheduler is the job scheduler and lifecycle manager: it admits jobs
// under concurrency and host-load constraints, drives each job through
// its two-stage execution, and gates commit on human approval. It is
// constructed with explicit references to its collaborators rather than
// reaching for global state.
type Scheduler struct {
	cfg      config.Config
	store    storage.Store
	driver   sandbox.Driver
	sentinel LevelSource
	bus      *callbackbus.Bus
	logger   zerolog.Logger

	queue         chan string
	stopCh        chan struct{}
	admissionDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup

	// Publish, if non-nil, runs synchronously inside Approve before
	// cleanup releases the sandboxes and workspace -- the extension
	// point for a deployment that wants approval to commit/push the
	// workspace itself rather than relying on an external collaborator
	// to have already consumed it. Nil by default: commit/push to a
	// repository is an external collaborator's job, not the scheduler's.
	Publish func(ctx context.Context, job *types.Job) error
}

// New constructs a Scheduler bound to the given collaborators. It does
// not start the admission loop; call Start for that.
func New(cfg config.Config, store storage.Store, driver sandbox.Driver, sent LevelSource, bus *callbackbus.Bus) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:           cfg,
		store:         store,
		driver:        driver,
		sentinel:      sent,
		bus:           bus,
		logger:        log.WithComponent("scheduler"),
		queue:         make(chan string, queueCapacity),
		stopCh:        make(chan struct{}),
		admissionDone: make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		inFlight:      make(map[string]struct{}),
	}
}

// Start runs startup reconciliation (if configured) and launches the
// admission loop in its own goroutine.
func (s *Scheduler) Start() error {
	if s.cfg.ReconcileOnStart {
		if err := s.reconcileOnStart(); err != nil {
			return fmt.Errorf("startup reconciliation failed: %w", err)
		}
	}
	go s.admissionLoop()
	return nil
}

// Stop is cooperative shutdown: stop admitting new jobs, cancel
// in-flight job supervisors, and wait up to shutdownJoinDeadline for
// them to unwind before returning.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.admissionDone

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownJoinDeadline):
		s.logger.Warn().Msg("shutdown join deadline exceeded; some job supervisors may still be unwinding")
	}
}

// Submit persists a new pending job and enqueues it for admission.
// Never blocks.
func (s *Scheduler) Submit(task, projectPath string) (string, error) {
	if strings.TrimSpace(task) == "" {
		return "", &SubmissionError{Reason: "task must not be empty"}
	}

	select {
	case <-s.stopCh:
		return "", &SubmissionError{Reason: "scheduler is shutting down"}
	default:
	}

	now := time.Now()
	job := &types.Job{
		ID:          uuid.NewString(),
		Repo:        projectPath,
		Instruction: task,
		Status:      types.JobPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateJob(job); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}
	metrics.JobsSubmittedTotal.Inc()
	metrics.TransitionStatus("", string(types.JobPending))

	select {
	case s.queue <- job.ID:
	default:
		go func() { s.queue <- job.ID }()
	}

	return job.ID, nil
}

// Approve transitions a job from awaiting_approval through approved to
// completed, running cleanup before the terminal write so an approved
// job never leaks its sandboxes or workspace.
func (s *Scheduler) Approve(jobID string) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status != types.JobAwaitingApproval {
		return &InvalidStateError{JobID: jobID, Current: string(job.Status)}
	}

	if err := s.store.UpdateStatus(jobID, types.JobApproved, ""); err != nil {
		return err
	}
	metrics.TransitionStatus(string(types.JobAwaitingApproval), string(types.JobApproved))

	if s.Publish != nil {
		if err := s.Publish(context.Background(), job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("publish hook failed; cleanup proceeds regardless")
		}
	}

	s.cleanupJob(context.Background(), jobID)

	if err := s.store.UpdateStatus(jobID, types.JobCompleted, ""); err != nil {
		return err
	}
	metrics.TransitionStatus(string(types.JobApproved), string(types.JobCompleted))
	metrics.JobsCompletedTotal.Inc()

	_ = s.store.RecordApproval(&types.ApprovalRecord{
		JobID:     jobID,
		Approved:  true,
		CreatedAt: time.Now(),
	})
	return nil
}

// Reject transitions a job from awaiting_approval to rejected and runs
// cleanup.
func (s *Scheduler) Reject(jobID, comment string) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status != types.JobAwaitingApproval {
		return &InvalidStateError{JobID: jobID, Current: string(job.Status)}
	}

	if err := s.store.UpdateStatus(jobID, types.JobRejected, comment); err != nil {
		return err
	}
	metrics.TransitionStatus(string(types.JobAwaitingApproval), string(types.JobRejected))
	metrics.JobsRejectedTotal.Inc()

	s.cleanupJob(context.Background(), jobID)

	_ = s.store.RecordApproval(&types.ApprovalRecord{
		JobID:     jobID,
		Approved:  false,
		Reason:    comment,
		CreatedAt: time.Now(),
	})
	return nil
}

// admissionLoop is the single logical loop that dequeues one job id at
// a time, re-enqueues and backs off if concurrency or sentinel state
// forbid admitting it, and otherwise dispatches execution.
func (s *Scheduler) admissionLoop() {
	defer close(s.admissionDone)

	for {
		select {
		case <-s.stopCh:
			return
		case jobID := <-s.queue:
			if s.inFlightCount() >= s.cfg.MaxConcurrent {
				if s.sleepOrStopped(admissionBackoffShort) {
					return
				}
				s.queue <- jobID
				continue
			}
			if s.sentinel.Level() != types.LevelGreen {
				if s.sleepOrStopped(admissionBackoffLong) {
					return
				}
				s.queue <- jobID
				continue
			}
			s.dispatch(jobID)
		}
	}
}

func (s *Scheduler) sleepOrStopped(d time.Duration) bool {
	select {
	case <-time.After(d):
		return false
	case <-s.stopCh:
		return true
	}
}

func (s *Scheduler) dispatch(jobID string) {
	s.mu.Lock()
	s.inFlight[jobID] = struct{}{}
	s.mu.Unlock()

	metrics.JobsAdmittedTotal.Inc()
	metrics.JobsInFlight.Set(float64(s.inFlightCount()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.clearInFlight(jobID)
		s.runJob(s.ctx, jobID)
	}()
}

func (s *Scheduler) inFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Scheduler) clearInFlight(jobID string) {
	s.mu.Lock()
	delete(s.inFlight, jobID)
	s.mu.Unlock()
	metrics.JobsInFlight.Set(float64(s.inFlightCount()))
}

// reconcileOnStart implements startup reconciliation: every job left
// non-terminal by an ungraceful shutdown is marked failed with reason
// "orphaned by restart", and its sandboxes/workspace are cleaned up
// best-effort.
func (s *Scheduler) reconcileOnStart() error {
	jobs, err := s.store.ListNonTerminal()
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if err := s.store.UpdateStatus(job.ID, types.JobFailed, "orphaned by restart"); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to mark orphaned job failed")
			continue
		}
		metrics.TransitionStatus(string(job.Status), string(types.JobFailed))
		s.cleanupJob(context.Background(), job.ID)
		metrics.JobsFailedTotal.WithLabelValues("orphaned_by_restart").Inc()
		s.logger.Info().Str("job_id", job.ID).Msg("marked non-terminal job failed on startup reconciliation")
	}
	return nil
}

// cleanupJob runs on every exit path out of a job's execution: stop any
// sandboxes still alive, release the workspace, and remove the per-job
// callback bus. Every driver call here is idempotent, so cleanupJob is
// itself idempotent and safe to call more than once for the same job.
func (s *Scheduler) cleanupJob(ctx context.Context, jobID string) {
	logger := log.WithJobID(jobID)

	job, err := s.store.GetJob(jobID)
	if err != nil {
		logger.Warn().Err(err).Msg("cleanup: job lookup failed")
	} else {
		for _, handle := range []string{job.BuilderSandboxID, job.CheckerSandboxID} {
			if handle == "" {
				continue
			}
			if err := s.driver.Stop(ctx, handle, s.cfg.StopGrace.Std()); err != nil {
				logger.Warn().Err(err).Str("sandbox", handle).Msg("cleanup: stop failed")
			}
		}
	}

	workspace, err := s.driver.AllocateWorkspace(ctx, jobID)
	if err != nil {
		logger.Warn().Err(err).Msg("cleanup: workspace lookup failed")
	} else if err := s.driver.ReleaseWorkspace(ctx, workspace); err != nil {
		logger.Warn().Err(err).Msg("cleanup: release workspace failed")
	}

	s.bus.Remove(jobID)
}
