package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jacob-bach/icarusd/pkg/callbackbus"
	"github.com/jacob-bach/icarusd/pkg/config"
	"github.com/jacob-bach/icarusd/pkg/sandbox/sandboxtest"
	"github.com/jacob-bach/icarusd/pkg/storage"
	"github.com/jacob-bach/icarusd/pkg/types"
)

// fakeLevelSource lets tests drive sentinel level deterministically
// without sampling the real host.
type fakeLevelSource struct {
	mu    sync.Mutex
	level types.AdmissionLevel
}

func (f *fakeLevelSource) Level() types.AdmissionLevel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level
}

func (f *fakeLevelSource) SetLevel(level types.AdmissionLevel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.level = level
}

func newTestScheduler(t *testing.T, override func(*config.Config)) (*Scheduler, *sandboxtest.FakeDriver, storage.Store, *callbackbus.Bus) {
	t.Helper()

	cfg := config.Default()
	cfg.MaxConcurrent = 2
	cfg.StageTimeout = config.Duration(10 * time.Second)
	cfg.StopGrace = config.Duration(time.Second)
	cfg.Sampler.Interval = config.Duration(20 * time.Millisecond)
	cfg.ReconcileOnStart = false
	if override != nil {
		override(&cfg)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	driver := sandboxtest.NewFakeDriver()
	bus := callbackbus.New()
	level := &fakeLevelSource{level: types.LevelGreen}

	sched := New(cfg, store, driver, level, bus)
	require.NoError(t, sched.Start())
	t.Cleanup(sched.Stop)

	return sched, driver, store, bus
}

func waitForStatus(t *testing.T, store storage.Store, jobID string, want types.JobStatus, timeout time.Duration) *types.Job {
	t.Helper()

	deadline := time.Now().Add(timeout)
	var last *types.Job
	for time.Now().Before(deadline) {
		job, err := store.GetJob(jobID)
		require.NoError(t, err)
		last = job
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s, last seen %+v", jobID, want, last)
	return nil
}

func waitForCall(t *testing.T, driver *sandboxtest.FakeDriver, method string, timeout time.Duration) string {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, call := range driver.Calls() {
			if call.Method == method {
				return call.Handle
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("driver never received a %s call", method)
	return ""
}

// waitForSpawnOtherThan polls for a Spawn call against a handle other
// than exclude -- used to find the Checker's handle once the Builder's
// is already known.
func waitForSpawnOtherThan(t *testing.T, driver *sandboxtest.FakeDriver, exclude string, timeout time.Duration) string {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, call := range driver.Calls() {
			if call.Method == "Spawn" && call.Handle != exclude {
				return call.Handle
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no second Spawn call observed (excluding %s)", exclude)
	return ""
}

func TestScheduler_HappyPath(t *testing.T) {
	sched, driver, store, _ := newTestScheduler(t, nil)

	jobID, err := sched.Submit("write hello", "example/repo")
	require.NoError(t, err)

	builderHandle := waitForCall(t, driver, "Spawn", time.Second)
	driver.FinishNow(builderHandle)
	waitForStatus(t, store, jobID, types.JobChecking, time.Second)

	checkerHandle := waitForSpawnOtherThan(t, driver, builderHandle, time.Second)
	driver.FinishNow(checkerHandle)

	waitForStatus(t, store, jobID, types.JobAwaitingApproval, time.Second)

	require.NoError(t, sched.Approve(jobID))

	job := waitForStatus(t, store, jobID, types.JobCompleted, time.Second)
	require.True(t, job.CompletedAt != nil)
	require.True(t, driver.AllStopped())
	require.True(t, driver.AllReleased())

	approval, err := store.GetApproval(jobID)
	require.NoError(t, err)
	require.True(t, approval.Approved)
}

func TestScheduler_BuilderNonZeroExit(t *testing.T) {
	sched, driver, store, _ := newTestScheduler(t, nil)

	driver.ExitCodeFor[string(types.RoleBuilder)] = 2

	jobID, err := sched.Submit("write hello", "example/repo")
	require.NoError(t, err)

	builderHandle := waitForCall(t, driver, "Spawn", time.Second)
	driver.FinishNow(builderHandle)

	job := waitForStatus(t, store, jobID, types.JobFailed, time.Second)
	require.Contains(t, job.FailureReason, "exit code 2")

	spawnedHandles := map[string]bool{}
	for _, call := range driver.Calls() {
		if call.Method == "Spawn" {
			spawnedHandles[call.Handle] = true
		}
	}
	require.Len(t, spawnedHandles, 1, "checker must never be spawned after a builder failure")
	require.True(t, driver.AllStopped())
	require.True(t, driver.AllReleased())
}

func TestScheduler_EarlyErrorCallback(t *testing.T) {
	sched, driver, store, bus := newTestScheduler(t, nil)

	driver.NeverExit[string(types.RoleBuilder)] = true

	jobID, err := sched.Submit("write hello", "example/repo")
	require.NoError(t, err)

	waitForCall(t, driver, "Spawn", time.Second)

	bus.SignalError(jobID, "LLM unreachable")

	job := waitForStatus(t, store, jobID, types.JobFailed, time.Second)
	require.Equal(t, "LLM unreachable", job.FailureReason)
	require.True(t, driver.AllStopped())
	require.True(t, driver.AllReleased())
}

func TestScheduler_StageTimeout(t *testing.T) {
	sched, driver, store, _ := newTestScheduler(t, func(c *config.Config) {
		c.StageTimeout = config.Duration(50 * time.Millisecond)
	})

	driver.NeverExit[string(types.RoleBuilder)] = true

	jobID, err := sched.Submit("write hello", "example/repo")
	require.NoError(t, err)

	builderHandle := waitForCall(t, driver, "Spawn", time.Second)

	job := waitForStatus(t, store, jobID, types.JobFailed, 2*time.Second)
	require.Contains(t, job.FailureReason, "timed out")

	found := false
	for _, call := range driver.Calls() {
		if call.Method == "Stop" && call.Handle == builderHandle {
			found = true
		}
	}
	require.True(t, found, "driver.Stop must be called on timeout")
}

func TestScheduler_RejectFromAwaitingApproval(t *testing.T) {
	sched, driver, store, _ := newTestScheduler(t, nil)

	jobID, err := sched.Submit("write hello", "example/repo")
	require.NoError(t, err)

	builderHandle := waitForCall(t, driver, "Spawn", time.Second)
	driver.FinishNow(builderHandle)
	waitForStatus(t, store, jobID, types.JobChecking, time.Second)

	checkerHandle := waitForSpawnOtherThan(t, driver, builderHandle, time.Second)
	driver.FinishNow(checkerHandle)

	waitForStatus(t, store, jobID, types.JobAwaitingApproval, time.Second)

	require.NoError(t, sched.Reject(jobID, "not good enough"))

	job := waitForStatus(t, store, jobID, types.JobRejected, time.Second)
	require.Equal(t, "not good enough", job.FailureReason)
	require.True(t, driver.AllStopped())
	require.True(t, driver.AllReleased())

	approval, err := store.GetApproval(jobID)
	require.NoError(t, err)
	require.False(t, approval.Approved)
}

func TestScheduler_ApproveInvalidState(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, nil)

	jobID, err := sched.Submit("write hello", "example/repo")
	require.NoError(t, err)

	err = sched.Approve(jobID)
	require.Error(t, err)
	var invalidState *InvalidStateError
	require.ErrorAs(t, err, &invalidState)
}

func TestScheduler_ApproveCompletedJobFails(t *testing.T) {
	sched, driver, store, _ := newTestScheduler(t, nil)

	jobID, err := sched.Submit("write hello", "example/repo")
	require.NoError(t, err)

	builderHandle := waitForCall(t, driver, "Spawn", time.Second)
	driver.FinishNow(builderHandle)
	waitForStatus(t, store, jobID, types.JobChecking, time.Second)

	checkerHandle := waitForSpawnOtherThan(t, driver, builderHandle, time.Second)
	driver.FinishNow(checkerHandle)
	waitForStatus(t, store, jobID, types.JobAwaitingApproval, time.Second)

	require.NoError(t, sched.Approve(jobID))
	waitForStatus(t, store, jobID, types.JobCompleted, time.Second)

	err = sched.Approve(jobID)
	var invalidState *InvalidStateError
	require.ErrorAs(t, err, &invalidState)

	job, err := store.GetJob(jobID)
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, job.Status, "a second approve must leave the terminal status untouched")
}

func TestScheduler_IdenticalSubmissionsYieldDistinctIDs(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t, nil)

	first, err := sched.Submit("write hello", "example/repo")
	require.NoError(t, err)
	second, err := sched.Submit("write hello", "example/repo")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestScheduler_AdmissionRespectsMaxConcurrent(t *testing.T) {
	sched, driver, store, _ := newTestScheduler(t, func(c *config.Config) {
		c.MaxConcurrent = 1
	})

	first, err := sched.Submit("first", "repo")
	require.NoError(t, err)
	second, err := sched.Submit("second", "repo")
	require.NoError(t, err)

	waitForStatus(t, store, first, types.JobBuilding, time.Second)

	// The second job must stay pending while the first occupies the
	// single concurrency slot -- a job holds its slot through both
	// stages, not just the Builder.
	time.Sleep(100 * time.Millisecond)
	job, err := store.GetJob(second)
	require.NoError(t, err)
	require.Equal(t, types.JobPending, job.Status)

	builderHandle := waitForCall(t, driver, "Spawn", time.Second)
	driver.FinishNow(builderHandle)
	waitForStatus(t, store, first, types.JobChecking, time.Second)

	// Second must still be waiting: the first job is now in Checking,
	// still occupying the only slot.
	time.Sleep(100 * time.Millisecond)
	job, err = store.GetJob(second)
	require.NoError(t, err)
	require.Equal(t, types.JobPending, job.Status)

	checkerHandle := waitForSpawnOtherThan(t, driver, builderHandle, time.Second)
	driver.FinishNow(checkerHandle)
	waitForStatus(t, store, first, types.JobAwaitingApproval, time.Second)

	// Freeing the first slot lets the second job proceed.
	waitForStatus(t, store, second, types.JobBuilding, time.Second)
}

// A sentinel pausing and resuming a sandbox mid-stage must not disturb
// the supervisor: its wait stays outstanding across the pause and the
// job still runs to awaiting_approval once the sandbox exits.
func TestScheduler_SupervisorSurvivesPauseResume(t *testing.T) {
	sched, driver, store, _ := newTestScheduler(t, nil)

	jobID, err := sched.Submit("write hello", "example/repo")
	require.NoError(t, err)

	builderHandle := waitForCall(t, driver, "Spawn", time.Second)
	require.NoError(t, driver.Pause(context.Background(), builderHandle))

	time.Sleep(100 * time.Millisecond)
	job, err := store.GetJob(jobID)
	require.NoError(t, err)
	require.Equal(t, types.JobBuilding, job.Status, "a paused stage must stay in building, not fail")

	require.NoError(t, driver.Resume(context.Background(), builderHandle))
	driver.FinishNow(builderHandle)
	waitForStatus(t, store, jobID, types.JobChecking, time.Second)

	checkerHandle := waitForSpawnOtherThan(t, driver, builderHandle, time.Second)
	driver.FinishNow(checkerHandle)
	waitForStatus(t, store, jobID, types.JobAwaitingApproval, time.Second)
}

func TestScheduler_NoAdmissionWhileNotGreen(t *testing.T) {
	cfg := config.Default()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	driver := sandboxtest.NewFakeDriver()
	bus := callbackbus.New()
	level := &fakeLevelSource{level: types.LevelYellow}
	cfg.ReconcileOnStart = false

	sched := New(cfg, store, driver, level, bus)
	require.NoError(t, sched.Start())
	t.Cleanup(sched.Stop)

	jobID, err := sched.Submit("write hello", "repo")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	job, err := store.GetJob(jobID)
	require.NoError(t, err)
	require.Equal(t, types.JobPending, job.Status, "no job should be dispatched while sentinel is not GREEN")

	level.SetLevel(types.LevelGreen)
	waitForStatus(t, store, jobID, types.JobBuilding, 3*time.Second)
}
