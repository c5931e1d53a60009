// Package sandboxtest provides an in-memory sandbox.Driver for exercising
// the scheduler without a real containerd daemon. Every call is recorded
// so tests can assert on cleanup invariants (e.g. "every sandbox is
// stopped and every workspace released") by inspecting the fake after
// the test runs.
package sandboxtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jacob-bach/icarusd/pkg/sandbox"
)

// Call records a single invocation against the fake, in order.
type Call struct {
	Method string
	Handle string
}

// sandboxState is the fake's view of one spawned sandbox.
type sandboxState struct {
	role     string
	status   sandbox.Status
	exitCode int
	// finishedCh is closed when the sandbox finishes -- by FinishNow at a
	// test-controlled moment, or by Stop. A sandbox never exits on its
	// own; until one of those is called, Wait stays blocked.
	finishedCh chan struct{}
	paused     bool
	stopped    bool
}

// FakeDriver is a deterministic, in-memory sandbox.Driver.
type FakeDriver struct {
	mu sync.Mutex

	workspaces map[string]string // jobID -> handle
	released   map[string]bool   // workspaceHandle -> released

	sandboxes map[string]*sandboxState // handle -> state

	calls []Call

	// ExitCodeFor, when set, provides the exit code a spawned sandbox for
	// a given role should eventually report. Defaults to 0.
	ExitCodeFor map[string]int
	// NeverExit, when set for a role, makes Wait block until the context
	// is cancelled -- used to exercise stage timeouts.
	NeverExit map[string]bool
	// MissingAfterSpawn, when true, makes Status report StatusMissing for
	// every handle -- used to exercise the supervision-error path.
	MissingAfterSpawn bool
}

// NewFakeDriver constructs an empty fake.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		workspaces:  make(map[string]string),
		released:    make(map[string]bool),
		sandboxes:   make(map[string]*sandboxState),
		ExitCodeFor: make(map[string]int),
		NeverExit:   make(map[string]bool),
	}
}

func (f *FakeDriver) record(method, handle string) {
	f.calls = append(f.calls, Call{Method: method, Handle: handle})
}

// Calls returns every recorded call, in order.
func (f *FakeDriver) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// AllStopped reports whether every sandbox the fake ever spawned has
// been stopped, for asserting no-leak cleanup invariants after a test.
func (f *FakeDriver) AllStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sandboxes {
		if !s.stopped {
			return false
		}
	}
	return true
}

// AllReleased reports whether every workspace the fake ever allocated
// has since been released.
func (f *FakeDriver) AllReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, handle := range f.workspaces {
		if !f.released[handle] {
			return false
		}
	}
	return true
}

func (f *FakeDriver) AllocateWorkspace(ctx context.Context, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AllocateWorkspace", jobID)

	if handle, ok := f.workspaces[jobID]; ok {
		return handle, nil
	}
	handle := "ws-" + jobID
	f.workspaces[jobID] = handle
	return handle, nil
}

func (f *FakeDriver) Spawn(ctx context.Context, req sandbox.SpawnRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	handle := fmt.Sprintf("%s-%s", req.JobID, req.Role)
	f.record("Spawn", handle)

	exit := f.ExitCodeFor[string(req.Role)]
	f.sandboxes[handle] = &sandboxState{
		role:       string(req.Role),
		status:     sandbox.StatusRunning,
		exitCode:   exit,
		finishedCh: make(chan struct{}),
	}
	return handle, nil
}

// FinishNow immediately transitions a running sandbox to exited with its
// configured exit code, unblocking any outstanding Wait.
func (f *FakeDriver) FinishNow(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sandboxes[handle]
	if !ok {
		return
	}
	if s.status == sandbox.StatusRunning || s.status == sandbox.StatusPaused {
		s.status = sandbox.StatusExited
		if s.exitCode != 0 {
			s.status = sandbox.StatusDead
		}
	}
	select {
	case <-s.finishedCh:
	default:
		close(s.finishedCh)
	}
}

// RemoveHandle simulates external removal of the sandbox ("missing").
func (f *FakeDriver) RemoveHandle(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sandboxes, handle)
}

func (f *FakeDriver) Wait(ctx context.Context, handle string) (int, error) {
	f.mu.Lock()
	s, ok := f.sandboxes[handle]
	never := f.NeverExit[""]
	if ok {
		never = f.NeverExit[s.role]
	}
	f.record("Wait", handle)
	f.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("%w: %s", sandbox.ErrSandboxMissing, handle)
	}

	if never {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	select {
	case <-s.finishedCh:
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, stillExists := f.sandboxes[handle]; !stillExists {
			return 0, fmt.Errorf("%w: %s", sandbox.ErrSandboxMissing, handle)
		}
		return s.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *FakeDriver) Status(ctx context.Context, handle string) (sandbox.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Status", handle)

	if f.MissingAfterSpawn {
		return sandbox.StatusMissing, nil
	}
	s, ok := f.sandboxes[handle]
	if !ok {
		return sandbox.StatusMissing, nil
	}
	return s.status, nil
}

func (f *FakeDriver) Sample(ctx context.Context, handle string) (sandbox.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Sample", handle)

	if _, ok := f.sandboxes[handle]; !ok {
		return sandbox.Sample{}, fmt.Errorf("%w: %s", sandbox.ErrSandboxMissing, handle)
	}
	return sandbox.Sample{CPUPercent: 12.5, MemoryBytes: 128 * 1024 * 1024}, nil
}

func (f *FakeDriver) Pause(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Pause", handle)

	s, ok := f.sandboxes[handle]
	if !ok {
		return nil
	}
	s.paused = true
	s.status = sandbox.StatusPaused
	return nil
}

func (f *FakeDriver) Resume(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Resume", handle)

	s, ok := f.sandboxes[handle]
	if !ok {
		return nil // tolerate "already gone"
	}
	s.paused = false
	if s.status == sandbox.StatusPaused {
		s.status = sandbox.StatusRunning
	}
	return nil
}

func (f *FakeDriver) Stop(ctx context.Context, handle string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Stop", handle)

	s, ok := f.sandboxes[handle]
	if !ok {
		return nil
	}
	s.stopped = true
	select {
	case <-s.finishedCh:
	default:
		close(s.finishedCh)
	}
	return nil
}

func (f *FakeDriver) ReleaseWorkspace(ctx context.Context, workspaceHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ReleaseWorkspace", workspaceHandle)
	f.released[workspaceHandle] = true
	return nil
}

func (f *FakeDriver) RunningHandles(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RunningHandles", "")

	var running []string
	for handle, s := range f.sandboxes {
		if s.status == sandbox.StatusRunning {
			running = append(running, handle)
		}
	}
	return running, nil
}
