package sandbox

import (
	"context"
	"time"

	"github.com/jacob-bach/icarusd/pkg/types"
)

// Status is the supervision-visible lifecycle state of a sandbox.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusExited  Status = "exited"
	StatusDead    Status = "dead"
	// StatusMissing means the driver has no record of the handle anymore.
	// The scheduler treats this as a fatal supervision error, not a
	// non-zero exit.
	StatusMissing Status = "missing"
)

// Sample is a best-effort point-in-time resource reading for a sandbox.
type Sample struct {
	CPUPercent  float64
	MemoryBytes uint64
}

// SpawnRequest carries everything the driver needs to start one sandbox.
type SpawnRequest struct {
	Role             types.SandboxRole
	JobID            string
	Task             string
	Image            string
	WorkspaceHandle  string
	CallbackEndpoint string
	WriteAccess      bool
}

// Driver abstracts the lifecycle and telemetry of isolated workers and
// their workspaces. Every method may block the calling goroutine on a
// real implementation (container API round trips); callers are expected
// to run driver calls on their own goroutine rather than assume
// non-blocking behavior.
type Driver interface {
	// AllocateWorkspace creates ephemeral, per-job writable storage.
	// Idempotent per jobID: calling it twice for the same job returns the
	// same handle.
	AllocateWorkspace(ctx context.Context, jobID string) (workspaceHandle string, err error)

	// Spawn starts an isolated worker with the workspace attached and
	// returns a handle for supervision.
	Spawn(ctx context.Context, req SpawnRequest) (sandboxHandle string, err error)

	// Wait blocks until the sandbox exits and returns its exit code.
	Wait(ctx context.Context, sandboxHandle string) (exitCode int, err error)

	// Status reports the current supervision state of a sandbox.
	Status(ctx context.Context, sandboxHandle string) (Status, error)

	// Sample takes a best-effort point-in-time resource reading.
	Sample(ctx context.Context, sandboxHandle string) (Sample, error)

	// Pause and Resume are idempotent lifecycle controls. They are safe
	// to call from a goroutine other than the sandbox's owning
	// supervisor -- the host sentinel is the one sanctioned cross-owner
	// caller.
	Pause(ctx context.Context, sandboxHandle string) error
	Resume(ctx context.Context, sandboxHandle string) error

	// Stop terminates the sandbox, escalating to a forceful kill if it
	// has not exited within grace.
	Stop(ctx context.Context, sandboxHandle string, grace time.Duration) error

	// ReleaseWorkspace removes persistent storage. Callers must stop
	// every sandbox attached to the workspace first.
	ReleaseWorkspace(ctx context.Context, workspaceHandle string) error

	// RunningHandles lists every sandbox the driver currently reports as
	// running. Used by the Host Sentinel to find what to pause on a RED
	// transition.
	RunningHandles(ctx context.Context) ([]string, error)
}
