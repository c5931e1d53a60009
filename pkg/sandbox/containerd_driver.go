package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	v1 "github.com/containerd/cgroups/stats/v1"
	v2 "github.com/containerd/cgroups/v2/stats"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/jacob-bach/icarusd/pkg/log"
	"github.com/jacob-bach/icarusd/pkg/types"
)

const (
	// Namespace is the containerd namespace icarusd operates in.
	Namespace = "icarusd"

	// DefaultSocketPath is the default containerd socket path.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// resourceCaps bounds cpu and memory per sandbox role; no network policy
// is applied here. The Checker always gets a read-only workspace mount
// regardless of these caps.
type resourceCaps struct {
	cpuShares uint64
	cpuQuota  int64
	cpuPeriod uint64
	memoryMB  int64
}

var defaultCaps = map[types.SandboxRole]resourceCaps{
	types.RoleBuilder: {cpuShares: 2048, cpuQuota: 200000, cpuPeriod: 100000, memoryMB: 2048},
	types.RoleChecker: {cpuShares: 1024, cpuQuota: 100000, cpuPeriod: 100000, memoryMB: 1024},
}

// ContainerdDriver is the production Driver, backed by a local containerd
// daemon. Each spawned sandbox is a containerd task in the icarusd
// namespace; the workspace is a per-job directory bind-mounted
// read-write into the Builder and read-only into the Checker.
type ContainerdDriver struct {
	client    *containerd.Client
	namespace string
	workDir   string

	mu         sync.Mutex
	workspaces map[string]string     // jobID -> workspace path
	containers map[string]string     // sandboxHandle -> containerd container ID
	lastCPU    map[string]cpuReading // sandboxHandle -> previous usage reading
}

// cpuReading is one cumulative-cpu-time observation; Sample keeps the
// previous one per handle so it can report a usage percentage over the
// interval between two reads.
type cpuReading struct {
	usageNanos uint64
	at         time.Time
}

// NewContainerdDriver dials the containerd socket and prepares the
// workspace root directory.
func NewContainerdDriver(socketPath, workDir string) (*ContainerdDriver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	if err := os.MkdirAll(workDir, 0o750); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	return &ContainerdDriver{
		client:     client,
		namespace:  Namespace,
		workDir:    workDir,
		workspaces: make(map[string]string),
		containers: make(map[string]string),
		lastCPU:    make(map[string]cpuReading),
	}, nil
}

// Close releases the containerd client connection.
func (d *ContainerdDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func (d *ContainerdDriver) AllocateWorkspace(ctx context.Context, jobID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if path, ok := d.workspaces[jobID]; ok {
		return path, nil
	}

	path := filepath.Join(d.workDir, jobID)
	if err := os.MkdirAll(path, 0o750); err != nil {
		return "", fmt.Errorf("failed to allocate workspace for job %s: %w", jobID, err)
	}

	d.workspaces[jobID] = path
	return path, nil
}

func (d *ContainerdDriver) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	image, err := d.client.GetImage(ctx, req.Image)
	if err != nil {
		image, err = d.client.Pull(ctx, req.Image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", req.Image, err)
		}
	}

	handle := fmt.Sprintf("%s-%s", req.JobID, req.Role)

	mountOpt := "rw"
	if !req.WriteAccess {
		mountOpt = "ro"
	}

	caps := defaultCaps[req.Role]
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv([]string{
			"ICARUSD_TASK=" + req.Task,
			"ICARUSD_CALLBACK_URL=" + req.CallbackEndpoint,
			"ICARUSD_JOB_ID=" + req.JobID,
		}),
		oci.WithCPUShares(caps.cpuShares),
		oci.WithCPUCFS(caps.cpuQuota, caps.cpuPeriod),
		oci.WithMemoryLimit(uint64(caps.memoryMB) * 1024 * 1024),
		oci.WithMounts([]specs.Mount{
			{
				Source:      req.WorkspaceHandle,
				Destination: "/workspace",
				Type:        "bind",
				Options:     []string{mountOpt, "bind"},
			},
		}),
	}

	ctrContainer, err := d.client.NewContainer(
		ctx,
		handle,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(handle+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox container: %w", err)
	}

	task, err := ctrContainer.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to start sandbox task: %w", err)
	}

	d.mu.Lock()
	d.containers[handle] = ctrContainer.ID()
	d.mu.Unlock()

	return handle, nil
}

func (d *ContainerdDriver) load(ctx context.Context, handle string) (containerd.Container, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)
	d.mu.Lock()
	id, ok := d.containers[handle]
	d.mu.Unlock()
	if !ok {
		id = handle
	}
	return d.client.LoadContainer(ctx, id)
}

func (d *ContainerdDriver) Wait(ctx context.Context, handle string) (int, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.load(ctx, handle)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrSandboxMissing, handle)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrSandboxMissing, handle)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to wait on sandbox %s: %w", handle, err)
	}

	select {
	case status := <-statusC:
		return int(status.ExitCode()), status.Error()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (d *ContainerdDriver) Status(ctx context.Context, handle string) (Status, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.load(ctx, handle)
	if err != nil {
		return StatusMissing, nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return StatusPending, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return StatusMissing, nil
	}

	switch status.Status {
	case containerd.Running:
		return StatusRunning, nil
	case containerd.Paused:
		return StatusPaused, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return StatusExited, nil
		}
		return StatusDead, nil
	default:
		return StatusPending, nil
	}
}

func (d *ContainerdDriver) Sample(ctx context.Context, handle string) (Sample, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.load(ctx, handle)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %s", ErrSandboxMissing, handle)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return Sample{}, fmt.Errorf("sandbox %s has no running task: %w", handle, err)
	}

	metric, err := task.Metrics(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read sandbox metrics: %w", err)
	}

	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to decode sandbox metrics: %w", err)
	}

	var usageNanos, memoryBytes uint64
	switch m := data.(type) {
	case *v1.Metrics:
		if m.CPU != nil && m.CPU.Usage != nil {
			usageNanos = m.CPU.Usage.Total
		}
		if m.Memory != nil && m.Memory.Usage != nil {
			memoryBytes = m.Memory.Usage.Usage
		}
	case *v2.Metrics:
		if m.CPU != nil {
			usageNanos = m.CPU.UsageUsec * 1000
		}
		if m.Memory != nil {
			memoryBytes = m.Memory.Usage
		}
	default:
		return Sample{}, fmt.Errorf("unrecognized metrics payload %T for sandbox %s", data, handle)
	}

	// CPU percent is cumulative usage over wall clock since the previous
	// read of this handle; the first read has no baseline and reports 0.
	now := time.Now()
	d.mu.Lock()
	prev, havePrev := d.lastCPU[handle]
	d.lastCPU[handle] = cpuReading{usageNanos: usageNanos, at: now}
	d.mu.Unlock()

	var cpuPercent float64
	if havePrev && now.After(prev.at) && usageNanos > prev.usageNanos {
		elapsed := float64(now.Sub(prev.at).Nanoseconds())
		cpuPercent = float64(usageNanos-prev.usageNanos) / elapsed * 100
	}

	return Sample{CPUPercent: cpuPercent, MemoryBytes: memoryBytes}, nil
}

func (d *ContainerdDriver) Pause(ctx context.Context, handle string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.load(ctx, handle)
	if err != nil {
		return nil // already gone; pause on a missing sandbox is a no-op
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}
	if err := task.Pause(ctx); err != nil {
		return fmt.Errorf("failed to pause sandbox %s: %w", handle, err)
	}
	return nil
}

func (d *ContainerdDriver) Resume(ctx context.Context, handle string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.load(ctx, handle)
	if err != nil {
		return nil // tolerate "already gone": resuming a vanished sandbox is a no-op
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}
	if err := task.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume sandbox %s: %w", handle, err)
	}
	return nil
}

func (d *ContainerdDriver) Stop(ctx context.Context, handle string, grace time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)
	logger := log.WithSandbox(handle)

	container, err := d.load(ctx, handle)
	if err != nil {
		return nil
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return container.Delete(ctx, containerd.WithSnapshotCleanup)
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		logger.Warn().Err(err).Msg("failed to send SIGTERM")
	}

	statusC, err := task.Wait(ctx)
	if err == nil {
		select {
		case <-statusC:
		case <-stopCtx.Done():
			if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
				logger.Warn().Err(err).Msg("failed to SIGKILL after grace expired")
			}
		}
	}

	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil {
		logger.Warn().Err(err).Msg("failed to delete task")
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete sandbox container %s: %w", handle, err)
	}

	d.mu.Lock()
	delete(d.containers, handle)
	delete(d.lastCPU, handle)
	d.mu.Unlock()

	return nil
}

func (d *ContainerdDriver) ReleaseWorkspace(ctx context.Context, workspaceHandle string) error {
	if err := os.RemoveAll(workspaceHandle); err != nil {
		return fmt.Errorf("failed to release workspace %s: %w", workspaceHandle, err)
	}

	d.mu.Lock()
	for jobID, path := range d.workspaces {
		if path == workspaceHandle {
			delete(d.workspaces, jobID)
		}
	}
	d.mu.Unlock()

	return nil
}

func (d *ContainerdDriver) RunningHandles(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	containers, err := d.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}

	var running []string
	for _, c := range containers {
		task, err := c.Task(ctx, nil)
		if err != nil {
			continue
		}
		status, err := task.Status(ctx)
		if err != nil || status.Status != containerd.Running {
			continue
		}
		running = append(running, c.ID())
	}
	return running, nil
}
