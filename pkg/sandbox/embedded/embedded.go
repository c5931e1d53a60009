// Package embedded best-effort bootstraps a local containerd so that
// `icarusd serve` has a daemon to talk to without additional operator
// setup, dialing an existing socket first and only spawning one if
// nothing answers.
package embedded

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"time"

	"github.com/jacob-bach/icarusd/pkg/log"
)

// EnsureContainerd checks whether something is already listening on
// socketPath and, if not, attempts to start a local containerd
// (via Lima on Darwin, directly on Linux). If no daemon is reachable and
// none can be started, it returns an error; `icarusd serve` treats that
// error as fatal and exits.
func EnsureContainerd(ctx context.Context, socketPath string) error {
	logger := log.WithComponent("sandbox.embedded")

	if socketReachable(socketPath) {
		logger.Debug().Str("socket", socketPath).Msg("containerd already reachable")
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		return ensureDarwin(ctx, socketPath)
	case "linux":
		return ensureLinux(ctx, socketPath)
	default:
		return fmt.Errorf("embedded containerd bootstrap is not supported on %s; run containerd externally", runtime.GOOS)
	}
}

func socketReachable(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func ensureLinux(ctx context.Context, socketPath string) error {
	if _, err := exec.LookPath("containerd"); err != nil {
		return fmt.Errorf("containerd binary not found on PATH and socket %s is not reachable: %w", socketPath, err)
	}

	cmd := exec.CommandContext(ctx, "containerd", "--address", socketPath)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start embedded containerd: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if socketReachable(socketPath) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("embedded containerd did not become reachable within the startup deadline")
}
