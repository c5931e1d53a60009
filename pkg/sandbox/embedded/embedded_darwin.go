//go:build darwin

package embedded

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/lima-vm/lima/pkg/instance"
	"github.com/lima-vm/lima/pkg/limayaml"
	"github.com/lima-vm/lima/pkg/store"

	"github.com/jacob-bach/icarusd/pkg/log"
)

// limaInstanceName is the name of the Lima VM icarusd runs containerd in.
const limaInstanceName = "icarusd"

// ensureDarwin stands up a Lima VM running containerd, since containerd
// itself needs a Linux kernel. An existing instance is reused; a missing
// one is created from a minimal Alpine config with system containerd
// enabled.
func ensureDarwin(ctx context.Context, socketPath string) error {
	logger := log.WithComponent("sandbox.embedded")

	if _, err := exec.LookPath("limactl"); err != nil {
		return fmt.Errorf("lima is not installed; install with `brew install lima` or run containerd externally: %w", err)
	}

	inst, err := store.Inspect(limaInstanceName)
	if err == nil {
		if inst.Status == store.StatusRunning {
			logger.Debug().Str("instance", limaInstanceName).Msg("lima instance already running")
			return waitForLimaSocket(ctx, socketPath)
		}
		logger.Info().Str("instance", limaInstanceName).Msg("starting existing lima instance")
		if err := instance.Start(ctx, inst, "", false); err != nil {
			return fmt.Errorf("failed to start lima instance: %w", err)
		}
		return waitForLimaSocket(ctx, socketPath)
	}

	logger.Info().Str("instance", limaInstanceName).Msg("creating lima instance for embedded containerd")

	configYAML, err := limayaml.Marshal(limaConfig(), false)
	if err != nil {
		return fmt.Errorf("failed to marshal lima config: %w", err)
	}

	if _, err := instance.Create(ctx, limaInstanceName, configYAML, false); err != nil {
		return fmt.Errorf("failed to create lima instance: %w", err)
	}

	inst, err = store.Inspect(limaInstanceName)
	if err != nil {
		return fmt.Errorf("failed to inspect created lima instance: %w", err)
	}
	if err := instance.Start(ctx, inst, "", false); err != nil {
		return fmt.Errorf("failed to start lima instance: %w", err)
	}

	return waitForLimaSocket(ctx, socketPath)
}

// limaConfig builds a minimal Alpine VM definition with containerd
// installed as a system service.
func limaConfig() *limayaml.LimaYAML {
	arch := limayaml.AARCH64
	if runtime.GOARCH == "amd64" {
		arch = limayaml.X8664
	}

	cpus := 2
	memory := "2GiB"
	disk := "20GiB"
	system := true

	return &limayaml.LimaYAML{
		Arch:   &arch,
		CPUs:   &cpus,
		Memory: &memory,
		Disk:   &disk,
		Images: []limayaml.Image{
			{
				File: limayaml.File{
					Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-aarch64.iso",
					Arch:     limayaml.AARCH64,
				},
			},
			{
				File: limayaml.File{
					Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-x86_64.iso",
					Arch:     limayaml.X8664,
				},
			},
		},
		Containerd: limayaml.Containerd{
			System: &system,
		},
	}
}

// limaSocketPath returns where lima exposes the VM's containerd socket
// on the host.
func limaSocketPath() string {
	limaHome := os.Getenv("LIMA_HOME")
	if limaHome == "" {
		home, _ := os.UserHomeDir()
		limaHome = filepath.Join(home, ".lima")
	}
	return filepath.Join(limaHome, limaInstanceName, "sock", "containerd.sock")
}

func waitForLimaSocket(ctx context.Context, socketPath string) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for containerd socket %s from lima instance %s", socketPath, limaInstanceName)
		case <-ticker.C:
			if socketReachable(socketPath) {
				return nil
			}
			if forwarded := limaSocketPath(); forwarded != socketPath && socketReachable(forwarded) {
				return fmt.Errorf("containerd is reachable at %s, not %s; point containerd_socket at the lima-forwarded path", forwarded, socketPath)
			}
		}
	}
}
