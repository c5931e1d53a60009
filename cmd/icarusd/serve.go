package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacob-bach/icarusd/pkg/api"
	"github.com/jacob-bach/icarusd/pkg/callbackbus"
	"github.com/jacob-bach/icarusd/pkg/config"
	"github.com/jacob-bach/icarusd/pkg/log"
	"github.com/jacob-bach/icarusd/pkg/metrics"
	"github.com/jacob-bach/icarusd/pkg/sandbox"
	"github.com/jacob-bach/icarusd/pkg/sandbox/embedded"
	"github.com/jacob-bach/icarusd/pkg/scheduler"
	"github.com/jacob-bach/icarusd/pkg/sentinel"
	"github.com/jacob-bach/icarusd/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, sentinel, and HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file")
	serveCmd.Flags().String("listen-addr", "", "Override the HTTP listen address")
	serveCmd.Flags().String("data-dir", "", "Override the data directory")
	serveCmd.Flags().String("containerd-socket", "", "Override the containerd socket path")
	serveCmd.Flags().Bool("external-containerd", false, "Use an external containerd instead of bootstrapping an embedded one")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if addr, _ := cmd.Flags().GetString("listen-addr"); addr != "" {
		cfg.ListenAddr = addr
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if sock, _ := cmd.Flags().GetString("containerd-socket"); sock != "" {
		cfg.ContainerdSocket = sock
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := log.WithComponent("main")

	ctx := context.Background()
	if external, _ := cmd.Flags().GetBool("external-containerd"); !external {
		if err := embedded.EnsureContainerd(ctx, cfg.ContainerdSocket); err != nil {
			return fmt.Errorf("failed to bootstrap embedded containerd: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	metrics.RegisterComponent("storage", true, "ready")

	driver, err := sandbox.NewContainerdDriver(cfg.ContainerdSocket, filepath.Join(cfg.DataDir, "workspaces"))
	if err != nil {
		return fmt.Errorf("failed to connect to containerd: %w", err)
	}
	metrics.RegisterComponent("sandbox", true, "ready")

	sent := sentinel.New(sentinel.Config{
		YellowThreshold: cfg.Sentinel.YellowThreshold,
		RedThreshold:    cfg.Sentinel.RedThreshold,
		PollInterval:    cfg.Sentinel.PollInterval.Std(),
	}, driver)
	sent.Start()
	metrics.RegisterComponent("sentinel", true, "ready")

	bus := callbackbus.New()

	sched := scheduler.New(cfg, store, driver, sent, bus)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("api", false, "initializing")

	apiServer := api.NewServer(sched, store, bus)
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(cfg.ListenAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	metrics.RegisterComponent("api", true, "ready")
	logger.Info().Str("addr", cfg.ListenAddr).Msg("icarusd serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop()
	sent.Stop()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api server shutdown error")
	}
	if err := driver.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close sandbox driver")
	}
	if err := store.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close job store")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
