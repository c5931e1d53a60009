package sentinel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jacob-bach/icarusd/pkg/log"
	"github.com/jacob-bach/icarusd/pkg/metrics"
	"github.com/jacob-bach/icarusd/pkg/sandbox"
	"github.com/jacob-bach/icarusd/pkg/types"
)

// Config holds the Sentinel's thresholds and polling cadence.
type Config struct {
	YellowThreshold float64
	RedThreshold    float64
	PollInterval    time.Duration
	DiskPath        string
}

// Sentinel samples host load on an interval and publishes an
// atomically-readable admission level. On RED it pauses every sandbox
// the driver reports running and remembers which ones it paused; when
// the level next drops below RED (to YELLOW or GREEN) it resumes those
// remembered sandboxes that are still paused and clears the set.
type Sentinel struct {
	cfg    Config
	driver sandbox.Driver
	logger zerolog.Logger

	mu        sync.RWMutex
	level     types.AdmissionLevel
	lastStats types.HostStats
	pausedBy  map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Sentinel bound to the given driver. The driver
// reference is used only for Pause/Resume/RunningHandles -- the
// sentinel never inspects job state, which keeps the scheduler/sentinel/
// driver dependency graph acyclic: the driver depends on neither.
func New(cfg Config, driver sandbox.Driver) *Sentinel {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	return &Sentinel{
		cfg:      cfg,
		driver:   driver,
		logger:   log.WithComponent("sentinel"),
		level:    types.LevelGreen,
		pausedBy: make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sampling loop in a new goroutine.
func (s *Sentinel) Start() {
	go s.run()
}

// Stop cancels the sampling loop and waits for it to exit.
func (s *Sentinel) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Level returns the current admission level. Safe for concurrent use.
func (s *Sentinel) Level() types.AdmissionLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

// Stats returns the most recent host sample.
func (s *Sentinel) Stats() types.HostStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStats
}

func (s *Sentinel) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sentinel) tick() {
	stats, err := sampleHost(s.cfg.DiskPath)
	if err != nil {
		// Sampling failure is non-fatal: log, keep the previous state,
		// try again next tick.
		s.logger.Warn().Err(err).Msg("host sample failed")
		metrics.SentinelSampleErrorsTotal.Inc()
		return
	}

	load := stats.CPUPercent
	if stats.MemPercent > load {
		load = stats.MemPercent
	}

	next := s.classify(load)
	stats.Level = next

	s.mu.Lock()
	prev := s.level
	s.lastStats = stats
	s.level = next
	s.mu.Unlock()

	metrics.SentinelCPUPercent.Set(stats.CPUPercent)
	metrics.SentinelMemPercent.Set(stats.MemPercent)
	metrics.SentinelLevel.Set(metrics.LevelValue(string(next)))

	if prev == next {
		return
	}

	s.logger.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Float64("load", load).
		Msg("admission level transition")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case next == types.LevelRed:
		s.enterRed(ctx)
	case prev == types.LevelRed && next != types.LevelRed:
		s.leaveRed(ctx)
	}
}

func (s *Sentinel) classify(load float64) types.AdmissionLevel {
	switch {
	case load >= s.cfg.RedThreshold:
		return types.LevelRed
	case load >= s.cfg.YellowThreshold:
		return types.LevelYellow
	default:
		return types.LevelGreen
	}
}

func (s *Sentinel) enterRed(ctx context.Context) {
	handles, err := s.driver.RunningHandles(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to enumerate running sandboxes on RED entry")
		return
	}

	s.mu.Lock()
	s.pausedBy = make(map[string]bool, len(handles))
	s.mu.Unlock()

	for _, handle := range handles {
		if err := s.driver.Pause(ctx, handle); err != nil {
			s.logger.Warn().Err(err).Str("sandbox", handle).Msg("failed to pause sandbox on RED entry")
			continue
		}
		s.mu.Lock()
		s.pausedBy[handle] = true
		s.mu.Unlock()
		metrics.SandboxesPausedTotal.Inc()
	}
}

func (s *Sentinel) leaveRed(ctx context.Context) {
	s.mu.Lock()
	remembered := s.pausedBy
	s.pausedBy = make(map[string]bool)
	s.mu.Unlock()

	for handle := range remembered {
		status, err := s.driver.Status(ctx, handle)
		if err != nil || status == sandbox.StatusMissing {
			continue // a handle that disappeared while paused is tolerated, not resumed
		}
		if status != sandbox.StatusPaused {
			continue
		}
		if err := s.driver.Resume(ctx, handle); err != nil {
			s.logger.Warn().Err(err).Str("sandbox", handle).Msg("failed to resume sandbox on leaving RED")
			continue
		}
		metrics.SandboxesResumedTotal.Inc()
	}
}

func sampleHost(diskPath string) (types.HostStats, error) {
	cpuPercents, err := cpu.Percent(0, false)
	if err != nil {
		return types.HostStats{}, err
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return types.HostStats{}, err
	}

	var diskPercent float64
	if du, err := disk.Usage(diskPath); err == nil {
		diskPercent = du.UsedPercent
	}

	return types.HostStats{
		Timestamp:   time.Now(),
		CPUPercent:  cpuPercent,
		MemPercent:  vm.UsedPercent,
		DiskPercent: diskPercent,
	}, nil
}
