package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "icarusd.yaml")
	body := []byte("max_concurrent: 8\nsentinel:\n  yellow_threshold: 60\n  red_threshold: 80\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, 60.0, cfg.Sentinel.YellowThreshold)
	assert.Equal(t, 80.0, cfg.Sentinel.RedThreshold)
	// untouched fields keep their defaults
	assert.Equal(t, Default().StageTimeout, cfg.StageTimeout)
}

func TestLoadParsesDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "icarusd.yaml")
	body := []byte("stage_timeout: 600\nstop_grace: 15s\nsentinel:\n  poll_interval: 2.5\nsampler:\n  interval: 10s\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 600*time.Second, cfg.StageTimeout.Std())
	assert.Equal(t, 15*time.Second, cfg.StopGrace.Std())
	assert.Equal(t, 2500*time.Millisecond, cfg.Sentinel.PollInterval.Std())
	assert.Equal(t, 10*time.Second, cfg.Sampler.Interval.Std())
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "icarusd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stage_timeout: soon\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := Default()
	cfg.Sentinel.RedThreshold = cfg.Sentinel.YellowThreshold - 1
	assert.Error(t, cfg.Validate())

	// equal thresholds are legal: yellow <= red
	cfg.Sentinel.RedThreshold = cfg.Sentinel.YellowThreshold
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrent = 0
	assert.Error(t, cfg.Validate())
}
