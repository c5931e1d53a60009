// Package config loads icarusd's runtime configuration from an optional
// YAML file, following the manifest-loading convention the CLI already uses
// for resource definitions.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can spell intervals
// either as a bare number of seconds or as a Go duration string
// ("90s", "10m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds float64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}

	var text string
	if err := value.Decode(&text); err != nil {
		return fmt.Errorf("duration must be a number of seconds or a string like \"90s\": %w", err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Sentinel holds the Host Sentinel's thresholds and polling cadence.
type Sentinel struct {
	YellowThreshold float64  `yaml:"yellow_threshold"`
	RedThreshold    float64  `yaml:"red_threshold"`
	PollInterval    Duration `yaml:"poll_interval"`
}

// Sampler controls the per-job telemetry sampler.
type Sampler struct {
	Interval Duration `yaml:"interval"`
}

// Images selects the agent image each sandbox role runs. A job may
// carry its own image, which takes precedence.
type Images struct {
	Builder string `yaml:"builder"`
	Checker string `yaml:"checker"`
}

// Config is the full set of options described in the external interfaces
// table: admission concurrency, sentinel thresholds, stage timeout, sampler
// cadence, and the listen/storage/driver endpoints.
type Config struct {
	ListenAddr       string   `yaml:"listen_addr"`
	DataDir          string   `yaml:"data_dir"`
	ContainerdSocket string   `yaml:"containerd_socket"`
	MaxConcurrent    int      `yaml:"max_concurrent"`
	StageTimeout     Duration `yaml:"stage_timeout"`
	StopGrace        Duration `yaml:"stop_grace"`
	ReconcileOnStart bool     `yaml:"reconcile_on_start"`
	Sentinel         Sentinel `yaml:"sentinel"`
	Sampler          Sampler  `yaml:"sampler"`
	Images           Images   `yaml:"images"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		DataDir:          "/var/lib/icarusd",
		ContainerdSocket: "/run/containerd/containerd.sock",
		MaxConcurrent:    4,
		StageTimeout:     Duration(15 * time.Minute),
		StopGrace:        Duration(10 * time.Second),
		ReconcileOnStart: true,
		Sentinel: Sentinel{
			YellowThreshold: 75,
			RedThreshold:    90,
			PollInterval:    Duration(5 * time.Second),
		},
		Sampler: Sampler{
			Interval: Duration(5 * time.Second),
		},
		Images: Images{
			Builder: "ghcr.io/jacob-bach/icarus-builder:latest",
			Checker: "ghcr.io/jacob-bach/icarus-checker:latest",
		},
	}
}

// Load reads a YAML config file and overlays it onto Default. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations the scheduler cannot run with.
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.Sentinel.YellowThreshold <= 0 || c.Sentinel.RedThreshold < c.Sentinel.YellowThreshold {
		return fmt.Errorf("sentinel thresholds must satisfy 0 < yellow <= red")
	}
	if c.StageTimeout <= 0 {
		return fmt.Errorf("stage_timeout must be positive")
	}
	return nil
}
