// Package config loads the coordination plane's YAML configuration,
// adapted from the teacher's inline Config struct in internal/cli.go —
// split into its own package with defaults applied after load.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete coordination-plane configuration structure.
type Config struct {
	Coordination struct {
		Enabled       bool   `yaml:"enabled"`
		ForcedRole    string `yaml:"forced_role"` // "", "master", "worker", "standalone"
		MasterPort    int    `yaml:"master_port"`
		WorkerPortMin int    `yaml:"worker_port_min"`
		WorkerPortMax int    `yaml:"worker_port_max"`
	} `yaml:"coordination"`

	Heartbeat struct {
		Interval         time.Duration `yaml:"interval"`
		TimeoutMultiplier int          `yaml:"timeout_multiplier"`
	} `yaml:"heartbeat"`

	Election struct {
		Timeout                time.Duration `yaml:"timeout"`
		MasterHealthCheckInterval time.Duration `yaml:"master_health_check_interval"`
		FailureThreshold       int           `yaml:"failure_threshold"`
	} `yaml:"election"`

	HTTP struct {
		RegistrationTimeout time.Duration `yaml:"registration_timeout"`
		HealthTimeout       time.Duration `yaml:"health_timeout"`
		ToolCallTimeout     time.Duration `yaml:"tool_call_timeout"`
		ElectionMsgTimeout  time.Duration `yaml:"election_message_timeout"`
		ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Default returns the compiled-in default configuration, matching the
// port/interval defaults in spec.md §6.
func Default() *Config {
	cfg := &Config{}
	cfg.Coordination.Enabled = true
	cfg.Coordination.MasterPort = 9100
	cfg.Coordination.WorkerPortMin = 9101
	cfg.Coordination.WorkerPortMax = 9199
	cfg.Heartbeat.Interval = 5 * time.Second
	cfg.Heartbeat.TimeoutMultiplier = 3
	cfg.Election.Timeout = 5 * time.Second
	cfg.Election.MasterHealthCheckInterval = 3 * time.Second
	cfg.Election.FailureThreshold = 3
	cfg.HTTP.RegistrationTimeout = 10 * time.Second
	cfg.HTTP.HealthTimeout = 10 * time.Second
	cfg.HTTP.ToolCallTimeout = 30 * time.Second
	cfg.HTTP.ElectionMsgTimeout = 3 * time.Second
	cfg.HTTP.ShutdownTimeout = 3 * time.Second
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 9090
	return cfg
}

// Load reads a YAML config file at path, applying Default() first so a
// partial file only overrides the fields it sets. A missing file is not
// an error: it falls back to Default() entirely, mirroring the teacher's
// tolerance for an absent configs/default.yaml in demo runs.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}
