// Package config loads the host's optional YAML configuration file.
// None of the settings here are required: the broker runs with sane
// defaults from environment variables and command-line flags alone.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the broker's on-disk configuration.
type Config struct {
	// Workspace is the directory the lock and discovery files are written
	// under (a ".aria" subdirectory is created inside it).
	Workspace string `yaml:"workspace"`

	// Port is the preferred TCP port for the transport acceptor. If it is
	// already taken, the host falls back to the next available port.
	Port int `yaml:"port"`

	// AdminPort is the preferred TCP port for the side admin server
	// (/health, /health/live, /health/ready, /metrics). 0 picks an
	// ephemeral port, same fallback rule as Port.
	AdminPort int `yaml:"admin_port"`

	// Secret overrides the shared workspace secret. Leave empty to reuse a
	// previously-published secret, or mint a fresh random one.
	Secret string `yaml:"secret"`

	LogLevel string `yaml:"log_level"`

	Timeouts TimeoutConfig `yaml:"timeouts"`

	Observability ObservabilityConfig `yaml:"observability"`
}

// TimeoutConfig holds the host's timer settings. Zero values fall back to
// the spec's canonical defaults. The host reads LockStaleness,
// HTTPSessionStaleness, ScreenshotMinInterval, OverloadWindow and
// OverloadLimit; AuthTimeout, HeartbeatInterval and DiscoveryHeartbeat are
// loaded but not used (the auth gate and the 5s discovery heartbeat are
// fixed).
type TimeoutConfig struct {
	AuthTimeout           time.Duration `yaml:"auth_timeout"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	DiscoveryHeartbeat    time.Duration `yaml:"discovery_heartbeat"`
	LockStaleness         time.Duration `yaml:"lock_staleness"`
	HTTPSessionStaleness  time.Duration `yaml:"http_session_staleness"`
	ScreenshotMinInterval time.Duration `yaml:"screenshot_min_interval"`
	OverloadWindow        time.Duration `yaml:"overload_window"`
	OverloadLimit         int           `yaml:"overload_limit"`
}

// ObservabilityConfig controls the tracing/metrics side-channel.
type ObservabilityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ExporterType string `yaml:"exporter_type"` // otlp, stdout, none
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Workspace: ".",
		Port:      0,
		LogLevel:  "info",
		Timeouts: TimeoutConfig{
			AuthTimeout:           5 * time.Second,
			HeartbeatInterval:     15 * time.Second,
			DiscoveryHeartbeat:    5 * time.Second,
			LockStaleness:         15 * time.Second,
			HTTPSessionStaleness:  15 * time.Second,
			ScreenshotMinInterval: 2 * time.Second,
			OverloadWindow:        10 * time.Second,
			OverloadLimit:         500,
		},
		Observability: ObservabilityConfig{
			Enabled:      true,
			ExporterType: "stdout",
		},
	}
}

// Load reads configuration from a YAML file, merging it onto Default().
// A missing file is not an error: Default() is returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := safeUnmarshalYAML(data, DefaultYAMLLimits(), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Workspace == "" {
		cfg.Workspace = def.Workspace
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Timeouts.AuthTimeout == 0 {
		cfg.Timeouts.AuthTimeout = def.Timeouts.AuthTimeout
	}
	if cfg.Timeouts.HeartbeatInterval == 0 {
		cfg.Timeouts.HeartbeatInterval = def.Timeouts.HeartbeatInterval
	}
	if cfg.Timeouts.DiscoveryHeartbeat == 0 {
		cfg.Timeouts.DiscoveryHeartbeat = def.Timeouts.DiscoveryHeartbeat
	}
	if cfg.Timeouts.LockStaleness == 0 {
		cfg.Timeouts.LockStaleness = def.Timeouts.LockStaleness
	}
	if cfg.Timeouts.HTTPSessionStaleness == 0 {
		cfg.Timeouts.HTTPSessionStaleness = def.Timeouts.HTTPSessionStaleness
	}
	if cfg.Timeouts.ScreenshotMinInterval == 0 {
		cfg.Timeouts.ScreenshotMinInterval = def.Timeouts.ScreenshotMinInterval
	}
	if cfg.Timeouts.OverloadWindow == 0 {
		cfg.Timeouts.OverloadWindow = def.Timeouts.OverloadWindow
	}
	if cfg.Timeouts.OverloadLimit == 0 {
		cfg.Timeouts.OverloadLimit = def.Timeouts.OverloadLimit
	}
	if cfg.Observability.ExporterType == "" {
		cfg.Observability.ExporterType = def.Observability.ExporterType
	}
}

// applyEnvOverrides lets ARIA_BRIDGE_SECRET / ARIA_BRIDGE_HOST_SECRET win over
// whatever the file contains, matching the priority order the lock manager
// documents: explicit env override beats a file-configured secret.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARIA_BRIDGE_HOST_SECRET"); v != "" {
		cfg.Secret = v
		return
	}
	if v := os.Getenv("ARIA_BRIDGE_SECRET"); v != "" {
		cfg.Secret = v
	}
}

// Save writes configuration to a YAML file, useful for `aria-bridge init`.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
