// Package config provides configuration loading, validation, and defaults for
// the browser orchestrator. It handles YAML config files and environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default debug port range. Chrome convention starts at 9222.
const (
	DefaultPortBase  = 9222
	DefaultPortCount = 50
)

// Default timing values. All of these are operational tuning and may be
// overridden per deployment; the tier ordering itself is not configurable.
const (
	DefaultProbeInterval    = 500 * time.Millisecond
	DefaultReadinessTimeout = 30 * time.Second
	DefaultProtocolTimeout  = 3 * time.Second
	DefaultTermTimeout      = 5 * time.Second
	DefaultKillTimeout      = 5 * time.Second
)

// DefaultMaxInstances caps concurrent managed browsers.
const DefaultMaxInstances = 8

// BrowserConfig controls executable resolution and launch arguments.
type BrowserConfig struct {
	// ExecPath overrides platform candidate path resolution when set.
	ExecPath string `yaml:"exec_path"`
	// ExtraArgs are appended to every launch after the built-in flags.
	ExtraArgs []string `yaml:"extra_args"`
	// DataDir is the base directory for persistent user-data dirs.
	DataDir string `yaml:"data_dir"`
	// MaxInstances caps concurrently managed instances.
	MaxInstances int `yaml:"max_instances"`
}

// PortsConfig bounds the debug port range handed to instances.
type PortsConfig struct {
	Base  int `yaml:"base"`
	Count int `yaml:"count"`
}

// ReadinessConfig tunes the debug endpoint polling loop.
type ReadinessConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ShutdownConfig holds the per-tier timeouts of the shutdown protocol.
type ShutdownConfig struct {
	// ProtocolTimeout bounds the debug-protocol Browser.close tier.
	ProtocolTimeout time.Duration `yaml:"protocol_timeout"`
	// TermTimeout bounds the cooperative-signal tier.
	TermTimeout time.Duration `yaml:"term_timeout"`
	// KillTimeout bounds exit confirmation after forced termination.
	KillTimeout time.Duration `yaml:"kill_timeout"`
}

// StatusConfig controls the local status/metrics HTTP server.
type StatusConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string `yaml:"addr"`
}

// PersistenceConfig controls the lifecycle audit store.
type PersistenceConfig struct {
	// DBPath is the SQLite database path; empty disables auditing.
	DBPath string `yaml:"db_path"`
}

// BridgeConfig configures the native messaging host.
type BridgeConfig struct {
	HostName       string   `yaml:"host_name"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Config is the root configuration for the orchestrator.
type Config struct {
	Browser     BrowserConfig     `yaml:"browser"`
	Ports       PortsConfig       `yaml:"ports"`
	Readiness   ReadinessConfig   `yaml:"readiness"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	Status      StatusConfig      `yaml:"status"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Bridge      BridgeConfig      `yaml:"bridge"`
}

// Default returns a config populated with default values.
func Default() *Config {
	return &Config{
		Browser: BrowserConfig{
			MaxInstances: DefaultMaxInstances,
		},
		Ports: PortsConfig{
			Base:  DefaultPortBase,
			Count: DefaultPortCount,
		},
		Readiness: ReadinessConfig{
			ProbeInterval: DefaultProbeInterval,
			Timeout:       DefaultReadinessTimeout,
		},
		Shutdown: ShutdownConfig{
			ProtocolTimeout: DefaultProtocolTimeout,
			TermTimeout:     DefaultTermTimeout,
			KillTimeout:     DefaultKillTimeout,
		},
		Bridge: BridgeConfig{
			HostName: "com.helmsman.bridge",
		},
	}
}

// Load reads a YAML config file, applies defaults for unset fields, applies
// environment overrides, and validates the result. A missing file is not an
// error: defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Fall through to defaults.
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills zero-valued fields after YAML parsing.
func (c *Config) applyDefaults() {
	if c.Ports.Base == 0 {
		c.Ports.Base = DefaultPortBase
	}
	if c.Ports.Count == 0 {
		c.Ports.Count = DefaultPortCount
	}
	if c.Readiness.ProbeInterval == 0 {
		c.Readiness.ProbeInterval = DefaultProbeInterval
	}
	if c.Readiness.Timeout == 0 {
		c.Readiness.Timeout = DefaultReadinessTimeout
	}
	if c.Shutdown.ProtocolTimeout == 0 {
		c.Shutdown.ProtocolTimeout = DefaultProtocolTimeout
	}
	if c.Shutdown.TermTimeout == 0 {
		c.Shutdown.TermTimeout = DefaultTermTimeout
	}
	if c.Shutdown.KillTimeout == 0 {
		c.Shutdown.KillTimeout = DefaultKillTimeout
	}
	if c.Browser.MaxInstances == 0 {
		c.Browser.MaxInstances = DefaultMaxInstances
	}
	if c.Bridge.HostName == "" {
		c.Bridge.HostName = "com.helmsman.bridge"
	}
}

// applyEnvOverrides applies HELMSMAN_* environment variables on top of the
// file-provided values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HELMSMAN_BROWSER_PATH"); v != "" {
		c.Browser.ExecPath = v
	}
	if v := os.Getenv("HELMSMAN_DATA_DIR"); v != "" {
		c.Browser.DataDir = v
	}
	if v := os.Getenv("HELMSMAN_PORT_BASE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ports.Base = n
		}
	}
	if v := os.Getenv("HELMSMAN_PORT_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ports.Count = n
		}
	}
	if v := os.Getenv("HELMSMAN_STATUS_ADDR"); v != "" {
		c.Status.Addr = v
	}
	if v := os.Getenv("HELMSMAN_DB_PATH"); v != "" {
		c.Persistence.DBPath = v
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Ports.Base < 1024 || c.Ports.Base > 65535 {
		return fmt.Errorf("invalid port base %d: must be in [1024, 65535]", c.Ports.Base)
	}
	if c.Ports.Count < 1 {
		return fmt.Errorf("invalid port count %d: must be positive", c.Ports.Count)
	}
	if c.Ports.Base+c.Ports.Count > 65536 {
		return fmt.Errorf("port range [%d, %d) exceeds maximum port number",
			c.Ports.Base, c.Ports.Base+c.Ports.Count)
	}
	if c.Readiness.ProbeInterval <= 0 {
		return fmt.Errorf("invalid probe interval %v: must be positive", c.Readiness.ProbeInterval)
	}
	if c.Readiness.Timeout < c.Readiness.ProbeInterval {
		return fmt.Errorf("readiness timeout %v is shorter than probe interval %v",
			c.Readiness.Timeout, c.Readiness.ProbeInterval)
	}
	if c.Browser.MaxInstances < 1 {
		return fmt.Errorf("invalid max instances %d: must be positive", c.Browser.MaxInstances)
	}
	if c.Browser.ExecPath != "" {
		if _, err := os.Stat(c.Browser.ExecPath); err != nil {
			return fmt.Errorf("configured browser path %s is not accessible: %w", c.Browser.ExecPath, err)
		}
	}
	return nil
}

// Save writes the configuration to a YAML file, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
