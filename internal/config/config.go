// Package config handles Helios server configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/helios/config.yaml, /config/config.yaml,
// /etc/helios/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "helios", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/helios/config.yaml")
	return paths
}

// searchPathsFunc is a seam for tests to override the search path list
// without touching the developer's real config files.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all Helios server configuration.
type Config struct {
	Listen           ListenConfig     `yaml:"listen"`
	Origins          []string         `yaml:"origins"`
	RateLimit        RateLimitConfig  `yaml:"rate_limit"`
	Heartbeat        HeartbeatConfig  `yaml:"heartbeat"`
	Bus              BusConfig        `yaml:"bus"`
	Cache            CacheConfig      `yaml:"cache"`
	DebugStackTraces bool             `yaml:"debug_stack_traces"`
	LogLevel         string           `yaml:"log_level"`
	Metrics          MetricsConfig    `yaml:"metrics"`
}

// ListenConfig defines the HTTP+socket listener settings.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// SocketPath is the full-duplex socket mount path, default "/helene-ws".
	SocketPath string `yaml:"socket_path"`
}

// RateLimitConfig configures the per-remote-address token bucket
// limiter: Max requests per Window, refilled continuously.
type RateLimitConfig struct {
	Max           int           `yaml:"max"`
	Window        time.Duration `yaml:"window"`
	MaxViolations int           `yaml:"max_violations"` // consecutive Allow() rejections before forced close
}

// HeartbeatConfig configures the heartbeat/idleness engine.
type HeartbeatConfig struct {
	Interval         time.Duration `yaml:"interval"`          // default 10s
	TerminationFactor float64      `yaml:"termination_factor"` // default 2.0
	SSEReconnectGrace time.Duration `yaml:"sse_reconnect_grace"` // default 5s
}

// BusConfig configures the cluster bus adapter.
type BusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`       // e.g. tcp://localhost:1883
	Namespace string `yaml:"namespace"` // topic namespace prefix, default "helios"
	ClientID  string `yaml:"client_id"`
}

// CacheConfig configures the method result cache.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"` // default 1000
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default "/__h/metrics"
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HELIOS_BUS_URL}). Convenience
	// for container deployments; values may also be placed directly in
	// the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Listen.SocketPath == "" {
		c.Listen.SocketPath = "/helene-ws"
	}
	if c.RateLimit.Max == 0 {
		c.RateLimit.Max = 120
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = 60 * time.Second
	}
	if c.RateLimit.MaxViolations == 0 {
		c.RateLimit.MaxViolations = 5
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = 10 * time.Second
	}
	if c.Heartbeat.TerminationFactor == 0 {
		c.Heartbeat.TerminationFactor = 2.0
	}
	if c.Heartbeat.SSEReconnectGrace == 0 {
		c.Heartbeat.SSEReconnectGrace = 5 * time.Second
	}
	if c.Bus.Namespace == "" {
		c.Bus.Namespace = "helios"
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 1000
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/__h/metrics"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.RateLimit.Max < 1 {
		return fmt.Errorf("rate_limit.max %d must be positive", c.RateLimit.Max)
	}
	if c.Bus.Enabled && c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required when bus.enabled is true")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
