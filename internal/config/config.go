package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level vigil configuration.
type Config struct {
	Version      string            `yaml:"version"`
	StateDir     string            `yaml:"state_dir"`
	LogLevel     string            `yaml:"log_level"`
	Hosts        HostsConfig       `yaml:"hosts"`
	Watchers     WatcherConfig     `yaml:"watchers"`
	Scan         ScanConfig        `yaml:"scan"`
	Intelligence IntelConfig       `yaml:"intelligence"`
	Quarantine   QuarantineConfig  `yaml:"quarantine"`
	Definitions  DefinitionsConfig `yaml:"definitions"`
	Metrics      MetricsConfig     `yaml:"metrics"`
}

// HostsConfig configures the hosts-file watcher.
type HostsConfig struct {
	Path           string `yaml:"path"`             // empty = platform default
	DebounceMs     int    `yaml:"debounce_ms"`      // change-notification settle time
	IgnoreWindowMs int    `yaml:"ignore_window_ms"` // suppress self-initiated writes
}

// WatcherConfig configures the startup/task pollers.
type WatcherConfig struct {
	PollSeconds int      `yaml:"poll_seconds"`
	StartupDirs []string `yaml:"startup_dirs,omitempty"` // empty = platform defaults
	TaskDirs    []string `yaml:"task_dirs,omitempty"`
}

// ScanConfig configures the scan engine.
type ScanConfig struct {
	PhaseDelayMs  int      `yaml:"phase_delay_ms"` // UI pacing; 0 disables
	IntelBatchMax int      `yaml:"intel_batch_max"`
	JunkDirs      []string `yaml:"junk_dirs,omitempty"`
	DownloadDirs  []string `yaml:"download_dirs,omitempty"`
}

// IntelConfig configures the hash-intelligence client.
type IntelConfig struct {
	BaseURL            string `yaml:"base_url"`
	APIKey             string `yaml:"api_key,omitempty"`
	MinIntervalSeconds int    `yaml:"min_interval_seconds"`
	CacheMax           int    `yaml:"cache_max"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
}

// QuarantineConfig configures the quarantine vault.
type QuarantineConfig struct {
	Dir          string `yaml:"dir"` // empty = <state_dir>/quarantine
	MaxSizeBytes int64  `yaml:"max_size_bytes"`
}

// DefinitionsConfig configures signature definition updates.
type DefinitionsConfig struct {
	ManifestURL         string `yaml:"manifest_url"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds"`
	PublicKeyPath       string `yaml:"public_key_path,omitempty"` // manifest signature key; empty skips verification
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"` // e.g. 127.0.0.1:9477; empty disables
}

// Load reads and parses a vigil config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyZeroDefaults()
	return cfg, nil
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Version:  "1",
		StateDir: filepath.Join(home, ".vigil"),
		LogLevel: "info",
		Hosts: HostsConfig{
			DebounceMs:     1500,
			IgnoreWindowMs: 2000,
		},
		Watchers: WatcherConfig{
			PollSeconds: 6,
		},
		Scan: ScanConfig{
			PhaseDelayMs:  0,
			IntelBatchMax: 10,
		},
		Intelligence: IntelConfig{
			MinIntervalSeconds: 15,
			CacheMax:           512,
			TimeoutSeconds:     30,
		},
		Quarantine: QuarantineConfig{
			MaxSizeBytes: 100 << 20,
		},
		Definitions: DefinitionsConfig{
			FetchTimeoutSeconds: 10,
		},
	}
}

// applyZeroDefaults restores defaults that yaml zero values would erase.
func (c *Config) applyZeroDefaults() {
	d := Defaults()
	if c.StateDir == "" {
		c.StateDir = d.StateDir
	}
	if c.Hosts.DebounceMs <= 0 {
		c.Hosts.DebounceMs = d.Hosts.DebounceMs
	}
	if c.Hosts.IgnoreWindowMs <= 0 {
		c.Hosts.IgnoreWindowMs = d.Hosts.IgnoreWindowMs
	}
	if c.Watchers.PollSeconds <= 0 {
		c.Watchers.PollSeconds = d.Watchers.PollSeconds
	}
	if c.Scan.IntelBatchMax <= 0 {
		c.Scan.IntelBatchMax = d.Scan.IntelBatchMax
	}
	if c.Intelligence.MinIntervalSeconds <= 0 {
		c.Intelligence.MinIntervalSeconds = d.Intelligence.MinIntervalSeconds
	}
	if c.Intelligence.CacheMax <= 0 {
		c.Intelligence.CacheMax = d.Intelligence.CacheMax
	}
	if c.Intelligence.TimeoutSeconds <= 0 {
		c.Intelligence.TimeoutSeconds = d.Intelligence.TimeoutSeconds
	}
	if c.Quarantine.MaxSizeBytes <= 0 {
		c.Quarantine.MaxSizeBytes = d.Quarantine.MaxSizeBytes
	}
	if c.Definitions.FetchTimeoutSeconds <= 0 {
		c.Definitions.FetchTimeoutSeconds = d.Definitions.FetchTimeoutSeconds
	}
}

// QuarantineDir resolves the quarantine directory.
func (c *Config) QuarantineDir() string {
	if c.Quarantine.Dir != "" {
		return c.Quarantine.Dir
	}
	return filepath.Join(c.StateDir, "quarantine")
}

// DefinitionsDir resolves the definitions root directory.
func (c *Config) DefinitionsDir() string {
	return filepath.Join(c.StateDir, "definitions")
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Quarantine.MaxSizeBytes < 0 {
		return fmt.Errorf("quarantine max_size_bytes must be non-negative")
	}
	if c.Intelligence.MinIntervalSeconds < 1 {
		return fmt.Errorf("intelligence min_interval_seconds must be at least 1")
	}
	if c.Watchers.PollSeconds < 1 {
		return fmt.Errorf("watchers poll_seconds must be at least 1")
	}
	return nil
}
