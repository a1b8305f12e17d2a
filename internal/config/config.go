// Copyright 2026 The Sandboxd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides sandboxd configuration: YAML file, environment
// overrides, and validated defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CA-git-com-co/ACGS-sub035/pkg/sandbox"
	"github.com/CA-git-com-co/ACGS-sub035/pkg/sandbox/audit"
)

// Config is the top-level sandboxd configuration.
type Config struct {
	Listen    ListenConfig           `yaml:"listen"`
	DataDir   string                 `yaml:"data_dir"`
	PIDFile   string                 `yaml:"pid_file"`
	Forensics ForensicsConfig        `yaml:"forensics"`
	Patterns  PatternsConfig         `yaml:"patterns"`
	Runtime   RuntimeConfig          `yaml:"runtime"`
	Monitor   MonitorConfig          `yaml:"monitor"`
	Reaper    ReaperConfig           `yaml:"reaper"`
	Policy    PolicyConfig           `yaml:"policy"`
	Defaults  sandbox.ResourceLimits `yaml:"default_limits"`
	RateLimit RateLimitConfig        `yaml:"rate_limit"`
	Audit     audit.Config           `yaml:"audit"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// DrainTimeout bounds waiting for in-flight executions at shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// ListenConfig configures how the daemon listens for connections.
type ListenConfig struct {
	// SocketPath is the Unix socket path. Takes precedence over TCPAddr.
	SocketPath string `yaml:"socket_path"`

	// TCPAddr is a host:port to listen on. Loopback only unless AllowRemote.
	TCPAddr string `yaml:"tcp_addr"`

	// AllowRemote permits binding to non-loopback addresses.
	AllowRemote bool `yaml:"allow_remote"`
}

// ForensicsConfig configures forensic snapshot storage.
type ForensicsConfig struct {
	// Dir receives exported environment snapshots.
	Dir string `yaml:"dir"`
}

// PatternsConfig configures the violation pattern table.
type PatternsConfig struct {
	// Path is the YAML pattern file. Empty means built-in defaults.
	Path string `yaml:"path"`

	// Watch reloads the pattern file on change.
	Watch bool `yaml:"watch"`
}

// RuntimeConfig configures the container runtime driver.
type RuntimeConfig struct {
	// Binary is "docker" or "podman". Empty means auto-detect.
	Binary string `yaml:"binary"`

	// Image is the sandbox container image.
	Image string `yaml:"image"`

	// MaxConcurrentOps bounds concurrent runtime CLI invocations.
	MaxConcurrentOps int `yaml:"max_concurrent_ops"`
}

// MonitorConfig configures the per-session monitor loop.
type MonitorConfig struct {
	// PollInterval is the inspection tick period.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ReaperConfig configures the orphan reaper.
type ReaperConfig struct {
	// Period is the sweep interval.
	Period time.Duration `yaml:"period"`

	// GracePeriod is post-deadline slack before a session counts as orphaned.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// PolicyConfig configures the external policy engine.
type PolicyConfig struct {
	// URL is the policy engine decision endpoint. Empty disables the engine
	// and allows all structurally valid requests.
	URL string `yaml:"url"`

	// Timeout bounds the policy-decision call.
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitConfig configures API rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the burst allowance.
	Burst int `yaml:"burst"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".sandboxd")
	return &Config{
		Listen: ListenConfig{
			SocketPath: filepath.Join(base, "sandboxd.sock"),
		},
		DataDir: filepath.Join(base, "data"),
		Forensics: ForensicsConfig{
			Dir: filepath.Join(base, "forensics"),
		},
		Patterns: PatternsConfig{
			Watch: true,
		},
		Runtime: RuntimeConfig{
			MaxConcurrentOps: 8,
		},
		Monitor: MonitorConfig{
			PollInterval: 2 * time.Second,
		},
		Reaper: ReaperConfig{
			Period:      30 * time.Second,
			GracePeriod: 60 * time.Second,
		},
		Policy: PolicyConfig{
			Timeout: 5 * time.Second,
		},
		Defaults: sandbox.ResourceLimits{
			MemoryMB:       128,
			CPUCores:       0.5,
			PIDLimit:       32,
			TimeoutSeconds: 30,
			FilesystemMode: sandbox.FilesystemReadOnlyWorkspace,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Audit: audit.Config{
			Destinations: []audit.DestinationConfig{
				{Type: "file", Path: filepath.Join(base, "audit", "audit.log")},
			},
		},
		ShutdownTimeout: 10 * time.Second,
		DrainTimeout:    60 * time.Second,
	}
}

// Load reads configuration from path (empty means defaults only), then
// applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies SANDBOXD_* environment overrides on top of file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("SANDBOXD_SOCKET"); v != "" {
		c.Listen.SocketPath = v
		c.Listen.TCPAddr = ""
	}
	if v := os.Getenv("SANDBOXD_TCP_ADDR"); v != "" {
		c.Listen.TCPAddr = v
		c.Listen.SocketPath = ""
	}
	if v := os.Getenv("SANDBOXD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SANDBOXD_FORENSICS_DIR"); v != "" {
		c.Forensics.Dir = v
	}
	if v := os.Getenv("SANDBOXD_PATTERNS"); v != "" {
		c.Patterns.Path = v
	}
	if v := os.Getenv("SANDBOXD_RUNTIME"); v != "" {
		c.Runtime.Binary = v
	}
	if v := os.Getenv("SANDBOXD_IMAGE"); v != "" {
		c.Runtime.Image = v
	}
	if v := os.Getenv("SANDBOXD_POLICY_URL"); v != "" {
		c.Policy.URL = v
	}
	if v := os.Getenv("SANDBOXD_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Monitor.PollInterval = d
		}
	}
	if v := os.Getenv("SANDBOXD_DEFAULT_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Defaults.TimeoutSeconds = n
		}
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Listen.SocketPath == "" && c.Listen.TCPAddr == "" {
		return fmt.Errorf("config: listen requires socket_path or tcp_addr")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.Forensics.Dir == "" {
		return fmt.Errorf("config: forensics.dir is required")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("config: monitor.poll_interval must be positive")
	}
	if c.Reaper.Period <= 0 {
		return fmt.Errorf("config: reaper.period must be positive")
	}
	if c.Reaper.GracePeriod <= 0 {
		return fmt.Errorf("config: reaper.grace_period must be positive")
	}
	if c.Defaults.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: default_limits.timeout_seconds must be positive")
	}
	if c.Defaults.MemoryMB <= 0 {
		return fmt.Errorf("config: default_limits.memory_mb must be positive")
	}
	if c.Defaults.CPUCores <= 0 {
		return fmt.Errorf("config: default_limits.cpu_cores must be positive")
	}
	if c.Policy.Timeout <= 0 {
		return fmt.Errorf("config: policy.timeout must be positive")
	}
	return nil
}

// EnsureDirs creates the directories the daemon writes to.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.Forensics.Dir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
