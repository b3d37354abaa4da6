// Package config loads the top-level gateway configuration. Defaults are
// built first and the YAML file overlays them, so a partial config file is
// always valid and a missing one yields a working local setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/capgate/internal/sandbox"
)

// AuditConfig controls the audit log location and rotation.
type AuditConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
	MaxFiles int    `yaml:"max_files"`
}

// LimitsConfig mirrors sandbox.Limits in file-friendly units.
type LimitsConfig struct {
	TimeoutSeconds  int   `yaml:"timeout_seconds"`
	MaxSubprocesses int   `yaml:"max_subprocesses"`
	MaxOutputBytes  int64 `yaml:"max_output_bytes"`
	CPUSeconds      int   `yaml:"cpu_seconds"`
	MemoryMB        int   `yaml:"memory_mb"`
	MaxFileSizeMB   int   `yaml:"max_file_size_mb"`
}

// Config is the gateway configuration.
type Config struct {
	SafeMode bool `yaml:"safe_mode"`

	PolicyPath   string   `yaml:"policy_path"`
	ManifestDir  string   `yaml:"manifest_dir"`
	AllowPlugins []string `yaml:"allow_plugins"`

	WorkspaceRoot    string   `yaml:"workspace_root"`
	AllowedReadPaths []string `yaml:"allowed_read_paths"`

	StateDir string      `yaml:"state_dir"`
	Audit    AuditConfig `yaml:"audit"`

	Limits LimitsConfig `yaml:"limits"`

	MaxConcurrent     int `yaml:"max_concurrent"`
	ConfirmTTLMinutes int `yaml:"confirm_ttl_minutes"`
}

// Default returns the built-in configuration rooted at baseDir.
func Default(baseDir string) *Config {
	dl := sandbox.DefaultLimits()
	return &Config{
		SafeMode:      true,
		PolicyPath:    filepath.Join(baseDir, "policy.yaml"),
		ManifestDir:   filepath.Join(baseDir, "plugins"),
		WorkspaceRoot: filepath.Join(baseDir, "workspace"),
		StateDir:      filepath.Join(baseDir, "state"),
		Audit: AuditConfig{
			Dir:      filepath.Join(baseDir, "audit"),
			MaxBytes: 32 << 20,
			MaxFiles: 10,
		},
		Limits: LimitsConfig{
			TimeoutSeconds:  int(dl.Timeout / time.Second),
			MaxSubprocesses: dl.MaxSubprocesses,
			MaxOutputBytes:  dl.MaxOutputBytes,
			CPUSeconds:      dl.CPUSeconds,
			MemoryMB:        dl.MemoryMB,
			MaxFileSizeMB:   dl.MaxFileSizeMB,
		},
		MaxConcurrent:     16,
		ConfirmTTLMinutes: 15,
	}
}

// Load reads configuration from path, overlaying the defaults rooted at
// the config file's directory. A missing file returns pure defaults
// rooted at baseDir; malformed YAML is an error.
func Load(path, baseDir string) (*Config, error) {
	cfg := Default(baseDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("config: workspace_root is required")
	}
	if c.Audit.Dir == "" {
		return fmt.Errorf("config: audit.dir is required")
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("config: max_concurrent must not be negative")
	}
	return nil
}

// SandboxLimits converts the file representation to enforcer limits.
// Zero values defer to the enforcer's defaults.
func (c *Config) SandboxLimits() sandbox.Limits {
	return sandbox.Limits{
		Timeout:         time.Duration(c.Limits.TimeoutSeconds) * time.Second,
		MaxSubprocesses: c.Limits.MaxSubprocesses,
		MaxOutputBytes:  c.Limits.MaxOutputBytes,
		CPUSeconds:      c.Limits.CPUSeconds,
		MemoryMB:        c.Limits.MemoryMB,
		MaxFileSizeMB:   c.Limits.MaxFileSizeMB,
	}
}

// ConfirmTTL returns the confirmation time-to-live.
func (c *Config) ConfirmTTL() time.Duration {
	return time.Duration(c.ConfirmTTLMinutes) * time.Minute
}

// StorePath returns the confirmation database path under the state dir.
func (c *Config) StorePath() string {
	return filepath.Join(c.StateDir, "confirmations.db")
}
