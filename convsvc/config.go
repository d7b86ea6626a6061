package convsvc

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/doccmill/sandbox"
)

// Config holds the full conversion service configuration.
type Config struct {
	Listen string `yaml:"listen"`

	Tool      ToolConfig      `yaml:"tool"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Workspace WorkspaceConfig `yaml:"workspace"`

	MaxConcurrent int    `yaml:"max_concurrent"`
	MaxUploadMB   int    `yaml:"max_upload_mb"`
	ObsDBPath     string `yaml:"obs_db_path"`
	LogLevel      string `yaml:"log_level"`
}

// ToolConfig configures the sandboxed conversion tool.
type ToolConfig struct {
	Path           string   `yaml:"path"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MemoryLimitMB  int      `yaml:"memory_limit_mb"`
	EnvWhitelist   []string `yaml:"env_whitelist"`
}

// ArchiveConfig configures extraction limits.
type ArchiveConfig struct {
	MaxEntries        int   `yaml:"max_entries"`
	MaxDepth          int   `yaml:"max_depth"`
	MaxDecompressedMB int   `yaml:"max_decompressed_mb"`
	MaxRatio          int64 `yaml:"max_ratio"`
	RejectHidden      bool  `yaml:"reject_hidden"`
	AllowNested       bool  `yaml:"allow_nested"`
}

// WorkspaceConfig configures the ephemeral workspace area.
type WorkspaceConfig struct {
	Base               string `yaml:"base"`
	Prefix             string `yaml:"prefix"`
	SweepMinAgeMinutes int    `yaml:"sweep_min_age_minutes"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ":8090",
		Tool: ToolConfig{
			Path:           "/usr/local/bin/docc2context",
			TimeoutSeconds: 60,
			MemoryLimitMB:  0,
			EnvWhitelist:   sandbox.DefaultEnvWhitelist,
		},
		Archive: ArchiveConfig{
			MaxEntries:        5000,
			MaxDepth:          32,
			MaxDecompressedMB: 500,
			MaxRatio:          5,
			RejectHidden:      true,
		},
		Workspace: WorkspaceConfig{
			Base:               "workspaces",
			Prefix:             "doccmill",
			SweepMinAgeMinutes: 60,
		},
		MaxConcurrent: 4,
		MaxUploadMB:   100,
		ObsDBPath:     "db/observability.db",
		LogLevel:      "info",
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Tool.Path == "" {
		return fmt.Errorf("tool.path is required")
	}
	if c.Tool.TimeoutSeconds <= 0 {
		return fmt.Errorf("tool.timeout_seconds must be > 0")
	}
	if c.Workspace.Base == "" {
		return fmt.Errorf("workspace.base is required")
	}
	if c.Workspace.Prefix == "" {
		return fmt.Errorf("workspace.prefix is required")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be > 0")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be > 0")
	}
	if c.Archive.MaxEntries <= 0 {
		return fmt.Errorf("archive.max_entries must be > 0")
	}
	if c.Archive.MaxDepth <= 0 {
		return fmt.Errorf("archive.max_depth must be > 0")
	}
	if c.Archive.MaxDecompressedMB <= 0 {
		return fmt.Errorf("archive.max_decompressed_mb must be > 0")
	}
	if c.Archive.MaxRatio <= 0 {
		return fmt.Errorf("archive.max_ratio must be > 0")
	}
	return nil
}

// MaxUploadBytes returns the upload ceiling in bytes.
func (c *Config) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) * 1024 * 1024 }

// MaxDecompressedBytes returns the absolute decompression cap in bytes.
func (c *Config) MaxDecompressedBytes() int64 {
	return int64(c.Archive.MaxDecompressedMB) * 1024 * 1024
}

// ToolTimeout returns the subprocess timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Tool.TimeoutSeconds) * time.Second
}

// MemoryLimitBytes returns the subprocess address-space ceiling, 0 = unlimited.
func (c *Config) MemoryLimitBytes() int64 {
	return int64(c.Tool.MemoryLimitMB) * 1024 * 1024
}

// SweepMinAge returns the minimum age an orphaned workspace must reach
// before the startup sweep removes it.
func (c *Config) SweepMinAge() time.Duration {
	return time.Duration(c.Workspace.SweepMinAgeMinutes) * time.Minute
}
