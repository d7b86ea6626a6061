package convsvc

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadConfigMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen: ":9000"
max_upload_mb: 50
tool:
  path: /opt/docc2context
  timeout_seconds: 30
archive:
  max_entries: 1000
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Tool.Path != "/opt/docc2context" {
		t.Errorf("tool path = %q", cfg.Tool.Path)
	}
	if cfg.ToolTimeout() != 30*time.Second {
		t.Errorf("timeout = %v", cfg.ToolTimeout())
	}
	if cfg.Archive.MaxEntries != 1000 {
		t.Errorf("max_entries = %d", cfg.Archive.MaxEntries)
	}
	// Untouched keys keep their defaults.
	if cfg.Archive.MaxDepth != 32 {
		t.Errorf("max_depth default lost: %d", cfg.Archive.MaxDepth)
	}
	if cfg.MaxUploadBytes() != 50*1024*1024 {
		t.Errorf("upload bytes = %d", cfg.MaxUploadBytes())
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty tool path", func(c *Config) { c.Tool.Path = "" }},
		{"zero timeout", func(c *Config) { c.Tool.TimeoutSeconds = 0 }},
		{"empty workspace base", func(c *Config) { c.Workspace.Base = "" }},
		{"empty workspace prefix", func(c *Config) { c.Workspace.Prefix = "" }},
		{"zero upload limit", func(c *Config) { c.MaxUploadMB = 0 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }},
		{"zero entries", func(c *Config) { c.Archive.MaxEntries = 0 }},
		{"zero ratio", func(c *Config) { c.Archive.MaxRatio = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
