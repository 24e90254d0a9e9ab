package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_NonexistentFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	// Verify defaults, resolved against the config directory.
	if cfg.Log.EventsPath != filepath.Join(dir, "events.jsonl") {
		t.Errorf("default events path: expected %s, got %q", filepath.Join(dir, "events.jsonl"), cfg.Log.EventsPath)
	}
	if cfg.Log.ArchiveDir != filepath.Join(dir, "archive") {
		t.Errorf("default archive dir: got %q", cfg.Log.ArchiveDir)
	}
	if cfg.Log.LockTimeoutSeconds != 10 {
		t.Errorf("default lock timeout: expected 10, got %d", cfg.Log.LockTimeoutSeconds)
	}
	if cfg.LockTimeout() != 10*time.Second {
		t.Errorf("LockTimeout: expected 10s, got %v", cfg.LockTimeout())
	}
	if !cfg.Index.Enabled {
		t.Error("default index: expected enabled")
	}
	if cfg.Index.Path != filepath.Join(dir, "events.db") {
		t.Errorf("default index path: got %q", cfg.Index.Path)
	}
	if !cfg.Dashboard.Enabled {
		t.Error("default dashboard: expected true")
	}
	if cfg.Dashboard.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Dashboard.Host)
	}
	if cfg.Dashboard.Port != 3900 {
		t.Errorf("default port: expected 3900, got %d", cfg.Dashboard.Port)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := `
log:
  eventsPath: "/var/lib/questlog/events.jsonl"
  archiveDir: "/var/lib/questlog/archive"
  lockTimeoutSeconds: 30
index:
  enabled: false
dashboard:
  enabled: false
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Log.EventsPath != "/var/lib/questlog/events.jsonl" {
		t.Errorf("absolute path should be kept as-is, got %q", cfg.Log.EventsPath)
	}
	if cfg.Log.LockTimeoutSeconds != 30 {
		t.Errorf("lock timeout: expected 30, got %d", cfg.Log.LockTimeoutSeconds)
	}
	if cfg.Index.Enabled {
		t.Error("index: expected disabled")
	}
	if cfg.Dashboard.Enabled {
		t.Error("dashboard: expected disabled")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(dir); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := `
log:
  lockTimeoutSeconds: 0
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	// Timeout overridden (0 = wait forever).
	if cfg.Log.LockTimeoutSeconds != 0 {
		t.Errorf("lock timeout: expected 0, got %d", cfg.Log.LockTimeoutSeconds)
	}
	// Events path should retain default, resolved to the config dir.
	if cfg.Log.EventsPath != filepath.Join(dir, "events.jsonl") {
		t.Errorf("events path should be default, got %q", cfg.Log.EventsPath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "empty events path",
			mutate:  func(c *Config) { c.Log.EventsPath = "" },
			wantErr: true,
		},
		{
			name:    "negative lock timeout",
			mutate:  func(c *Config) { c.Log.LockTimeoutSeconds = -1 },
			wantErr: true,
		},
		{
			name:    "index enabled without path",
			mutate:  func(c *Config) { c.Index.Path = "" },
			wantErr: true,
		},
		{
			name:    "dashboard port 0",
			mutate:  func(c *Config) { c.Dashboard.Port = 0 },
			wantErr: true,
		},
		{
			name:    "dashboard port 65536",
			mutate:  func(c *Config) { c.Dashboard.Port = 65536 },
			wantErr: true,
		},
		{
			name:    "empty dashboard host",
			mutate:  func(c *Config) { c.Dashboard.Host = "" },
			wantErr: true,
		},
		{
			name: "dashboard disabled skips bind checks",
			mutate: func(c *Config) {
				c.Dashboard.Enabled = false
				c.Dashboard.Port = 0
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := applyDefaults()
			tt.mutate(cfg)
			err := validate(cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()

	if err := WriteDefault(dir); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Log.LockTimeoutSeconds != 10 {
		t.Errorf("roundtrip lock timeout: expected 10, got %d", cfg.Log.LockTimeoutSeconds)
	}
	if !cfg.Index.Enabled {
		t.Error("roundtrip index: expected enabled")
	}
}
