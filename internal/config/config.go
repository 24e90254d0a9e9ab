// Package config handles loading, validating, and writing the questlog
// configuration from ~/.questlog/config.yaml.
//
// The config defines:
//   - Event log location (events file, archive directory)
//   - Lock acquisition timeout for cross-process appends
//   - Query index toggle and sqlite database path
//   - Dashboard bind address (host:port)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level questlog configuration.
// Loaded from ~/.questlog/config.yaml, with sensible defaults for fields
// that are not explicitly set.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Index     IndexConfig     `yaml:"index"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// LogConfig defines where the event log lives and how appends behave.
// Relative paths resolve against the config directory.
type LogConfig struct {
	EventsPath string `yaml:"eventsPath"`
	ArchiveDir string `yaml:"archiveDir"`

	// LockTimeoutSeconds bounds how long an append waits for the
	// cross-process file lock. 0 means wait forever.
	LockTimeoutSeconds int `yaml:"lockTimeoutSeconds"`
}

// IndexConfig controls the sqlite query index. The JSONL log stays the
// source of truth; disabling the index only makes queries slower.
type IndexConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DashboardConfig controls the local web dashboard.
// Default: 127.0.0.1:3900 (loopback only — never bind to 0.0.0.0).
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Load reads and parses config.yaml from the given config directory.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(dir string) (*Config, error) {
	cfg := applyDefaults()

	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. This is normal on first run.
			cfg.resolve(dir)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.resolve(dir)
	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used when no config file exists yet.
func WriteDefault(dir string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# questlog configuration
#
# log:
#   eventsPath: Append-only JSONL event log (relative to this directory)
#   archiveDir: Where purged records are archived before removal
#   lockTimeoutSeconds: Max wait for the cross-process append lock (0 = forever)
#
# index:
#   enabled: Maintain a sqlite projection of the log for fast queries
#   path: Index database file
#
# dashboard:
#   enabled: Serve the local web UI
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3900)

`
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(header+string(data)), 0o644)
}

// DefaultDir returns the default config directory, ~/.questlog.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".questlog"
	}
	return filepath.Join(home, ".questlog")
}

// LockTimeout converts the configured seconds into a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Log.LockTimeoutSeconds) * time.Second
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Log: LogConfig{
			EventsPath:         "events.jsonl",
			ArchiveDir:         "archive",
			LockTimeoutSeconds: 10,
		},
		Index: IndexConfig{
			Enabled: true,
			Path:    "events.db",
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    3900,
		},
	}
}

// resolve anchors relative paths at the config directory so every command
// agrees on where the log lives regardless of the working directory.
func (c *Config) resolve(dir string) {
	if !filepath.IsAbs(c.Log.EventsPath) {
		c.Log.EventsPath = filepath.Join(dir, c.Log.EventsPath)
	}
	if !filepath.IsAbs(c.Log.ArchiveDir) {
		c.Log.ArchiveDir = filepath.Join(dir, c.Log.ArchiveDir)
	}
	if c.Index.Path != "" && !filepath.IsAbs(c.Index.Path) {
		c.Index.Path = filepath.Join(dir, c.Index.Path)
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Log.EventsPath == "" {
		return fmt.Errorf("log.eventsPath must not be empty")
	}
	if cfg.Log.LockTimeoutSeconds < 0 {
		return fmt.Errorf("log.lockTimeoutSeconds must be non-negative")
	}

	if cfg.Index.Enabled && cfg.Index.Path == "" {
		return fmt.Errorf("index.path is required when index.enabled is true")
	}

	if cfg.Dashboard.Enabled {
		if cfg.Dashboard.Host == "" {
			return fmt.Errorf("dashboard.host must not be empty")
		}
		if cfg.Dashboard.Port < 1 || cfg.Dashboard.Port > 65535 {
			return fmt.Errorf("dashboard.port %d out of range (1-65535)", cfg.Dashboard.Port)
		}
	}

	return nil
}
