package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Server contains HTTP listener settings.
type Server struct {
	Bind        string   `toml:"bind"`
	CORSOrigins []string `toml:"cors_origins"`
}

// Paths contains directories used by the pipeline.
type Paths struct {
	MediaDir     string `toml:"media_dir"`
	PreviewDir   string `toml:"preview_dir"`
	WorkDir      string `toml:"work_dir"`
	LockDir      string `toml:"lock_dir"`
	LogDir       string `toml:"log_dir"`
	AccountsFile string `toml:"accounts_file"`
}

// Database selects the catalogue backend.
type Database struct {
	Driver     string `toml:"driver"`
	URL        string `toml:"url"`
	SQLitePath string `toml:"sqlite_path"`
}

// Resolution configures the image resolution service and the tier ladder.
type Resolution struct {
	BaseURL        string   `toml:"base_url"`
	Tiers          []string `toml:"tiers"`
	MaxBytes       int64    `toml:"max_bytes"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	Retries        int      `toml:"retries"`
	RetryBackoffMS int      `toml:"retry_backoff_ms"`
}

// Platform configures the content platform API.
type Platform struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Retries        int    `toml:"retries"`
	RetryBackoffMS int    `toml:"retry_backoff_ms"`
}

// Workers sizes the materialization pool.
type Workers struct {
	Materialize int `toml:"materialize"`
	QueueSize   int `toml:"queue_size"`
}

// Tasks controls progress tracker retention, curation session expiry and
// caller-side waiting.
type Tasks struct {
	RetentionMinutes   int `toml:"retention_minutes"`
	SessionTTLMinutes  int `toml:"session_ttl_minutes"`
	WaitTimeoutSeconds int `toml:"wait_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values.
type Config struct {
	Server     Server     `toml:"server"`
	Paths      Paths      `toml:"paths"`
	Database   Database   `toml:"database"`
	Resolution Resolution `toml:"resolution"`
	Platform   Platform   `toml:"platform"`
	Workers    Workers    `toml:"workers"`
	Tasks      Tasks      `toml:"tasks"`
	Logging    Logging    `toml:"logging"`
}

// Load locates, parses, and validates a configuration file. A missing file is
// not an error; defaults plus environment overrides are used instead.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("illustpub.toml")
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		c.Database.URL = v
		if os.Getenv("ILLUSTPUB_DB_DRIVER") == "" {
			c.Database.Driver = DriverPostgres
		}
	}
	if v := strings.TrimSpace(os.Getenv("ILLUSTPUB_DB_DRIVER")); v != "" {
		c.Database.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("ILLUSTPUB_BIND")); v != "" {
		c.Server.Bind = v
	}
}

// EnsureDirectories creates the directories the pipeline writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.MediaDir, c.Paths.PreviewDir, c.Paths.WorkDir, c.Paths.LockDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Database.Driver == DriverSQLite && c.Database.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(c.Database.SQLitePath), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	return nil
}

// ResolutionTimeout returns the per-request timeout for the resolution service.
func (c *Config) ResolutionTimeout() time.Duration {
	return time.Duration(c.Resolution.TimeoutSeconds) * time.Second
}

// PlatformTimeout returns the per-request timeout for the content platform.
func (c *Config) PlatformTimeout() time.Duration {
	return time.Duration(c.Platform.TimeoutSeconds) * time.Second
}

// TaskRetention is how long finished tasks stay pollable.
func (c *Config) TaskRetention() time.Duration {
	return time.Duration(c.Tasks.RetentionMinutes) * time.Minute
}

// SessionTTL is how long an untouched curation session is kept.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Tasks.SessionTTLMinutes) * time.Minute
}

// WaitTimeout is the caller-observed bound on waiting for a task.
func (c *Config) WaitTimeout() time.Duration {
	return time.Duration(c.Tasks.WaitTimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// DefaultPath is the user-level configuration location.
func DefaultPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
