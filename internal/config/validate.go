package config

import (
	"errors"
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	paths := []*string{
		&c.Paths.MediaDir,
		&c.Paths.PreviewDir,
		&c.Paths.WorkDir,
		&c.Paths.LockDir,
		&c.Paths.LogDir,
		&c.Paths.AccountsFile,
		&c.Database.SQLitePath,
	}
	for _, p := range paths {
		expanded, err := expandPath(strings.TrimSpace(*p))
		if err != nil {
			return err
		}
		*p = expanded
	}

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Resolution.BaseURL = strings.TrimRight(strings.TrimSpace(c.Resolution.BaseURL), "/")
	c.Platform.BaseURL = strings.TrimRight(strings.TrimSpace(c.Platform.BaseURL), "/")

	tiers := make([]string, 0, len(c.Resolution.Tiers))
	for _, tier := range c.Resolution.Tiers {
		if tier = strings.TrimSpace(tier); tier != "" {
			tiers = append(tiers, tier)
		}
	}
	c.Resolution.Tiers = tiers

	if c.Workers.Materialize <= 0 {
		c.Workers.Materialize = defaultWorkers
	}
	if c.Workers.QueueSize <= 0 {
		c.Workers.QueueSize = defaultQueueSize
	}
	return nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			return errors.New("database.url is required for the postgres driver (or set DATABASE_URL)")
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return errors.New("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver: unsupported value %q", c.Database.Driver)
	}

	if len(c.Resolution.Tiers) == 0 {
		return errors.New("resolution.tiers must list at least one tier")
	}
	seen := make(map[string]struct{}, len(c.Resolution.Tiers))
	for _, tier := range c.Resolution.Tiers {
		if _, dup := seen[tier]; dup {
			return fmt.Errorf("resolution.tiers: duplicate tier %q", tier)
		}
		seen[tier] = struct{}{}
	}
	if c.Resolution.MaxBytes <= 0 {
		return errors.New("resolution.max_bytes must be positive")
	}
	if c.Resolution.BaseURL == "" {
		return errors.New("resolution.base_url is required")
	}
	if c.Platform.BaseURL == "" {
		return errors.New("platform.base_url is required")
	}
	if c.Resolution.TimeoutSeconds <= 0 || c.Platform.TimeoutSeconds <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Resolution.Retries < 0 || c.Platform.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	if c.Tasks.RetentionMinutes <= 0 {
		return errors.New("tasks.retention_minutes must be positive")
	}
	if c.Tasks.SessionTTLMinutes <= 0 {
		return errors.New("tasks.session_ttl_minutes must be positive")
	}
	if c.Tasks.WaitTimeoutSeconds <= 0 {
		return errors.New("tasks.wait_timeout_seconds must be positive")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}
