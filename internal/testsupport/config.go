// Package testsupport provides shared fixtures for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"illustpub/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The catalogue always uses an embedded sqlite file under the temp dir.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Server.Bind = "127.0.0.1:0"
	cfgVal.Paths.MediaDir = filepath.Join(base, "media")
	cfgVal.Paths.PreviewDir = filepath.Join(base, "previews")
	cfgVal.Paths.WorkDir = filepath.Join(base, "work")
	cfgVal.Paths.LockDir = filepath.Join(base, "locks")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.AccountsFile = filepath.Join(base, "accounts.yaml")
	cfgVal.Database.Driver = config.DriverSQLite
	cfgVal.Database.SQLitePath = filepath.Join(base, "catalogue.db")
	cfgVal.Resolution.RetryBackoffMS = 1
	cfgVal.Platform.RetryBackoffMS = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithResolutionURL points the resolution client at a test server.
func WithResolutionURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Resolution.BaseURL = url
	}
}

// WithPlatformURL points the content platform client at a test server.
func WithPlatformURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Platform.BaseURL = url
	}
}

// WithMaxBytes overrides the materialization size ceiling.
func WithMaxBytes(n int64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Resolution.MaxBytes = n
	}
}

// WithTiers overrides the resolution ladder.
func WithTiers(tiers ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Resolution.Tiers = append([]string(nil), tiers...)
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.MediaDir)
}
