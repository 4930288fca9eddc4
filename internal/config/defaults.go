package config

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	defaultConfigPath        = "~/.config/illustpub/config.toml"
	defaultBind              = "127.0.0.1:8080"
	defaultMediaDir          = "./storage/media"
	defaultPreviewDir        = "./storage/previews"
	defaultWorkDir           = "./storage/work"
	defaultLockDir           = "./storage/locks"
	defaultLogDir            = "./storage/logs"
	defaultAccountsFile      = "./accounts.yaml"
	defaultSQLitePath        = "./storage/catalogue.db"
	defaultResolutionBaseURL = "https://pixiv.chaosyn.com/api"
	defaultPlatformBaseURL   = "https://api.weixin.qq.com"
	defaultMaxBytes          = 9_961_472 // 9.5 MiB
	defaultTimeoutSeconds    = 30
	defaultRetries           = 2
	defaultRetryBackoffMS    = 250
	defaultWorkers           = 4
	defaultQueueSize         = 100
	defaultRetentionMinutes  = 30
	defaultSessionTTLMinutes = 120
	defaultWaitTimeout       = 60
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
)

// DefaultTiers is the resolution ladder, highest fidelity first.
var DefaultTiers = []string{"original", "regular", "small", "thumb_mini"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Server: Server{
			Bind:        defaultBind,
			CORSOrigins: []string{"*"},
		},
		Paths: Paths{
			MediaDir:     defaultMediaDir,
			PreviewDir:   defaultPreviewDir,
			WorkDir:      defaultWorkDir,
			LockDir:      defaultLockDir,
			LogDir:       defaultLogDir,
			AccountsFile: defaultAccountsFile,
		},
		Database: Database{
			Driver:     DriverSQLite,
			SQLitePath: defaultSQLitePath,
		},
		Resolution: Resolution{
			BaseURL:        defaultResolutionBaseURL,
			Tiers:          append([]string(nil), DefaultTiers...),
			MaxBytes:       defaultMaxBytes,
			TimeoutSeconds: defaultTimeoutSeconds,
			Retries:        defaultRetries,
			RetryBackoffMS: defaultRetryBackoffMS,
		},
		Platform: Platform{
			BaseURL:        defaultPlatformBaseURL,
			TimeoutSeconds: defaultTimeoutSeconds,
			Retries:        defaultRetries,
			RetryBackoffMS: defaultRetryBackoffMS,
		},
		Workers: Workers{
			Materialize: defaultWorkers,
			QueueSize:   defaultQueueSize,
		},
		Tasks: Tasks{
			RetentionMinutes:   defaultRetentionMinutes,
			SessionTTLMinutes:  defaultSessionTTLMinutes,
			WaitTimeoutSeconds: defaultWaitTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
