package core

import (
	"time"

	"depot/internal/auth"
	"depot/internal/gc"
	"depot/internal/multipart"
	"depot/internal/storage"
)

type Config struct {
	DataDir       string
	Region        string
	Authenticator auth.AuthEngine
	Now           func() time.Time

	RootAccessKey string
	RootSecretKey string

	MinPartSize      int64
	MaxPartSize      int64
	LockTimeout      time.Duration
	LockPollInterval time.Duration

	// SkipLegacySignatureCheck accepts "AWS" header requests on the access
	// key alone.
	SkipLegacySignatureCheck bool
	CacheDisabled            bool

	GCInterval time.Duration
	UploadTTL  time.Duration
}

type ConfigOption func(*Config)

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithRegion(region string) ConfigOption {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

func WithClock(now func() time.Time) ConfigOption {
	return func(cfg *Config) {
		cfg.Now = now
	}
}

func WithRootCredentials(accessKey string, secretKey string) ConfigOption {
	return func(cfg *Config) {
		cfg.RootAccessKey = accessKey
		cfg.RootSecretKey = secretKey
	}
}

func WithPartSizeLimits(min int64, max int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MinPartSize = min
		cfg.MaxPartSize = max
	}
}

// WithLockTimeout sets how long a blob write waits for its lock and how
// often it retries meanwhile.
func WithLockTimeout(timeout time.Duration, poll time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.LockTimeout = timeout
		cfg.LockPollInterval = poll
	}
}

func WithLegacySignatureCheck(verify bool) ConfigOption {
	return func(cfg *Config) {
		cfg.SkipLegacySignatureCheck = !verify
	}
}

func WithCacheDisabled() ConfigOption {
	return func(cfg *Config) {
		cfg.CacheDisabled = true
	}
}

// WithGarbageCollection sets how often the collector sweeps and how long an
// initiated multipart upload may sit idle before it expires.
func WithGarbageCollection(interval time.Duration, uploadTTL time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.GCInterval = interval
		cfg.UploadTTL = uploadTTL
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		Region:           auth.DefaultRegion,
		Now:              time.Now,
		RootAccessKey:    auth.DefaultAccessKeyID,
		RootSecretKey:    auth.DefaultSecretAccessKey,
		MinPartSize:      multipart.MinPartSize,
		MaxPartSize:      multipart.MaxPartSize,
		LockTimeout:      storage.DefaultLockTimeout,
		LockPollInterval: storage.DefaultPollInterval,
		GCInterval:       gc.DefaultInterval,
		UploadTTL:        gc.DefaultUploadTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// withDefaults fills zero fields so a Config literal behaves like NewConfig.
func (cfg Config) withDefaults() Config {
	def := NewConfig()
	if cfg.Region == "" {
		cfg.Region = def.Region
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.RootAccessKey == "" || cfg.RootSecretKey == "" {
		cfg.RootAccessKey = def.RootAccessKey
		cfg.RootSecretKey = def.RootSecretKey
	}
	if cfg.MinPartSize <= 0 {
		cfg.MinPartSize = def.MinPartSize
	}
	if cfg.MaxPartSize <= 0 {
		cfg.MaxPartSize = def.MaxPartSize
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.LockPollInterval <= 0 {
		cfg.LockPollInterval = def.LockPollInterval
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = def.GCInterval
	}
	if cfg.UploadTTL <= 0 {
		cfg.UploadTTL = def.UploadTTL
	}
	return cfg
}
