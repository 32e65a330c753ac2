package config

import (
	"errors"
	"fmt"
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/ifuryst/linkpost/pkg/logger"
)

const (
	DuplicateReplace = "replace"
	DuplicateReject  = "reject"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Logger     logger.Config    `yaml:"logger"`
	Queue      QueueConfig      `yaml:"queue"`
	Worker     WorkerConfig     `yaml:"worker"`
	LinkedIn   LinkedInConfig   `yaml:"linkedin"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Admin      AdminConfig      `yaml:"admin"`
	History    HistoryConfig    `yaml:"history"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	Mode            string        `yaml:"mode"`
	CertFile        string        `yaml:"cert_file"`
	KeyFile         string        `yaml:"key_file"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig is the Postgres holding publish history and connected
// LinkedIn accounts. When disabled, history is not recorded and accounts come
// from linkedin.accounts.
type DatabaseConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Type         string `yaml:"type"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	TimeZone     string `yaml:"timezone"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type RedisConfig struct {
	URL            string        `yaml:"url"`
	PoolSize       int           `yaml:"pool_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type QueueConfig struct {
	// KeyPrefix namespaces every Redis key: {<prefix>:queue}:*, <prefix>:registry:*
	KeyPrefix     string        `yaml:"key_prefix"`
	Retention     time.Duration `yaml:"retention"`
	CleanSchedule string        `yaml:"clean_schedule"`
	CleanBatch    int           `yaml:"clean_batch"`
}

func (c QueueConfig) QueuePrefix() string    { return c.KeyPrefix + ":queue" }
func (c QueueConfig) RegistryPrefix() string { return c.KeyPrefix + ":registry" }
func (c QueueConfig) EventStream() string    { return c.KeyPrefix + ":events" }

type WorkerConfig struct {
	// Embedded runs the worker inside the serve process
	Embedded       bool          `yaml:"embedded"`
	Concurrency    int           `yaml:"concurrency"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	LockDuration   time.Duration `yaml:"lock_duration"`
	StallInterval  time.Duration `yaml:"stall_interval"`
	MaxStalled     *int          `yaml:"max_stalled"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	EventStreamLen int64         `yaml:"event_stream_max_len"`
}

type LinkedInConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIVersion      string        `yaml:"api_version"`
	Visibility      string        `yaml:"visibility"`
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`

	// Accounts are static credentials keyed by user id, used when the
	// database is disabled.
	Accounts map[string]LinkedInAccountConfig `yaml:"accounts"`
}

type LinkedInAccountConfig struct {
	MemberURN   string `yaml:"member_urn"`
	AccessToken string `yaml:"access_token"`
}

type SchedulingConfig struct {
	DuplicatePolicy string `yaml:"duplicate_policy"`
}

type AdminConfig struct {
	Token      string `yaml:"token"`
	TOTPSecret string `yaml:"totp_secret"`
}

type HistoryConfig struct {
	RetentionDays int    `yaml:"retention_days"`
	CleanSchedule string `yaml:"clean_schedule"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied, as if loaded from an
// empty file.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (cfg *Config) setDefaults() {
	// Set default values
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5334
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}

	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Redis.ConnectTimeout == 0 {
		cfg.Redis.ConnectTimeout = 30 * time.Second
	}

	if cfg.Queue.KeyPrefix == "" {
		cfg.Queue.KeyPrefix = "linkpost"
	}
	if cfg.Queue.Retention == 0 {
		cfg.Queue.Retention = 7 * 24 * time.Hour
	}
	if cfg.Queue.CleanSchedule == "" {
		cfg.Queue.CleanSchedule = "0 * * * *"
	}
	if cfg.Queue.CleanBatch == 0 {
		cfg.Queue.CleanBatch = 1000
	}

	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = time.Second
	}
	if cfg.Worker.LockDuration == 0 {
		cfg.Worker.LockDuration = 30 * time.Second
	}
	if cfg.Worker.StallInterval == 0 {
		cfg.Worker.StallInterval = 30 * time.Second
	}
	if cfg.Worker.MaxStalled == nil {
		maxStalled := 1
		cfg.Worker.MaxStalled = &maxStalled
	}
	if cfg.Worker.PublishTimeout == 0 {
		cfg.Worker.PublishTimeout = 30 * time.Second
	}
	if cfg.Worker.MaxAttempts == 0 {
		cfg.Worker.MaxAttempts = 1
	}
	if cfg.Worker.BackoffInitial == 0 {
		cfg.Worker.BackoffInitial = 5 * time.Second
	}
	if cfg.Worker.BackoffMax == 0 {
		cfg.Worker.BackoffMax = 5 * time.Minute
	}
	if cfg.Worker.EventStreamLen == 0 {
		cfg.Worker.EventStreamLen = 10000
	}

	if cfg.LinkedIn.BaseURL == "" {
		cfg.LinkedIn.BaseURL = "https://api.linkedin.com"
	}
	if cfg.LinkedIn.APIVersion == "" {
		cfg.LinkedIn.APIVersion = "202401"
	}
	if cfg.LinkedIn.Visibility == "" {
		cfg.LinkedIn.Visibility = "PUBLIC"
	}
	if cfg.LinkedIn.Timeout == 0 {
		cfg.LinkedIn.Timeout = 30 * time.Second
	}
	if cfg.LinkedIn.BreakerFailures == 0 {
		cfg.LinkedIn.BreakerFailures = 5
	}
	if cfg.LinkedIn.BreakerCooldown == 0 {
		cfg.LinkedIn.BreakerCooldown = time.Minute
	}

	if cfg.Scheduling.DuplicatePolicy == "" {
		cfg.Scheduling.DuplicatePolicy = DuplicateReplace
	}

	if cfg.History.RetentionDays == 0 {
		cfg.History.RetentionDays = 90
	}
	if cfg.History.CleanSchedule == "" {
		cfg.History.CleanSchedule = "30 3 * * *"
	}
}

// Validate reports every invalid setting at once.
func (cfg *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(cfg.Server.Port > 0 && cfg.Server.Port < 65536, "server.port %d out of range", cfg.Server.Port)
	check(cfg.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")
	check(cfg.Redis.URL != "", "redis.url is required")
	check(cfg.Queue.Retention > 0, "queue.retention must be positive")
	check(cfg.Worker.Concurrency > 0, "worker.concurrency must be at least 1")
	check(cfg.Worker.PollInterval > 0, "worker.poll_interval must be positive")
	check(cfg.Worker.LockDuration >= time.Second, "worker.lock_duration must be at least 1s")
	check(cfg.Worker.StallInterval > 0, "worker.stall_interval must be positive")
	check(cfg.Worker.MaxStalled != nil && *cfg.Worker.MaxStalled >= 0, "worker.max_stalled must not be negative")
	check(cfg.Worker.PublishTimeout > 0, "worker.publish_timeout must be positive")
	check(cfg.Worker.MaxAttempts > 0, "worker.max_attempts must be at least 1")
	check(cfg.Worker.BackoffMax >= cfg.Worker.BackoffInitial, "worker.backoff_max must not be below worker.backoff_initial")
	check(cfg.Scheduling.DuplicatePolicy == DuplicateReplace || cfg.Scheduling.DuplicatePolicy == DuplicateReject,
		"scheduling.duplicate_policy must be %q or %q, got %q", DuplicateReplace, DuplicateReject, cfg.Scheduling.DuplicatePolicy)
	check(cfg.History.RetentionDays > 0, "history.retention_days must be positive")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
