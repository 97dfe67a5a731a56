// Package config loads service configuration from defaults, a YAML file and
// HERALD_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are joined
// with a double underscore: HERALD_WORKER__POLL_INTERVAL=10s.
const EnvPrefix = "HERALD_"

// Storage drivers.
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Sender providers.
const (
	ProviderSMTP  = "smtp"
	ProviderHTTP  = "http"
	ProviderInbox = "inbox"
	ProviderMock  = "mock"
	ProviderNone  = "none"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Log      LogConfig      `koanf:"log"`
	Auth     AuthConfig     `koanf:"auth"`
	Worker   WorkerConfig   `koanf:"worker"`
	Retry    RetryConfig    `koanf:"retry"`
	Jobs     JobsConfig     `koanf:"jobs"`
	Email    EmailConfig    `koanf:"email"`
	SMS      SMSConfig      `koanf:"sms"`
	Push     PushConfig     `koanf:"push"`
	InApp    InAppConfig    `koanf:"inapp"`
}

// ServerConfig configures the HTTP API and metrics listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"min=0"`
}

// StorageConfig selects the queue store.
type StorageConfig struct {
	Driver string `koanf:"driver" validate:"oneof=postgres memory"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"min=1"`
	// MigrateOnStart applies embedded migrations before serving.
	MigrateOnStart bool `koanf:"migrate_on_start"`
}

// RedisConfig configures realtime fan-out. An empty URL disables it.
type RedisConfig struct {
	URL             string `koanf:"url"`
	PoolSize        int    `koanf:"pool_size" validate:"min=0"`
	ConnectAttempts int    `koanf:"connect_attempts" validate:"min=1"`
	StreamLength    int64  `koanf:"stream_length" validate:"min=0"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	SecretKey     string        `koanf:"secret_key" validate:"required"`
	Issuer        string        `koanf:"issuer"`
	TokenDuration time.Duration `koanf:"token_duration" validate:"gt=0"`
}

// WorkerConfig configures the delivery engine.
type WorkerConfig struct {
	Enabled      bool          `koanf:"enabled"`
	BatchSize    int           `koanf:"batch_size" validate:"min=1"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
	MaxRetries   int           `koanf:"max_retries" validate:"min=1"`
	StuckTimeout time.Duration `koanf:"stuck_timeout" validate:"gt=0"`
}

// RetryConfig configures backoff between delivery attempts. Computed delays
// are always capped at 60 minutes.
type RetryConfig struct {
	DelayBase time.Duration `koanf:"delay_base" validate:"gt=0,lte=1h"`
}

// JobsConfig configures reconciliation schedules. An empty schedule disables the job.
type JobsConfig struct {
	Enabled           bool          `koanf:"enabled"`
	PromoteScheduled  string        `koanf:"promote_scheduled"`
	PromoteFailed     string        `koanf:"promote_failed"`
	PurgeExpiredInApp string        `koanf:"purge_expired_in_app"`
	RecoverStuck      string        `koanf:"recover_stuck"`
	Attempts          int           `koanf:"attempts" validate:"min=1"`
	RetryDelay        time.Duration `koanf:"retry_delay" validate:"min=0"`
	Timeout           time.Duration `koanf:"timeout" validate:"gt=0"`
}

// EmailConfig configures the email sender.
type EmailConfig struct {
	Provider     string `koanf:"provider" validate:"oneof=smtp mock none"`
	SMTPHost     string `koanf:"smtp_host" validate:"required_if=Provider smtp"`
	SMTPPort     int    `koanf:"smtp_port" validate:"min=0,max=65535"`
	SMTPUser     string `koanf:"smtp_user"`
	SMTPPassword string `koanf:"smtp_password"`
	FromAddress  string `koanf:"from_address" validate:"required_if=Provider smtp"`
	HTML         bool   `koanf:"html"`
}

// GatewayConfig configures an HTTP delivery provider.
type GatewayConfig struct {
	URL       string        `koanf:"url" validate:"omitempty,url"`
	APIKey    string        `koanf:"api_key"`
	RateLimit float64       `koanf:"rate_limit" validate:"min=0"`
	Burst     int           `koanf:"burst" validate:"min=0"`
	Timeout   time.Duration `koanf:"timeout"`
}

// SMSConfig configures the SMS sender.
type SMSConfig struct {
	Provider string        `koanf:"provider" validate:"oneof=http mock none"`
	Gateway  GatewayConfig `koanf:"gateway"`
	SenderID string        `koanf:"sender_id"`
}

// PushConfig configures the push sender.
type PushConfig struct {
	Provider     string        `koanf:"provider" validate:"oneof=http mock none"`
	Gateway      GatewayConfig `koanf:"gateway"`
	DefaultTitle string        `koanf:"default_title"`
}

// InAppConfig configures the in-app inbox sender.
type InAppConfig struct {
	Provider string        `koanf:"provider" validate:"oneof=inbox mock none"`
	TTL      time.Duration `koanf:"ttl" validate:"gt=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{Driver: StorageDriverPostgres},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Redis: RedisConfig{
			ConnectAttempts: 3,
			StreamLength:    100,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Auth: AuthConfig{
			Issuer:        "herald",
			TokenDuration: 24 * time.Hour,
		},
		Worker: WorkerConfig{
			Enabled:      true,
			BatchSize:    50,
			PollInterval: 30 * time.Second,
			MaxRetries:   3,
			StuckTimeout: 15 * time.Minute,
		},
		Retry: RetryConfig{
			DelayBase: 5 * time.Minute,
		},
		Jobs: JobsConfig{
			Enabled:           true,
			PromoteScheduled:  "@every 1m",
			PromoteFailed:     "@every 5m",
			PurgeExpiredInApp: "@hourly",
			RecoverStuck:      "@every 5m",
			Attempts:          3,
			RetryDelay:        10 * time.Second,
			Timeout:           2 * time.Minute,
		},
		Email: EmailConfig{Provider: ProviderMock, SMTPPort: 587},
		SMS: SMSConfig{
			Provider: ProviderMock,
			Gateway:  GatewayConfig{RateLimit: 10, Burst: 1, Timeout: 10 * time.Second},
		},
		Push: PushConfig{
			Provider:     ProviderMock,
			Gateway:      GatewayConfig{RateLimit: 50, Burst: 10, Timeout: 10 * time.Second},
			DefaultTitle: "Notification",
		},
		InApp: InAppConfig{
			Provider: ProviderInbox,
			TTL:      30 * 24 * time.Hour,
		},
	}
}

// Load reads configuration. path may be empty to skip the YAML file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps HERALD_WORKER__POLL_INTERVAL to worker.poll_interval.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Validate checks field constraints and cross-section requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Storage.Driver == StorageDriverPostgres && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required for the postgres storage driver"))
	}
	if c.SMS.Provider == ProviderHTTP && c.SMS.Gateway.URL == "" {
		errs = append(errs, errors.New("sms.gateway.url is required for the http provider"))
	}
	if c.Push.Provider == ProviderHTTP && c.Push.Gateway.URL == "" {
		errs = append(errs, errors.New("push.gateway.url is required for the http provider"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
