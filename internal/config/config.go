// Package config loads runtime settings from the environment, an optional
// .env file and an optional config file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable, e.g. GARMAX_PORT.
const EnvPrefix = "GARMAX"

// Config captures the runtime configuration for the Garmax backend service.
type Config struct {
	AppPort       int
	DatabaseURL   string
	DBMaxConns    int32
	MigrationDir  string
	SeedDir       string
	LogLevel      string
	ShutdownGrace time.Duration

	ObjectStore ObjectStoreConfig
	AMQP        AMQPConfig
	Redis       RedisConfig
	Pricing     PricingConfig
	Session     SessionConfig
	Workers     WorkerConfig
	Webhooks    WebhookConfig
	Batch       BatchConfig
	Gemini      GeminiConfig
	RateLimit   RateLimitConfig
}

// ObjectStoreConfig points at the S3-compatible bucket for previews, renders
// and batch manifests. An empty bucket selects in-memory storage.
type ObjectStoreConfig struct {
	Bucket        string
	Region        string
	Endpoint      string
	PublicBaseURL string
}

// AMQPConfig names the broker and queues. An empty URL keeps stage jobs on
// the in-process worker pool and guidance on the local processor.
type AMQPConfig struct {
	URL                  string
	StageQueue           string
	GuidanceRequestQueue string
	GuidanceEventQueue   string
	Prefetch             int
}

// RedisConfig enables the cross-instance status relay when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// PricingConfig holds the credit cost of each tier.
type PricingConfig struct {
	Standard         int64
	HD               int64
	Ultra            int64
	UpgradeSurcharge int64
}

// SessionConfig controls the confirmation step and stage supervision.
type SessionConfig struct {
	ConfirmationWindow  time.Duration
	TimeoutPolicy       string
	RequireConfirmation bool
	StageTimeout        time.Duration
	SweepInterval       time.Duration
	ReconcileInterval   time.Duration
}

// WorkerConfig sizes the in-process stage worker pool.
type WorkerConfig struct {
	Count       int
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	JobTimeout  time.Duration
}

// WebhookConfig tunes enterprise webhook delivery.
type WebhookConfig struct {
	Workers       int
	MaxAttempts   int
	BaseBackoff   time.Duration
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// BatchConfig enables batched rendering when Enabled is true.
type BatchConfig struct {
	Enabled       bool
	MaxSize       int
	FlushInterval time.Duration
}

// GeminiConfig selects the AI renderer. An empty APIKey selects the local
// stub renderer.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Concurrency int
	Timeout     time.Duration
}

// RateLimitConfig limits API requests per client IP.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	Burst    int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("database_url", "")
	v.SetDefault("db_max_conns", 10)
	v.SetDefault("migrations", "migrations")
	v.SetDefault("seeds", "seeds")
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_grace", 15*time.Second)

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.public_base_url", "")

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.stage_queue", "garmax.stage-jobs")
	v.SetDefault("amqp.guidance_request_queue", "garmax.smpl-requests")
	v.SetDefault("amqp.guidance_event_queue", "garmax.smpl-events")
	v.SetDefault("amqp.prefetch", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "garmax.session-events")

	v.SetDefault("pricing.standard", 10)
	v.SetDefault("pricing.hd", 20)
	v.SetDefault("pricing.ultra", 30)
	v.SetDefault("pricing.upgrade_surcharge", 5)

	v.SetDefault("session.confirmation_window", 30*time.Second)
	v.SetDefault("session.timeout_policy", "auto_approve")
	v.SetDefault("session.require_confirmation", true)
	v.SetDefault("session.stage_timeout", 600*time.Second)
	v.SetDefault("session.sweep_interval", 30*time.Second)
	v.SetDefault("session.reconcile_interval", time.Minute)

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.queue_size", 256)
	v.SetDefault("workers.max_attempts", 3)
	v.SetDefault("workers.retry_delay", 2*time.Second)
	v.SetDefault("workers.job_timeout", time.Minute)

	v.SetDefault("webhooks.workers", 4)
	v.SetDefault("webhooks.max_attempts", 5)
	v.SetDefault("webhooks.base_backoff", time.Second)
	v.SetDefault("webhooks.timeout", 10*time.Second)
	v.SetDefault("webhooks.rate_per_second", 5.0)
	v.SetDefault("webhooks.burst", 10)

	v.SetDefault("batch.enabled", false)
	v.SetDefault("batch.max_size", 20)
	v.SetDefault("batch.flush_interval", 10*time.Second)

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-2.5-flash-image")
	v.SetDefault("gemini.concurrency", 4)
	v.SetDefault("gemini.timeout", 2*time.Minute)

	v.SetDefault("rate_limit.requests", 60)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.burst", 20)
}

// Load reads configuration from GARMAX_* environment variables, applying
// defaults for local development. A .env file in the working directory is
// loaded first when present; variables already set win.
func Load() (Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an optional config file layered under the
// environment.
func LoadFile(configFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return LoadFrom(viper.New(), configFile)
}

// LoadFrom populates cfg from v. A non-empty configFile (yaml, toml or json)
// is read before environment overrides are applied.
func LoadFrom(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		AppPort:       v.GetInt("port"),
		DatabaseURL:   v.GetString("database_url"),
		DBMaxConns:    v.GetInt32("db_max_conns"),
		MigrationDir:  v.GetString("migrations"),
		SeedDir:       v.GetString("seeds"),
		LogLevel:      v.GetString("log_level"),
		ShutdownGrace: v.GetDuration("shutdown_grace"),
		ObjectStore: ObjectStoreConfig{
			Bucket:        v.GetString("s3.bucket"),
			Region:        v.GetString("s3.region"),
			Endpoint:      v.GetString("s3.endpoint"),
			PublicBaseURL: v.GetString("s3.public_base_url"),
		},
		AMQP: AMQPConfig{
			URL:                  v.GetString("amqp.url"),
			StageQueue:           v.GetString("amqp.stage_queue"),
			GuidanceRequestQueue: v.GetString("amqp.guidance_request_queue"),
			GuidanceEventQueue:   v.GetString("amqp.guidance_event_queue"),
			Prefetch:             v.GetInt("amqp.prefetch"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		Pricing: PricingConfig{
			Standard:         v.GetInt64("pricing.standard"),
			HD:               v.GetInt64("pricing.hd"),
			Ultra:            v.GetInt64("pricing.ultra"),
			UpgradeSurcharge: v.GetInt64("pricing.upgrade_surcharge"),
		},
		Session: SessionConfig{
			ConfirmationWindow:  v.GetDuration("session.confirmation_window"),
			TimeoutPolicy:       strings.ToLower(v.GetString("session.timeout_policy")),
			RequireConfirmation: v.GetBool("session.require_confirmation"),
			StageTimeout:        v.GetDuration("session.stage_timeout"),
			SweepInterval:       v.GetDuration("session.sweep_interval"),
			ReconcileInterval:   v.GetDuration("session.reconcile_interval"),
		},
		Workers: WorkerConfig{
			Count:       v.GetInt("workers.count"),
			QueueSize:   v.GetInt("workers.queue_size"),
			MaxAttempts: v.GetInt("workers.max_attempts"),
			RetryDelay:  v.GetDuration("workers.retry_delay"),
			JobTimeout:  v.GetDuration("workers.job_timeout"),
		},
		Webhooks: WebhookConfig{
			Workers:       v.GetInt("webhooks.workers"),
			MaxAttempts:   v.GetInt("webhooks.max_attempts"),
			BaseBackoff:   v.GetDuration("webhooks.base_backoff"),
			Timeout:       v.GetDuration("webhooks.timeout"),
			RatePerSecond: v.GetFloat64("webhooks.rate_per_second"),
			Burst:         v.GetInt("webhooks.burst"),
		},
		Batch: BatchConfig{
			Enabled:       v.GetBool("batch.enabled"),
			MaxSize:       v.GetInt("batch.max_size"),
			FlushInterval: v.GetDuration("batch.flush_interval"),
		},
		Gemini: GeminiConfig{
			APIKey:      v.GetString("gemini.api_key"),
			Model:       v.GetString("gemini.model"),
			Concurrency: v.GetInt("gemini.concurrency"),
			Timeout:     v.GetDuration("gemini.timeout"),
		},
		RateLimit: RateLimitConfig{
			Requests: v.GetInt("rate_limit.requests"),
			Window:   v.GetDuration("rate_limit.window"),
			Burst:    v.GetInt("rate_limit.burst"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.AppPort <= 0 || c.AppPort > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.AppPort))
	}
	if c.Pricing.Standard < 0 || c.Pricing.HD < 0 || c.Pricing.Ultra < 0 || c.Pricing.UpgradeSurcharge < 0 {
		errs = append(errs, errors.New("pricing must not be negative"))
	}
	if c.Session.ConfirmationWindow <= 0 {
		errs = append(errs, errors.New("session.confirmation_window must be positive"))
	}
	switch c.Session.TimeoutPolicy {
	case "auto_approve", "auto_reject":
	default:
		errs = append(errs, fmt.Errorf("unknown session.timeout_policy %q", c.Session.TimeoutPolicy))
	}
	if c.Session.StageTimeout <= 0 {
		errs = append(errs, errors.New("session.stage_timeout must be positive"))
	}
	return errors.Join(errs...)
}
