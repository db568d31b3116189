package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config centralizes runtime settings for the API, the job worker and the
// followup scheduler. Without DATABASE_URL the process runs on the in-memory
// store; without REDIS_ADDR it uses the store-backed lock only.
type Config struct {
	Env      string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	DatabaseURL    string `env:"DATABASE_URL"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"true"`
	DBMaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	RedisAddr      string `env:"REDIS_ADDR"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`

	AuthTokens  string   `env:"AUTH_TOKENS"`
	JWTSecret   string   `env:"JWT_SECRET"`
	JWTIssuer   string   `env:"JWT_ISSUER" envDefault:"wa-tenancy"`
	CronSecret  string   `env:"CRON_SECRET"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`

	OpenRouterAPIKey  string        `env:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL string        `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	OpenRouterModel   string        `env:"OPENROUTER_MODEL" envDefault:"openai/gpt-4.1-mini"`
	AITimeout         time.Duration `env:"AI_TIMEOUT" envDefault:"20s"`
	AIMaxRetries      int           `env:"AI_MAX_RETRIES" envDefault:"2"`

	GatewayURL   string `env:"WHATSAPP_GATEWAY_URL"`
	GatewayToken string `env:"WHATSAPP_GATEWAY_TOKEN"`

	WorkerEnabled      bool          `env:"WORKER_ENABLED" envDefault:"true"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	WorkerLease        time.Duration `env:"WORKER_LEASE" envDefault:"5m"`

	SchedulerEnabled       bool          `env:"SCHEDULER_ENABLED" envDefault:"false"`
	SchedulerInterval      time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1m"`
	SchedulerLockTTL       time.Duration `env:"SCHEDULER_LOCK_TTL" envDefault:"2m"`
	SchedulerPerItemBudget time.Duration `env:"SCHEDULER_PER_ITEM_BUDGET" envDefault:"0s"`
	SchedulerBatchSize     int           `env:"SCHEDULER_BATCH_SIZE" envDefault:"20"`
	SchedulerMaxTenants    int           `env:"SCHEDULER_MAX_TENANTS" envDefault:"50"`
	SchedulerConcurrency   int           `env:"SCHEDULER_CONCURRENCY" envDefault:"4"`

	OTelEnabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"wa-tenancy"`
}

func Load() (Config, error) {
	return parse(env.Options{})
}

func parse(options env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, options); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.IsProduction() && strings.TrimSpace(c.AuthTokens) == "" && strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("config: AUTH_TOKENS or JWT_SECRET is required in production")
	}
	if c.SchedulerBatchSize <= 0 {
		return fmt.Errorf("config: SCHEDULER_BATCH_SIZE must be positive")
	}
	if c.SchedulerLockTTL <= 0 {
		return fmt.Errorf("config: SCHEDULER_LOCK_TTL must be positive")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}
