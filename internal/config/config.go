package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Env string

const (
	EnvLocal      Env = "local"
	EnvDocker     Env = "docker"
	EnvProduction Env = "production"
)

type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreRedis  StoreBackend = "redis"
)

type Config struct {
	AppEnv    Env    `env:"APP_ENV" envDefault:"local"`
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT"`

	DatabaseURL   string `env:"DATABASE_URL"`
	DBAutoMigrate bool   `env:"DB_AUTO_MIGRATE" envDefault:"false"`

	StoreBackend StoreBackend `env:"STORE_BACKEND" envDefault:"memory"`
	RedisAddr    string       `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`

	SupabaseURL     string `env:"SUPABASE_URL"`
	SupabaseAnonKey string `env:"SUPABASE_ANON_KEY"`
	WebhookSecret   string `env:"WEBHOOK_SECRET"`

	BlackcatBaseURL string `env:"BLACKCAT_BASE_URL" envDefault:"https://api.blackcatpagamentos.com"`
	BlackcatAPIKey  string `env:"BLACKCAT_API_KEY"`
	WiseBaseURL     string `env:"WISE_BASE_URL" envDefault:"https://api.wise.com"`
	WiseAPIToken    string `env:"WISE_API_TOKEN"`
	WiseProfileID   string `env:"WISE_PROFILE_ID"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"payment.intents"`

	UpstreamTimeout   time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"8s"`
	IntentTTL         time.Duration `env:"INTENT_TTL" envDefault:"30m"`
	ExpiredRetention  time.Duration `env:"EXPIRED_RETENTION" envDefault:"15m"`
	TerminalRetention time.Duration `env:"TERMINAL_RETENTION" envDefault:"24h"`
	MaxConfirmations  int           `env:"MAX_CONFIRMATIONS" envDefault:"3"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.AppEnv {
	case EnvLocal, EnvDocker, EnvProduction:
	default:
		return fmt.Errorf("invalid APP_ENV: %s (must be local, docker or production)", c.AppEnv)
	}
	if c.HTTPAddr == "" {
		return errors.New("HTTP_ADDR is required")
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	switch c.StoreBackend {
	case StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required when STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND: %s (must be memory or redis)", c.StoreBackend)
	}
	if _, err := url.ParseRequestURI(c.SupabaseURL); err != nil {
		return fmt.Errorf("SUPABASE_URL must be an absolute url: %w", err)
	}
	if c.WebhookSecret == "" {
		return errors.New("WEBHOOK_SECRET is required")
	}
	if c.UpstreamTimeout <= 0 || c.IntentTTL <= 0 || c.SweepInterval <= 0 || c.ShutdownTimeout <= 0 {
		return errors.New("UPSTREAM_TIMEOUT, INTENT_TTL, SWEEP_INTERVAL and SHUTDOWN_TIMEOUT must be positive")
	}
	if c.ExpiredRetention < 0 || c.TerminalRetention < 0 {
		return errors.New("retention windows cannot be negative")
	}
	if c.MaxConfirmations < 1 {
		return errors.New("MAX_CONFIRMATIONS must be at least 1")
	}
	return nil
}

// BlackcatEnabled reports whether the Blackcat route should be mounted.
func (c Config) BlackcatEnabled() bool { return c.BlackcatAPIKey != "" }

func (c Config) WiseEnabled() bool { return c.WiseAPIToken != "" && c.WiseProfileID != "" }
