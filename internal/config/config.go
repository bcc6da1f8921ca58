// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RateLimit is the per-user request budget per minute on mutating routes; 0 disables it.
	RateLimit int `yaml:"rate_limit"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type PriceConfig struct {
	Basic   string `yaml:"basic"`
	Premium string `yaml:"premium"`
	Elite   string `yaml:"elite"`
}

type PaymentConfig struct {
	Provider      string      `yaml:"provider"` // stripe | fake
	SecretKey     string      `yaml:"secret_key"`
	WebhookSecret string      `yaml:"webhook_secret"`
	Prices        PriceConfig `yaml:"prices"` // processor price id per tier
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type EffectsConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BatchSize    int           `yaml:"batch_size"`
}

type ReconcileConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	// AbandonAfter is the age at which a still-unpaid checkout is cancelled.
	AbandonAfter time.Duration `yaml:"abandon_after"`
	RefundGrace  time.Duration `yaml:"refund_grace"`
}

type AchievementsConfig struct {
	BaseURL string `yaml:"base_url"`
}

type TelegramConfig struct {
	Token    string `yaml:"token"`
	Language string `yaml:"language"` // notification catalog, default en
}

type Config struct {
	HTTP         HTTPConfig         `yaml:"http"`
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Payment      PaymentConfig      `yaml:"payment"`
	Auth         AuthConfig         `yaml:"auth"`
	Effects      EffectsConfig      `yaml:"effects"`
	Reconcile    ReconcileConfig    `yaml:"reconcile"`
	Achievements AchievementsConfig `yaml:"achievements"`
	Telegram     TelegramConfig     `yaml:"telegram"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, then lets environment variables
// (optionally from a .env file next to the binary) override secrets.
func LoadConfig(path string, dev bool) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && dev:
		// dev may run from env alone
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	cfg.Runtime.Dev = dev

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.Database.URL, "DATABASE_URL")
	override(&cfg.Redis.URL, "REDIS_URL")
	override(&cfg.Redis.Password, "REDIS_PASSWORD")
	override(&cfg.Payment.SecretKey, "STRIPE_SECRET_KEY")
	override(&cfg.Payment.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	override(&cfg.Auth.JWTSecret, "JWT_SECRET")
	override(&cfg.Telegram.Token, "TELEGRAM_TOKEN")
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.WebhookTimeout <= 0 {
		cfg.HTTP.WebhookTimeout = 10 * time.Second
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 15 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)
	if cfg.Payment.Provider == "" {
		cfg.Payment.Provider = "stripe"
	}
	if cfg.Effects.Workers <= 0 {
		cfg.Effects.Workers = 4
	}
	if cfg.Effects.PollInterval <= 0 {
		cfg.Effects.PollInterval = 5 * time.Second
	}
	if cfg.Effects.MaxAttempts <= 0 {
		cfg.Effects.MaxAttempts = 8
	}
	if cfg.Effects.BatchSize <= 0 {
		cfg.Effects.BatchSize = 50
	}
	if cfg.Telegram.Language == "" {
		cfg.Telegram.Language = "en"
	}
	if cfg.Reconcile.Interval <= 0 {
		cfg.Reconcile.Interval = time.Minute
	}
	if cfg.Reconcile.StaleAfter <= 0 {
		cfg.Reconcile.StaleAfter = 30 * time.Minute
	}
	if cfg.Reconcile.AbandonAfter <= 0 {
		cfg.Reconcile.AbandonAfter = 24 * time.Hour
	}
	if cfg.Reconcile.RefundGrace <= 0 {
		cfg.Reconcile.RefundGrace = 10 * time.Minute
	}
}

// Validate performs minimal validation.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	switch c.Payment.Provider {
	case "stripe":
		if c.Payment.SecretKey == "" || c.Payment.WebhookSecret == "" {
			return errors.New("payment.secret_key and payment.webhook_secret are required for stripe")
		}
		if c.Payment.Prices.Basic == "" || c.Payment.Prices.Premium == "" || c.Payment.Prices.Elite == "" {
			return errors.New("payment.prices must map every tier")
		}
	case "fake":
		if !c.Runtime.Dev {
			return errors.New("payment.provider fake is only allowed with --dev")
		}
	default:
		return fmt.Errorf("unknown payment.provider %q", c.Payment.Provider)
	}
	return nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
