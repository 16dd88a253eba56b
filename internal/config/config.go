// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level" env:"LOG_LEVEL"`   // trace|debug|info|warn|error
	Format   string `yaml:"format" env:"LOG_FORMAT"` // json|console
	Sampling bool   `yaml:"sampling"`                // enable sampling in prod
}

type HTTPConfig struct {
	Port        int    `yaml:"port" env:"HTTP_PORT"`
	AdminAPIKey string `yaml:"admin_api_key" env:"ADMIN_API_KEY"`

	// RateLimitPerMinute caps /api/v1 requests per user; 0 disables it.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url" env:"DATABASE_URL"`
	MaxConns int32  `yaml:"max_conns" env:"DATABASE_MAX_CONNS"`
	Migrate  bool   `yaml:"migrate"` // apply embedded migrations on boot
}

type RedisConfig struct {
	URL              string        `yaml:"url" env:"REDIS_URL"`
	Password         string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB               int           `yaml:"db"`
	WebhookDedupTTL  time.Duration `yaml:"webhook_dedup_ttl"`
	SchedulerLockTTL time.Duration `yaml:"scheduler_lock_ttl"`
	ProductCacheTTL  time.Duration `yaml:"product_cache_ttl"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC"`
}

type SchedulerConfig struct {
	Interval          time.Duration `yaml:"interval"`
	MaxCatchUp        int           `yaml:"max_catch_up"`
	DedupWindow       time.Duration `yaml:"dedup_window"`
	DueDays           int           `yaml:"due_days"`
	BatchSize         int           `yaml:"batch_size"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileAfter    time.Duration `yaml:"reconcile_after"`
}

type GatewayConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
}

type PaymentConfig struct {
	GatewayTimeout time.Duration            `yaml:"gateway_timeout"`
	Gateways       map[string]GatewayConfig `yaml:"gateways"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Payment   PaymentConfig   `yaml:"payment"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads .env (if present), then the YAML file at path, then lets
// environment variables override what the file says.
func LoadConfig(path string, dev bool) (*Config, error) {
	_ = godotenv.Load()

	// due_days: 0 (due on creation) is a valid setting, so its default goes in
	// before the file is read rather than being inferred from a zero value.
	cfg := Config{Scheduler: SchedulerConfig{DueDays: defaultDueDays}}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !(errors.Is(err, os.ErrNotExist) && path == DefaultPath) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

// DefaultPath is the config file used when -config is not given. A missing
// default file is not an error; the service then runs on env and defaults.
const DefaultPath = "config.yaml"

const defaultDueDays = 3

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Redis.WebhookDedupTTL <= 0 {
		cfg.Redis.WebhookDedupTTL = 24 * time.Hour
	}
	if cfg.Redis.SchedulerLockTTL <= 0 {
		cfg.Redis.SchedulerLockTTL = 5 * time.Minute
	}
	if cfg.Redis.ProductCacheTTL <= 0 {
		cfg.Redis.ProductCacheTTL = time.Hour
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "billing.events"
	}

	s := &cfg.Scheduler
	if s.Interval == 0 {
		s.Interval = 30 * time.Second
	}
	if s.MaxCatchUp == 0 {
		s.MaxCatchUp = 3
	}
	if s.DedupWindow == 0 {
		s.DedupWindow = 10 * time.Minute
	}
	if s.BatchSize == 0 {
		s.BatchSize = 500
	}
	if s.ReconcileInterval == 0 {
		s.ReconcileInterval = time.Minute
	}
	if s.ReconcileAfter == 0 {
		s.ReconcileAfter = 2 * time.Minute
	}

	if cfg.Payment.GatewayTimeout <= 0 {
		cfg.Payment.GatewayTimeout = 15 * time.Second
	}
}

// Validate checks the settings the process cannot start without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	s := c.Scheduler
	if s.Interval < 0 || s.MaxCatchUp < 0 || s.DedupWindow < 0 || s.DueDays < 0 || s.BatchSize < 0 {
		return errors.New("scheduler settings must be positive")
	}
	return nil
}
