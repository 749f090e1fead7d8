package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port                      string `env:"PORT" envDefault:"8080"`
	AllowedOrigin             string `env:"ALLOWED_ORIGIN" envDefault:"http://127.0.0.1:3000"`
	DatabaseURL               string `env:"DATABASE_URL"`
	RedisAddr                 string `env:"REDIS_ADDR"`
	RedisPassword             string `env:"REDIS_PASSWORD"`
	RedisDB                   int    `env:"REDIS_DB" envDefault:"0"`
	DefaultOrgID              string `env:"DEFAULT_ORG_ID" envDefault:"org-demo"`
	CatalogTTLSeconds         int    `env:"CATALOG_TTL_SECONDS" envDefault:"60"`
	CheckoutSessionTTLMinutes int    `env:"CHECKOUT_SESSION_TTL_MINUTES" envDefault:"720"`
	AuthSecret                string `env:"AUTH_SECRET"`
	AccessTokenTTLMinutes     int    `env:"ACCESS_TOKEN_TTL_MINUTES" envDefault:"480"`
	ManagerPIN                string `env:"MANAGER_PIN"`
	BootstrapAdminPassword    string `env:"BOOTSTRAP_ADMIN_PASSWORD"`
	LogLevel                  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat                 string `env:"LOG_FORMAT" envDefault:"json"`
	VarianceAlertThreshold    int64  `env:"VARIANCE_ALERT_THRESHOLD" envDefault:"5000"`
	WorkerConcurrency         int    `env:"WORKER_CONCURRENCY" envDefault:"2"`
}

// Load reads the environment. Out of range durations fall back to their
// defaults; secrets get no default at all.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	cfg.DefaultOrgID = strings.TrimSpace(cfg.DefaultOrgID)
	if cfg.DefaultOrgID == "" {
		cfg.DefaultOrgID = "org-demo"
	}
	if cfg.CatalogTTLSeconds < 1 {
		cfg.CatalogTTLSeconds = 60
	}
	if cfg.CheckoutSessionTTLMinutes < 1 {
		cfg.CheckoutSessionTTLMinutes = 720
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if cfg.VarianceAlertThreshold < 0 {
		cfg.VarianceAlertThreshold = 0
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 2
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) CatalogTTL() time.Duration {
	return time.Duration(c.CatalogTTLSeconds) * time.Second
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.CheckoutSessionTTLMinutes) * time.Minute
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}
