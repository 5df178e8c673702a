package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides lists the environment variables that take precedence over the
// config file. Empty values leave the file setting alone.
type envOverrides struct {
	Token         string `env:"TELEGRAM_BOT_TOKEN"`
	Mode          string `env:"TELEGRAM_MODE"`
	AdminID       int64  `env:"ADMIN_TELEGRAM_ID"`
	DatabaseURL   string `env:"DATABASE_URL"`
	DatabasePath  string `env:"DATABASE_PATH"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	WebhookURL    string `env:"WEBHOOK_URL"`
	HTTPAddr      string `env:"HTTP_ADDR"`
	RedisAddr     string `env:"REDIS_ADDR"`
	LogLevel      string `env:"LOG_LEVEL"`
}

func parseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := parseEnv(&o); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, o.Token)
	set(&cfg.Telegram.Mode, o.Mode)
	set(&cfg.Telegram.WebhookSecret, o.WebhookSecret)
	set(&cfg.Telegram.WebhookURL, o.WebhookURL)
	set(&cfg.HTTP.Addr, o.HTTPAddr)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Storage.Path, o.DatabasePath)

	if o.AdminID != 0 {
		cfg.Telegram.AdminID = o.AdminID
	}
	if v := strings.TrimSpace(o.DatabaseURL); v != "" {
		cfg.Storage.DSN = v
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v := strings.TrimSpace(o.RedisAddr); v != "" {
		if cfg.Redis == nil {
			cfg.Redis = &RedisConfig{}
		}
		cfg.Redis.Addr = v
	}
	return nil
}
