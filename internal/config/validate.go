package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate reports the first problem that makes cfg unusable. A missing token
// wraps ErrMissingToken.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return ErrMissingToken
	}
	if cfg.Telegram.AdminID < 0 {
		return fmt.Errorf("telegram.admin_id: must be a positive user id or 0")
	}

	switch cfg.Telegram.Mode {
	case ModePolling:
	case ModeWebhook:
		if strings.TrimSpace(cfg.Telegram.WebhookURL) == "" {
			return errors.New("telegram.webhook_url: required in webhook mode")
		}
		if strings.TrimSpace(cfg.Telegram.WebhookSecret) == "" {
			return errors.New("telegram.webhook_secret: required in webhook mode")
		}
		if strings.TrimSpace(cfg.HTTP.Addr) == "" {
			return errors.New("http.addr: required in webhook mode")
		}
	default:
		return fmt.Errorf("telegram.mode: unknown mode %q", cfg.Telegram.Mode)
	}

	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path: required for sqlite")
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn: required for postgres (or set DATABASE_URL)")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.PageSize < 0 || cfg.Storage.MaxConns < 0 {
		return errors.New("storage: page_size and max_conns must be >= 0")
	}
	if cfg.Notifications.MaxRecipients < 0 {
		return errors.New("notifications.max_recipients: must be >= 0")
	}
	if cfg.Broadcast.GlobalRatePerSec < 0 {
		return errors.New("broadcast.global_rate_per_sec: must be >= 0")
	}
	if cfg.Dispatcher.Workers < 0 || cfg.Dispatcher.QueueSize < 0 {
		return errors.New("dispatcher: workers and queue_size must be >= 0")
	}
	if cfg.Redis != nil && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr: required when the redis section is present")
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"broadcast.pacing", cfg.Broadcast.Pacing},
		{"broadcast.send_timeout", cfg.Broadcast.SendTimeout},
		{"broadcast.lock_ttl", cfg.Broadcast.LockTTL},
		{"notifications.active_window", cfg.Notifications.ActiveWindow},
		{"notifications.pacing", cfg.Notifications.Pacing},
		{"notifications.tick_timeout", cfg.Notifications.TickTimeout},
		{"dispatcher.handler_timeout", cfg.Dispatcher.HandlerTimeout},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if tz := strings.TrimSpace(cfg.Notifications.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("notifications.timezone: %w", err)
		}
	}
	return nil
}
