package config

import (
	"errors"
	"strings"
	"time"
)

// ErrMissingToken is the only configuration problem that prevents startup.
var ErrMissingToken = errors.New("telegram bot token is not set (telegram.token or TELEGRAM_BOT_TOKEN)")

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("50ms", "1h"). Environment variables override the
// fields tagged in envOverrides.
type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Broadcast     BroadcastConfig     `json:"broadcast"`
	Notifications NotificationsConfig `json:"notifications"`
	Dispatcher    DispatcherConfig    `json:"dispatcher"`
	HTTP          HTTPConfig          `json:"http"`
	Redis         *RedisConfig        `json:"redis,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	// Mode is "polling" (default) or "webhook".
	Mode        string `json:"mode,omitempty"`
	AdminID     int64  `json:"admin_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// WebhookURL is the public base URL; the bot registers WebhookURL + "/webhook/" + WebhookSecret.
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level"`
	Console  bool              `json:"console"`
	File     LoggingFileConfig `json:"file"`
	Telegram LoggingChatConfig `json:"telegram"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChatConfig forwards records to the administrator's chat.
type LoggingChatConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	// Driver is "sqlite" or "postgres". Empty picks postgres when a DSN is set, else sqlite.
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
	PageSize    int    `json:"page_size,omitempty"`
}

type BroadcastConfig struct {
	Pacing           string  `json:"pacing,omitempty"`
	SendTimeout      string  `json:"send_timeout,omitempty"`
	GlobalRatePerSec float64 `json:"global_rate_per_sec,omitempty"`
	LockTTL          string  `json:"lock_ttl,omitempty"`
}

type NotificationsConfig struct {
	// Enabled defaults to true when omitted.
	Enabled       *bool  `json:"enabled,omitempty"`
	Schedule      string `json:"schedule,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	ActiveWindow  string `json:"active_window,omitempty"`
	Pacing        string `json:"pacing,omitempty"`
	TickTimeout   string `json:"tick_timeout,omitempty"`
	MaxRecipients int    `json:"max_recipients,omitempty"`
}

type DispatcherConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
}

type HTTPConfig struct {
	// Addr is the listen address. Empty disables the server in polling mode.
	Addr         string      `json:"addr,omitempty"`
	ReadTimeout  string      `json:"read_timeout,omitempty"`
	WriteTimeout string      `json:"write_timeout,omitempty"`
	IdleTimeout  string      `json:"idle_timeout,omitempty"`
	Pprof        PprofConfig `json:"pprof,omitempty"`
}

type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"`
	Token   string `json:"token,omitempty"`
}

// RedisConfig enables the shared broadcast lock for multi-replica deployments.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

func (c *Config) applyDefaults() {
	c.Telegram.Mode = strings.ToLower(strings.TrimSpace(c.Telegram.Mode))
	if c.Telegram.Mode == "" {
		c.Telegram.Mode = ModePolling
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if !c.Logging.Console && !c.Logging.File.Enabled {
		c.Logging.Console = true
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		if strings.TrimSpace(c.Storage.DSN) != "" {
			c.Storage.Driver = "postgres"
		} else {
			c.Storage.Driver = "sqlite"
		}
	}
	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "./data/shroombot.db"
	}
	if c.Telegram.Mode == ModeWebhook && strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = ":8080"
	}
}

// NotificationsEnabled reports notifications.enabled, true when omitted.
func (c *Config) NotificationsEnabled() bool {
	return c.Notifications.Enabled == nil || *c.Notifications.Enabled
}

// Durations are validated before a config is committed, so accessors ignore parse errors.
func mustDuration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}

func (t TelegramConfig) PollTimeoutDuration() time.Duration {
	return mustDuration(t.PollTimeout, 10*time.Second)
}

func (b BroadcastConfig) PacingDuration() time.Duration {
	return mustDuration(b.Pacing, 50*time.Millisecond)
}

func (b BroadcastConfig) SendTimeoutDuration() time.Duration {
	return mustDuration(b.SendTimeout, 15*time.Second)
}

func (b BroadcastConfig) LockTTLDuration() time.Duration {
	return mustDuration(b.LockTTL, time.Minute)
}

func (n NotificationsConfig) ActiveWindowDuration() time.Duration {
	return mustDuration(n.ActiveWindow, 7*24*time.Hour)
}

func (n NotificationsConfig) PacingDuration() time.Duration {
	return mustDuration(n.Pacing, 100*time.Millisecond)
}

func (n NotificationsConfig) TickTimeoutDuration() time.Duration {
	return mustDuration(n.TickTimeout, 0)
}

func (d DispatcherConfig) HandlerTimeoutDuration() time.Duration {
	return mustDuration(d.HandlerTimeout, 30*time.Second)
}

func (s StorageConfig) BusyTimeoutDuration() time.Duration {
	return mustDuration(s.BusyTimeout, 5*time.Second)
}

func (h HTTPConfig) ReadTimeoutDuration() time.Duration {
	return mustDuration(h.ReadTimeout, 10*time.Second)
}

func (h HTTPConfig) WriteTimeoutDuration() time.Duration {
	return mustDuration(h.WriteTimeout, 10*time.Second)
}

func (h HTTPConfig) IdleTimeoutDuration() time.Duration {
	return mustDuration(h.IdleTimeout, 60*time.Second)
}
