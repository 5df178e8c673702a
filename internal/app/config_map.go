package app

import (
	"strings"

	"shroombot/internal/broadcast"
	"shroombot/internal/config"
	"shroombot/internal/dispatcher"
	"shroombot/internal/httpapi"
	"shroombot/internal/notify"
	"shroombot/internal/storage"
	"shroombot/internal/transport/telegram/adapter"
	logx "shroombot/pkg/logx"
)

// The mappers below translate validated config sections into component configs.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.AdminID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapAdapterConfig(cfg *config.Config) adapter.Config {
	return adapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeoutDuration(),
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:        strings.ToLower(cfg.Storage.Driver),
		Path:          cfg.Storage.Path,
		DSN:           cfg.Storage.DSN,
		BusyTimeout:   cfg.Storage.BusyTimeoutDuration(),
		MaxConns:      cfg.Storage.MaxConns,
		PageSize:      cfg.Storage.PageSize,
		MaxCandidates: cfg.Notifications.MaxRecipients,
	}
}

func mapBroadcastConfig(cfg *config.Config) broadcast.Config {
	return broadcast.Config{
		Pacing:           cfg.Broadcast.PacingDuration(),
		SendTimeout:      cfg.Broadcast.SendTimeoutDuration(),
		GlobalRatePerSec: cfg.Broadcast.GlobalRatePerSec,
	}
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		Schedule:     cfg.Notifications.Schedule,
		Timezone:     cfg.Notifications.Timezone,
		ActiveWindow: cfg.Notifications.ActiveWindowDuration(),
		TickTimeout:  cfg.Notifications.TickTimeoutDuration(),
	}
}

func mapDispatcherConfig(cfg *config.Config) dispatcher.Config {
	return dispatcher.Config{
		Workers:        cfg.Dispatcher.Workers,
		QueueSize:      cfg.Dispatcher.QueueSize,
		HandlerTimeout: cfg.Dispatcher.HandlerTimeoutDuration(),
	}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	hc := httpapi.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.HTTP.ReadTimeoutDuration(),
		WriteTimeout: cfg.HTTP.WriteTimeoutDuration(),
		IdleTimeout:  cfg.HTTP.IdleTimeoutDuration(),
		Pprof: httpapi.PprofConfig{
			Enabled: cfg.HTTP.Pprof.Enabled,
			Prefix:  cfg.HTTP.Pprof.Prefix,
			Token:   cfg.HTTP.Pprof.Token,
		},
	}
	if cfg.Telegram.Mode == config.ModeWebhook {
		hc.WebhookSecret = cfg.Telegram.WebhookSecret
	}
	return hc
}

// httpEnabled reports whether the HTTP server runs: always in webhook mode,
// and in polling mode only when an address is configured.
func httpEnabled(cfg *config.Config) bool {
	return cfg.Telegram.Mode == config.ModeWebhook || strings.TrimSpace(cfg.HTTP.Addr) != ""
}

// webhookURL joins the public base URL with the secret-bearing path.
func webhookURL(cfg *config.Config) string {
	return strings.TrimRight(strings.TrimSpace(cfg.Telegram.WebhookURL), "/") + "/webhook/" + cfg.Telegram.WebhookSecret
}
