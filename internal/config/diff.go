package config

import (
	"reflect"
	"sort"
	"strings"

	logx "shroombot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, log fields describing the
// new values (never secrets), and the sections whose changes only take effect
// after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed = make([]string, 0, 8)
	attrs = make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.AdminID != nt.AdminID {
		changed = append(changed, "telegram.admin_id")
		attrs = append(attrs, logx.Bool("telegram.admin_set", nt.AdminID != 0))
	}
	if ot.Token != nt.Token || ot.Mode != nt.Mode || ot.PollTimeout != nt.PollTimeout ||
		ot.WebhookURL != nt.WebhookURL || ot.WebhookSecret != nt.WebhookSecret {
		changed = append(changed, "telegram")
		restart = append(restart, "telegram")
		attrs = append(attrs,
			logx.String("telegram.mode", nt.Mode),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	ob, nb := oldCfg.Broadcast, newCfg.Broadcast
	if ob != nb {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.pacing", strings.TrimSpace(nb.Pacing)),
			logx.Float64("broadcast.global_rate_per_sec", nb.GlobalRatePerSec),
		)
		if ob.LockTTL != nb.LockTTL {
			restart = append(restart, "broadcast.lock_ttl")
		}
	}

	on, nn := oldCfg.Notifications, newCfg.Notifications
	if oldCfg.NotificationsEnabled() != newCfg.NotificationsEnabled() ||
		on.Schedule != nn.Schedule || on.Timezone != nn.Timezone || on.ActiveWindow != nn.ActiveWindow ||
		on.Pacing != nn.Pacing || on.TickTimeout != nn.TickTimeout || on.MaxRecipients != nn.MaxRecipients {
		changed = append(changed, "notifications")
		attrs = append(attrs,
			logx.Bool("notifications.enabled", newCfg.NotificationsEnabled()),
			logx.String("notifications.schedule", strings.TrimSpace(nn.Schedule)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}
	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		restart = append(restart, "dispatcher")
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		restart = append(restart, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof_enabled", newCfg.HTTP.Pprof.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		restart = append(restart, "redis")
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
