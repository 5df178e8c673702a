package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TELEGRAM_BOT_TOKEN", "TELEGRAM_MODE", "ADMIN_TELEGRAM_ID", "DATABASE_URL", "DATABASE_PATH",
		"WEBHOOK_SECRET", "WEBHOOK_URL", "HTTP_ADDR", "REDIS_ADDR", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

const yamlConfig = `
telegram:
  token: "123:abc"
  admin_id: 42
storage:
  driver: sqlite
  path: /tmp/x.db
  page_size: 100
broadcast:
  pacing: 75ms
notifications:
  schedule: "@every 30m"
  max_recipients: 1000
`

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	cfg, err := NewManager(writeFile(t, "config.yaml", yamlConfig)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.AdminID != 42 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Telegram.Mode != ModePolling {
		t.Fatalf("mode = %q, want polling default", cfg.Telegram.Mode)
	}
	if got := cfg.Broadcast.PacingDuration(); got != 75*time.Millisecond {
		t.Fatalf("pacing = %v", got)
	}
	if got := cfg.Notifications.ActiveWindowDuration(); got != 7*24*time.Hour {
		t.Fatalf("active window default = %v", got)
	}
	if !cfg.NotificationsEnabled() {
		t.Fatal("notifications should default to enabled")
	}
	if cfg.Storage.PageSize != 100 || cfg.Notifications.MaxRecipients != 1000 {
		t.Fatalf("storage/notifications = %+v / %+v", cfg.Storage, cfg.Notifications)
	}
}

func TestLoadJSON(t *testing.T) {
	clearEnv(t)
	p := writeFile(t, "config.json", `{"telegram":{"token":"t","admin_id":7},"notifications":{"enabled":false}}`)
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.AdminID != 7 || cfg.NotificationsEnabled() {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path == "" {
		t.Fatalf("storage defaults = %+v", cfg.Storage)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name, file, body string
	}{
		{"unknown field yaml", "c.yaml", "telegram:\n  token: t\n  bogus: 1\n"},
		{"unknown field json", "c.json", `{"telegram":{"token":"t"},"plugins":{}}`},
		{"trailing json", "c.json", `{"telegram":{"token":"t"}} {}`},
		{"bad yaml", "c.yaml", "telegram: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if _, err := NewManager(writeFile(t, tt.file, tt.body)).Parse(); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "from-env")
	t.Setenv("ADMIN_TELEGRAM_ID", "99")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	p := writeFile(t, "c.json", `{"telegram":{"token":"from-file","admin_id":1}}`)
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" || cfg.Telegram.AdminID != 99 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Redis == nil || cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
}

func TestEnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "t")
	cfg, err := NewManager("").Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.AdminID != 0 || cfg.Telegram.Mode != ModePolling {
		t.Fatalf("unexpected config %+v", cfg.Telegram)
	}
}

func TestAdminIDEnv(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    int64
		wantErr bool
	}{
		{"unset keeps file value", "", 5, false},
		{"numeric", "99", 99, false},
		{"negative", "-100200", -100200, false},
		{"not a number", "not-a-number", 0, true},
		{"fraction", "1.5", 0, true},
		{"overflow", "99999999999999999999", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("TELEGRAM_BOT_TOKEN", "t")
			t.Setenv("ADMIN_TELEGRAM_ID", tt.value)
			cfg, err := NewManager(writeFile(t, "c.json", `{"telegram":{"admin_id":5}}`)).Load()
			if tt.wantErr {
				if !errors.Is(err, env.ParseError{}) {
					t.Fatalf("err = %v, want an env parse error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Telegram.AdminID != tt.want {
				t.Fatalf("admin id = %d, want %d", cfg.Telegram.AdminID, tt.want)
			}
		})
	}
}

func TestMissingToken(t *testing.T) {
	clearEnv(t)
	_, err := NewManager(writeFile(t, "c.yaml", "telegram:\n  admin_id: 1\n")).Load()
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		c := &Config{Telegram: TelegramConfig{Token: "t"}}
		c.applyDefaults()
		return c
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad duration", func(c *Config) { c.Broadcast.Pacing = "fast" }, false},
		{"negative duration", func(c *Config) { c.Notifications.ActiveWindow = "-1h" }, false},
		{"bad mode", func(c *Config) { c.Telegram.Mode = "push" }, false},
		{"webhook without secret", func(c *Config) {
			c.Telegram.Mode = ModeWebhook
			c.Telegram.WebhookURL = "https://example.org"
			c.HTTP.Addr = ":8080"
		}, false},
		{"webhook complete", func(c *Config) {
			c.Telegram.Mode = ModeWebhook
			c.Telegram.WebhookURL = "https://example.org"
			c.Telegram.WebhookSecret = "s"
			c.HTTP.Addr = ":8080"
		}, true},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, false},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }, false},
		{"bad timezone", func(c *Config) { c.Notifications.Timezone = "Mars/Olympus" }, false},
		{"negative admin", func(c *Config) { c.Telegram.AdminID = -5 }, false},
		{"empty redis", func(c *Config) { c.Redis = &RedisConfig{} }, false},
	}
	for _, tt := range tests {
		c := base()
		tt.mutate(c)
		err := Validate(c)
		if (err == nil) != tt.ok {
			t.Fatalf("%s: Validate = %v, ok want %v", tt.name, err, tt.ok)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a", AdminID: 1}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "a", AdminID: 2}, Storage: StorageConfig{Driver: "postgres", DSN: "x"}}
	newCfg.Broadcast.Pacing = "10ms"

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"broadcast", "storage", "telegram.admin_id"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if strings.Join(restart, ",") != "storage" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestWatchPublishesValidReloads(t *testing.T) {
	clearEnv(t)
	p := writeFile(t, "config.yaml", "telegram:\n  token: t\n  admin_id: 1\n")
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// An invalid file is never published; the valid one that follows is.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(400 * time.Millisecond)
	defer tick.Stop()
	for i := 0; ; i++ {
		body := "telegram:\n  token: t\n  admin_id: 2\n"
		if i%2 == 0 {
			body = "telegram:\n  admin_id: 3\n"
		}
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		select {
		case cfg := <-ch:
			if cfg.Telegram.AdminID != 2 {
				t.Fatalf("published admin_id = %d, want 2", cfg.Telegram.AdminID)
			}
			if m.Get().Telegram.AdminID != 2 {
				t.Fatal("Get did not return the committed config")
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}
