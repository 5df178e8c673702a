package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shroombot/internal/broadcast"
	"shroombot/internal/config"
	"shroombot/internal/gateway"
	rtsup "shroombot/internal/runtime/supervisor"
	"shroombot/internal/storage"
	"shroombot/internal/transport"
	logx "shroombot/pkg/logx"
)

type nopSender struct{}

func (nopSender) SendText(context.Context, int64, string, *transport.SendOptions) error { return nil }

// fakeClient fails the first identifyFails Identify calls and the first
// webhookFails SetWebhook calls with identifyErr and a network error.
type fakeClient struct {
	nopSender

	mu            sync.Mutex
	identifyErr   error
	identifyFails int
	identifyCalls int
	webhookFails  int
	webhookCalls  int
	webhookURL    string
}

func (f *fakeClient) Decode([]byte) (transport.Update, error) {
	return transport.Update{}, transport.ErrMalformed
}
func (f *fakeClient) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeClient) Stop(context.Context) error                           { return nil }
func (f *fakeClient) RemoveWebhook(context.Context) error                  { return nil }

func (f *fakeClient) Identify(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identifyCalls++
	if f.identifyCalls <= f.identifyFails {
		return "", f.identifyErr
	}
	return "ShroomBot", nil
}

func (f *fakeClient) SetWebhook(_ context.Context, url, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookCalls++
	if f.webhookCalls <= f.webhookFails {
		return errors.New("dial tcp: connection refused")
	}
	f.webhookURL = url
	return nil
}

func (f *fakeClient) calls() (identify, webhook int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identifyCalls, f.webhookCalls
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, gateway.Command) {}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", within)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func baseConfig() *config.Config {
	off := false
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "t", Mode: config.ModePolling, AdminID: 1},
		Logging:  config.LoggingConfig{Level: "info", Console: true},
		Storage:  config.StorageConfig{Driver: "sqlite", Path: "x.db"},
		Notifications: config.NotificationsConfig{
			Enabled: &off,
		},
	}
}

func TestMappers(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Broadcast.Pacing = "70ms"
	cfg.Notifications.MaxRecipients = 10
	cfg.Storage.PageSize = 25
	cfg.Logging.Telegram.Enabled = true

	if got := mapBroadcastConfig(cfg); got.Pacing != 70*time.Millisecond || got.SendTimeout != 15*time.Second {
		t.Fatalf("broadcast = %+v", got)
	}
	if got := mapStorageConfig(cfg); got.MaxCandidates != 10 || got.PageSize != 25 || got.BusyTimeout != 5*time.Second {
		t.Fatalf("storage = %+v", got)
	}
	if got := mapLogConfig(cfg); !got.Chat.Enabled || got.Chat.ChatID != 1 {
		t.Fatalf("log chat = %+v", got.Chat)
	}
	if got := mapNotifyConfig(cfg); got.ActiveWindow != 7*24*time.Hour {
		t.Fatalf("notify = %+v", got)
	}
}

func TestHTTPEnabledAndWebhookURL(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if httpEnabled(cfg) {
		t.Fatal("polling without http.addr should not serve")
	}
	if mapHTTPConfig(cfg).WebhookSecret != "" {
		t.Fatal("webhook route must stay off in polling mode")
	}

	cfg.Telegram.Mode = config.ModeWebhook
	cfg.Telegram.WebhookURL = "https://bot.example.org/"
	cfg.Telegram.WebhookSecret = "s3cret"
	if !httpEnabled(cfg) {
		t.Fatal("webhook mode always serves")
	}
	if got := webhookURL(cfg); got != "https://bot.example.org/webhook/s3cret" {
		t.Fatalf("webhookURL = %q", got)
	}
	if mapHTTPConfig(cfg).WebhookSecret != "s3cret" {
		t.Fatal("webhook secret not mapped")
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "app.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc, log := logx.New(logx.Config{Level: "error", Console: true}, nil)
	t.Cleanup(func() { _ = svc.Close() })
	return &App{
		log:    log,
		logs:   svc,
		store:  store,
		engine: broadcast.New(nopSender{}, broadcast.Config{}, nil, log),
	}
}

func TestApplyConfigUpdatesLiveSettings(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	prev := baseConfig()
	a.adminID.Store(prev.Telegram.AdminID)

	next := baseConfig()
	next.Telegram.AdminID = 77
	next.Broadcast.Pacing = "5ms"
	on := true
	next.Notifications.Enabled = &on
	next.Notifications.Schedule = "@every 1h"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.applyConfig(ctx, prev, next)

	if got := a.adminID.Load(); got != 77 {
		t.Fatalf("admin id = %d, want 77", got)
	}
	if got := a.engine.Config().Pacing; got != 5*time.Millisecond {
		t.Fatalf("pacing = %v, want 5ms", got)
	}
	a.notifyMu.Lock()
	job := a.notify
	a.notifyMu.Unlock()
	if job == nil {
		t.Fatal("notification job should be running after enabling it")
	}

	// Disabling stops and drops the job.
	a.applyConfig(ctx, next, prev)
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()
	if a.notify != nil {
		t.Fatal("notification job should be gone after disabling it")
	}
}

func TestApplyConfigKeepsNotificationsOffOnBadSchedule(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	prev := baseConfig()
	next := baseConfig()
	on := true
	next.Notifications.Enabled = &on
	next.Notifications.Schedule = "every tuesday"

	a.applyConfig(context.Background(), prev, next)
	if a.notify != nil {
		t.Fatal("invalid schedule must not start a job")
	}
}

func TestStepHonorsDeadline(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	start := time.Now()
	err := a.step(context.Background(), "stuck", 50*time.Millisecond, func(c context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("step blocked for %v", took)
	}
	if err := a.step(context.Background(), "ok", time.Second, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("step: %v", err)
	}
}

func newTransportTestApp(t *testing.T, tg *fakeClient) *App {
	t.Helper()
	a := newTestApp(t)
	a.tg = tg
	a.gw = gateway.New(tg, nopDispatcher{}, 0, a.log)
	a.sup = rtsup.New(context.Background(), rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.sup.Stop(ctx)
	})
	return a
}

func suffixedStats() transport.Update {
	return transport.Update{ID: 1, Message: &transport.Message{ChatID: -5, FromID: 9, Text: "/stats@ShroomBot"}}
}

func TestRegisterWebhookRetriesUntilAccepted(t *testing.T) {
	t.Parallel()
	tg := &fakeClient{webhookFails: 2}
	a := newTransportTestApp(t, tg)

	a.registerWebhook("https://bot.example.org/webhook/s3cret", "s3cret", "https://bot.example.org")

	waitFor(t, 15*time.Second, func() bool {
		_, n := tg.calls()
		return n >= 3
	})
	if err := a.sup.Context().Err(); err != nil {
		t.Fatalf("webhook failure cancelled the app: %v", err)
	}
	if err := a.sup.Err(); err != nil {
		t.Fatalf("webhook failure recorded as fatal: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, n := tg.calls(); n != 3 {
		t.Fatalf("SetWebhook called %d times, want 3", n)
	}
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.webhookURL != "https://bot.example.org/webhook/s3cret" {
		t.Fatalf("registered url = %q", tg.webhookURL)
	}
}

func TestIdentify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		fails     int
		wantFatal bool
	}{
		{"first try", nil, 0, false},
		{"transient failure", errors.New("getMe: dial tcp: i/o timeout"), 1, false},
		{"rejected token", transport.ErrUnauthorized, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tg := &fakeClient{identifyErr: tt.err, identifyFails: tt.fails}
			a := newTransportTestApp(t, tg)

			err := a.identify(context.Background())
			if errors.Is(err, transport.ErrUnauthorized) != tt.wantFatal || (err != nil) != tt.wantFatal {
				t.Fatalf("identify err = %v, wantFatal %v", err, tt.wantFatal)
			}
			if tt.wantFatal {
				if n, _ := tg.calls(); n != 1 {
					t.Fatalf("Identify called %d times after a rejected token", n)
				}
				return
			}
			waitFor(t, 5*time.Second, func() bool {
				return a.gw.Ingest(context.Background(), suffixedStats())
			})
			if err := a.sup.Err(); err != nil {
				t.Fatalf("identify recorded a fatal error: %v", err)
			}
		})
	}
}
