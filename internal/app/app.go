package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"shroombot/internal/broadcast"
	"shroombot/internal/config"
	"shroombot/internal/dispatcher"
	"shroombot/internal/eventbus"
	"shroombot/internal/gateway"
	"shroombot/internal/httpapi"
	"shroombot/internal/notify"
	rtsup "shroombot/internal/runtime/supervisor"
	"shroombot/internal/storage"
	"shroombot/internal/transport"
	"shroombot/internal/transport/telegram/adapter"
	logx "shroombot/pkg/logx"
	"shroombot/pkg/systemd"
)

// App owns every long-lived component and their lifecycle.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.UserStore
	tg     transport.Client
	engine *broadcast.Engine
	rdb    *redis.Client
	disp   *dispatcher.Dispatcher
	gw     *gateway.Gateway
	http   *httpapi.Server

	mode    string
	adminID atomic.Int64

	notifyMu sync.Mutex
	notify   *notify.Job
}

// New loads the configuration through cfgm and builds every component. Nothing
// runs until Start. A missing bot token surfaces as config.ErrMissingToken.
func New(cfgm *config.Manager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The chat sink needs the transport, which needs a logger: install the sender after.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	appLog := log.With(logx.String("comp", "app"))

	tg, err := adapter.New(mapAdapterConfig(cfg), log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logSvc.SetSender(func(ctx context.Context, chatID int64, text string) error {
		return tg.SendText(ctx, chatID, text, nil)
	})

	store, err := storage.Open(mapStorageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	a := &App{
		cfgm:  cfgm,
		log:   appLog,
		logs:  logSvc,
		bus:   eventbus.New(),
		store: store,
		tg:    tg,
		mode:  cfg.Telegram.Mode,
	}
	a.adminID.Store(cfg.Telegram.AdminID)
	a.engine = broadcast.New(tg, mapBroadcastConfig(cfg), a.bus, log)

	var locker broadcast.Locker = broadcast.NewLocalLocker()
	if cfg.Redis != nil {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker = broadcast.NewRedisLocker(a.rdb, "", cfg.Broadcast.LockTTLDuration(), log)
		appLog.Info("broadcast lock shared via redis", logx.String("addr", cfg.Redis.Addr))
	}

	a.disp = dispatcher.New(dispatcher.Deps{
		Store:       store,
		Sender:      tg,
		Broadcaster: a.engine,
		Locker:      locker,
		AdminID:     a.adminID.Load,
	}, mapDispatcherConfig(cfg), log)
	a.gw = gateway.New(tg, a.disp, 0, log)

	if httpEnabled(cfg) {
		a.http = httpapi.New(mapHTTPConfig(cfg), a.gw, log)
	}
	if cfg.NotificationsEnabled() {
		job, err := a.newNotifyJob(cfg)
		if err != nil {
			a.closeResources()
			return nil, err
		}
		a.notify = job
	}
	if cfg.Telegram.AdminID == 0 {
		appLog.Warn("no administrator configured; /broadcast is disabled")
	}
	return a, nil
}

func (a *App) newNotifyJob(cfg *config.Config) (*notify.Job, error) {
	sender := a.engine.WithPacing(cfg.Notifications.PacingDuration())
	return notify.New(a.store, sender, mapNotifyConfig(cfg), a.bus, a.log)
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if !cfg.NotificationsEnabled() || strings.TrimSpace(cfg.Notifications.Schedule) == "" {
			return nil
		}
		if _, _, err := notify.ParseSchedule(cfg.Notifications.Schedule); err != nil {
			return fmt.Errorf("notifications.schedule: %w", err)
		}
		return nil
	})

	if err := a.identify(ctx); err != nil {
		return err
	}

	if err := a.store.Ping(ctx); err != nil {
		// Handlers answer with a transient error until the store recovers.
		a.log.Warn("store not reachable at startup", logx.Err(err))
	}

	// Handlers outlive ingestion shutdown; Stop drains them through Wait.
	a.disp.Start(context.WithoutCancel(runCtx))
	a.sup.Go("gateway", a.gw.Run)

	if a.http != nil {
		a.http.Start(runCtx)
	}

	cfg := a.cfgm.Get()
	switch a.mode {
	case config.ModeWebhook:
		a.registerWebhook(webhookURL(cfg), cfg.Telegram.WebhookSecret, cfg.Telegram.WebhookURL)
	default:
		if err := a.tg.RemoveWebhook(ctx); err != nil {
			a.log.Warn("remove webhook failed; polling may be rejected", logx.Err(err))
		}
		if err := a.tg.Start(runCtx, a.gw.Inbox()); err != nil {
			return err
		}
	}

	a.notifyMu.Lock()
	if a.notify != nil {
		a.notify.Start(runCtx)
	}
	a.notifyMu.Unlock()

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: apply only the newest.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if d := systemd.WatchdogInterval(); d > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) { systemd.Watchdog(c, d) })
	}
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started",
		logx.String("mode", a.mode),
		logx.Bool("notifications", a.notify != nil),
		logx.Bool("http", a.http != nil),
	)
	return nil
}

// identify learns the bot username so group commands addressed to it are
// accepted. Only rejected credentials fail startup; any other error is
// retried in the background while unsuffixed commands keep working.
func (a *App) identify(ctx context.Context) error {
	name, err := a.tg.Identify(ctx)
	if err == nil {
		a.gw.SetBotName(name)
		a.log.Info("bot identified", logx.String("username", name))
		return nil
	}
	if errors.Is(err, transport.ErrUnauthorized) {
		return fmt.Errorf("telegram: %w", err)
	}
	a.log.Warn("bot identity unavailable; retrying", logx.Err(err))
	a.sup.GoRestart("telegram.identify", func(c context.Context) error {
		name, err := a.tg.Identify(c)
		if errors.Is(err, transport.ErrUnauthorized) {
			a.log.Error("bot credentials rejected; commands addressed as /cmd@bot stay ignored", logx.Err(err))
			return nil
		}
		if err != nil {
			return err
		}
		a.gw.SetBotName(name)
		a.log.Info("bot identified", logx.String("username", name))
		return nil
	},
		rtsup.WithRestartBackoff(time.Second, time.Minute),
	)
	return nil
}

// registerWebhook points Telegram at our endpoint, retrying until it sticks.
// base is logged instead of url because url embeds the secret.
func (a *App) registerWebhook(url, secret, base string) {
	a.sup.GoRestart("telegram.webhook", func(c context.Context) error {
		if err := a.tg.SetWebhook(c, url, secret); err != nil {
			return fmt.Errorf("set webhook: %w", err)
		}
		a.log.Info("webhook registered", logx.String("base", base))
		return nil
	},
		rtsup.WithRestartBackoff(time.Second, time.Minute),
	)
}

// applyConfig fans a committed reload out to the live components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes require a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(next))
	a.adminID.Store(next.Telegram.AdminID)
	a.engine.SetConfig(mapBroadcastConfig(next))

	for _, s := range sections {
		if s == "notifications" || s == "broadcast" {
			a.restartNotify(ctx, next)
			break
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// restartNotify replaces the scheduled job with one built from cfg. A job that
// fails to build leaves notifications off until the next valid reload.
func (a *App) restartNotify(ctx context.Context, cfg *config.Config) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	if a.notify != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notify.Stop(stopCtx)
		cancel()
		a.notify = nil
	}
	if !cfg.NotificationsEnabled() {
		a.log.Info("notifications disabled via config")
		return
	}
	job, err := a.newNotifyJob(cfg)
	if err != nil {
		a.log.Error("notification job rebuild failed", logx.Err(err))
		return
	}
	a.notify = job
	if ctx.Err() == nil {
		job.Start(ctx)
	}
}

// Stop shuts down in order: ingestion, scheduled job, in-flight handlers,
// store, logs. Every step is bounded so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("telegram", 3*time.Second, func(c context.Context) error { return a.tg.Stop(c) })
	step("http", 3*time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Stop(c)
	})

	// Ingestion is closed; unwind the gateway, config watch and other loops.
	a.sup.Cancel()

	step("notify", 3*time.Second, func(c context.Context) error {
		a.notifyMu.Lock()
		job := a.notify
		a.notifyMu.Unlock()
		if job != nil {
			job.Stop(c)
		}
		return nil
	})
	step("dispatcher", 10*time.Second, a.disp.Wait)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	if a.rdb != nil {
		step("redis", time.Second, func(context.Context) error { return a.rdb.Close() })
	}

	malformed, dropped := a.gw.Stats()
	a.log.Info("stopped", logx.Uint64("malformed_updates", malformed), logx.Uint64("dropped_updates", dropped))
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// step runs fn with an upper bound that never extends the caller's deadline.
// A step that ignores its context is abandoned and reported when it finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return err
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
		return stepCtx.Err()
	}
}

// closeResources releases what New acquired when Start never ran.
func (a *App) closeResources() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
