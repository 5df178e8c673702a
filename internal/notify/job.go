// Package notify runs the periodic income notification: every tick it scans
// recently active users with positive income and sends each a personal message.
package notify

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"shroombot/internal/broadcast"
	"shroombot/internal/eventbus"
	"shroombot/internal/storage"
	logx "shroombot/pkg/logx"
)

const (
	DefaultSchedule     = "@every 1h"
	DefaultActiveWindow = 7 * 24 * time.Hour
	DefaultPacing       = 100 * time.Millisecond
)

type Config struct {
	Schedule     string
	Timezone     string
	ActiveWindow time.Duration
	// TickTimeout bounds one tick; 0 means no bound.
	TickTimeout time.Duration
}

// Sender is the part of broadcast.Engine the job uses.
type Sender interface {
	SendEach(ctx context.Context, msgs iter.Seq2[broadcast.Message, error]) (broadcast.Result, error)
}

// TickData is the payload of notify tick events.
type TickData struct {
	Result broadcast.Result
	Took   time.Duration
	Err    error
}

type Job struct {
	store  storage.UserStore
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger
	cfg    Config
	sched  cron.Schedule
	loc    *time.Location
	now    func() time.Time

	mu     sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc
}

// New validates cfg. Only configuration errors are returned.
func New(store storage.UserStore, sender Sender, cfg Config, bus eventbus.Bus, log logx.Logger) (*Job, error) {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = DefaultActiveWindow
	}
	sched, form, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("notifications.timezone: %w", err)
		}
		loc = l
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "notify"))
	log.Debug("schedule parsed", logx.String("schedule", cfg.Schedule), logx.String("form", form))
	return &Job{
		store:  store,
		sender: sender,
		bus:    bus,
		log:    log,
		cfg:    cfg,
		sched:  sched,
		loc:    loc,
		now:    time.Now,
	}, nil
}

func incomeText(income float64) string {
	return fmt.Sprintf("🍄 Your mushrooms have gathered essence!\n\n"+
		"💧 Income: %.4f Es/hour\n"+
		"Collect your harvest in the game! 🎁", income)
}

// messages maps candidates to per-user payloads lazily.
func messages(cands iter.Seq2[storage.Candidate, error]) iter.Seq2[broadcast.Message, error] {
	return func(yield func(broadcast.Message, error) bool) {
		for c, err := range cands {
			if err != nil {
				yield(broadcast.Message{}, err)
				return
			}
			if !yield(broadcast.Message{UserID: c.UserID, Text: incomeText(c.Income)}, nil) {
				return
			}
		}
	}
}

// RunOnce performs one tick. A store failure is returned along with whatever
// was sent before it.
func (j *Job) RunOnce(ctx context.Context) (broadcast.Result, error) {
	if j.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.cfg.TickTimeout)
		defer cancel()
	}
	cands := j.store.ListActiveWithIncome(ctx, j.cfg.ActiveWindow, j.now())
	return j.sender.SendEach(ctx, messages(cands))
}

// tick is the scheduled form of RunOnce: failures are logged, never raised.
func (j *Job) tick(ctx context.Context) {
	start := time.Now()
	res, err := j.RunOnce(ctx)
	took := time.Since(start)
	data := TickData{Result: res, Took: took, Err: err}
	switch {
	case errors.Is(err, storage.ErrUnavailable):
		j.log.Warn("store unavailable, tick skipped", logx.Err(err), logx.Int("sent", res.Sent))
		j.bus.Publish(eventbus.Event{Type: eventbus.NotifyTickSkipped, Data: data})
		return
	case err != nil:
		j.log.Error("tick failed", logx.Err(err), logx.Int("sent", res.Sent))
		j.bus.Publish(eventbus.Event{Type: eventbus.NotifyTickSkipped, Data: data})
		return
	}
	j.log.Info("tick done",
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Int("skipped", res.Skipped),
		logx.Duration("took", took),
	)
	j.bus.Publish(eventbus.Event{Type: eventbus.NotifyTickDone, Data: data})
}

// Start begins triggering ticks. A tick still running when the next one is
// due causes that trigger to be skipped.
func (j *Job) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	cl := cronLogger{log: j.log}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(j.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(j.sched, cron.FuncJob(func() { j.tick(runCtx) }))
	c.Start()
	j.c, j.cancel = c, cancel

	next := j.sched.Next(time.Now().In(j.loc))
	j.log.Info("notification job started", logx.String("schedule", j.cfg.Schedule), logx.Time("next", next))
}

// Stop stops triggering and cancels a running tick. The tick finishes its
// current recipient; Stop waits for it or for ctx.
func (j *Job) Stop(ctx context.Context) {
	j.mu.Lock()
	c, cancel := j.c, j.cancel
	j.c, j.cancel = nil, nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		j.log.Warn("notification job stop timed out")
	}
	j.log.Info("notification job stopped")
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
