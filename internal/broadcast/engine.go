// Package broadcast delivers one or many payloads to a list of recipients,
// one send at a time, with a minimum gap between sends.
package broadcast

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"shroombot/internal/eventbus"
	"shroombot/internal/transport"
	logx "shroombot/pkg/logx"
)

const (
	DefaultPacing      = 50 * time.Millisecond
	DefaultSendTimeout = 15 * time.Second
)

type Config struct {
	// Pacing is the minimum interval between consecutive send starts within one job.
	Pacing time.Duration
	// SendTimeout bounds one send. The send itself ignores caller cancellation.
	SendTimeout time.Duration
	// GlobalRatePerSec, when > 0, caps sends across all jobs sharing this engine.
	GlobalRatePerSec float64

	ParseMode      string
	DisablePreview bool
}

func (c Config) withDefaults() Config {
	if c.Pacing < 0 {
		c.Pacing = 0
	}
	if c.Pacing == 0 {
		c.Pacing = DefaultPacing
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// Message is one per-recipient payload.
type Message struct {
	UserID int64
	Text   string
}

// Result counts outcomes of one job. Skipped recipients were never attempted
// because the job was cancelled.
type Result struct {
	Sent    int
	Failed  int
	Skipped int
}

// Attempted is the number of recipients a send was issued for.
func (r Result) Attempted() int { return r.Sent + r.Failed }

// FinishedData is the payload of an eventbus.BroadcastFinished event.
type FinishedData struct {
	JobID  string
	Kind   string
	Result Result
	Took   time.Duration
	Err    error
}

// StartedData is the payload of an eventbus.BroadcastStarted event.
type StartedData struct {
	JobID      string
	Kind       string
	Recipients int // -1 when streamed
}

// Engine runs broadcast jobs. Jobs are independent and may run concurrently;
// each paces itself. The optional global limiter is shared by every job.
type Engine struct {
	sender transport.Sender
	bus    eventbus.Bus
	log    logx.Logger

	mu     sync.RWMutex
	cfg    Config
	global *rate.Limiter
}

func New(sender transport.Sender, cfg Config, bus eventbus.Bus, log logx.Logger) *Engine {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		sender: sender,
		bus:    bus,
		log:    log.With(logx.String("comp", "broadcast")),
	}
	e.SetConfig(cfg)
	return e
}

// SetConfig applies new pacing settings. Running jobs keep the settings they started with.
func (e *Engine) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.cfg
	e.cfg = cfg
	switch {
	case cfg.GlobalRatePerSec <= 0:
		e.global = nil
	case e.global == nil:
		e.global = rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSec), 1)
	case prev.GlobalRatePerSec != cfg.GlobalRatePerSec:
		e.global.SetLimit(rate.Limit(cfg.GlobalRatePerSec))
	}
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// WithPacing returns an engine with its own pacing floor that shares the
// sender, event bus and global limiter with e.
func (e *Engine) WithPacing(pacing time.Duration) *Engine {
	e.mu.RLock()
	cfg := e.cfg
	global := e.global
	e.mu.RUnlock()
	if pacing > 0 {
		cfg.Pacing = pacing
	}
	return &Engine{
		sender: e.sender,
		bus:    e.bus,
		log:    e.log,
		cfg:    cfg.withDefaults(),
		global: global,
	}
}

// SendAll delivers payload to every recipient in order. A failed send is
// counted and the job moves on; it is never retried. Cancelling ctx stops the
// job between recipients and counts the rest as skipped.
func (e *Engine) SendAll(ctx context.Context, recipients []int64, payload string) Result {
	j := e.newJob("send_all", len(recipients))
	for i, id := range recipients {
		if !j.wait(ctx) {
			j.res.Skipped = len(recipients) - i
			break
		}
		j.send(ctx, id, payload)
	}
	j.finish(nil)
	return j.res
}

// SendEach delivers per-recipient payloads pulled from msgs. An error yielded
// by msgs stops the job and is returned along with the partial result.
func (e *Engine) SendEach(ctx context.Context, msgs iter.Seq2[Message, error]) (Result, error) {
	j := e.newJob("send_each", -1)
	var err error
	for m, merr := range msgs {
		if merr != nil {
			err = merr
			break
		}
		if !j.wait(ctx) {
			j.res.Skipped++
			break
		}
		j.send(ctx, m.UserID, m.Text)
	}
	j.finish(err)
	return j.res, err
}

type job struct {
	e      *Engine
	id     string
	kind   string
	cfg    Config
	global *rate.Limiter
	log    logx.Logger

	started   time.Time
	lastStart time.Time
	res       Result
}

func (e *Engine) newJob(kind string, recipients int) *job {
	e.mu.RLock()
	cfg, global := e.cfg, e.global
	e.mu.RUnlock()

	id := uuid.NewString()
	j := &job{
		e:       e,
		id:      id,
		kind:    kind,
		cfg:     cfg,
		global:  global,
		log:     e.log.With(logx.String("job_id", id), logx.String("kind", kind)),
		started: time.Now(),
	}
	j.log.Info("broadcast started", logx.Int("recipients", recipients), logx.Duration("pacing", cfg.Pacing))
	e.bus.Publish(eventbus.Event{Type: eventbus.BroadcastStarted, Data: StartedData{JobID: id, Kind: kind, Recipients: recipients}})
	return j
}

// wait blocks until the next send may start. It reports false if ctx ended first.
func (j *job) wait(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if !j.lastStart.IsZero() {
		if d := j.cfg.Pacing - time.Now().Sub(j.lastStart); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return false
			case <-t.C:
			}
		}
	}
	if j.global != nil {
		if err := j.global.Wait(ctx); err != nil {
			return false
		}
	}
	return true
}

func (j *job) send(ctx context.Context, userID int64, text string) {
	// The current recipient is finished even if shutdown starts mid-send.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.cfg.SendTimeout)
	defer cancel()

	j.lastStart = time.Now()
	err := j.e.sender.SendText(sctx, userID, text, &transport.SendOptions{
		ParseMode:      j.cfg.ParseMode,
		DisablePreview: j.cfg.DisablePreview,
	})
	if err != nil {
		j.res.Failed++
		j.log.Debug("send failed", logx.Int64("user_id", userID), logx.Err(err))
		return
	}
	j.res.Sent++
}

func (j *job) finish(err error) {
	took := time.Now().Sub(j.started)
	fields := []logx.Field{
		logx.Int("sent", j.res.Sent),
		logx.Int("failed", j.res.Failed),
		logx.Int("skipped", j.res.Skipped),
		logx.Duration("took", took),
	}
	switch {
	case err != nil:
		j.log.Warn("broadcast aborted", append(fields, logx.Err(err))...)
	case j.res.Skipped > 0:
		j.log.Warn("broadcast interrupted", fields...)
	default:
		j.log.Info("broadcast finished", fields...)
	}
	j.e.bus.Publish(eventbus.Event{
		Type: eventbus.BroadcastFinished,
		Data: FinishedData{JobID: j.id, Kind: j.kind, Result: j.res, Took: took, Err: err},
	})
}
