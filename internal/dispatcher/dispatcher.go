// Package dispatcher routes parsed commands to handlers on a bounded worker
// pool and turns every failure into a reply to the caller.
package dispatcher

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"shroombot/internal/broadcast"
	"shroombot/internal/gateway"
	rtsup "shroombot/internal/runtime/supervisor"
	"shroombot/internal/storage"
	"shroombot/internal/transport"
	logx "shroombot/pkg/logx"
)

// ErrUnauthorized is returned when a non-admin invokes an admin command.
var ErrUnauthorized = errors.New("unauthorized")

const broadcastLockKey = "admin-broadcast"

// cancelGrace bounds how long Wait lingers for handlers after cancelling them.
const cancelGrace = 3 * time.Second

// Broadcaster is the part of broadcast.Engine the dispatcher uses.
type Broadcaster interface {
	SendAll(ctx context.Context, recipients []int64, payload string) broadcast.Result
}

type Config struct {
	Workers   int
	QueueSize int
	// HandlerTimeout bounds every handler except broadcast.
	HandlerTimeout time.Duration
	ReplyTimeout   time.Duration
}

type Deps struct {
	Store       storage.UserStore
	Sender      transport.Sender
	Broadcaster Broadcaster
	Locker      broadcast.Locker
	// AdminID returns the administrator identity from the live config. 0 disables broadcast.
	AdminID func() int64
	Now     func() time.Time
}

// Request is the per-command handler input.
type Request struct {
	Cmd    gateway.Command
	ReqID  string
	Logger logx.Logger
}

type route struct {
	handle  HandlerFunc
	timeout time.Duration
}

type Dispatcher struct {
	deps Deps
	cfg  Config
	log  logx.Logger

	routes map[gateway.Kind]route

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	jobs    chan func(context.Context)
}

var _ gateway.Dispatcher = (*Dispatcher)(nil)

func New(deps Deps, cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Workers < 2 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 10 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.AdminID == nil {
		deps.AdminID = func() int64 { return 0 }
	}
	if deps.Locker == nil {
		deps.Locker = broadcast.NewLocalLocker()
	}
	d := &Dispatcher{
		deps: deps,
		cfg:  cfg,
		log:  log.With(logx.String("comp", "dispatcher")),
		jobs: make(chan func(context.Context), cfg.QueueSize),
	}
	d.routes = map[gateway.Kind]route{
		gateway.KindStart:     {handle: d.handleStart, timeout: cfg.HandlerTimeout},
		gateway.KindStats:     {handle: d.handleStats, timeout: cfg.HandlerTimeout},
		gateway.KindHelp:      {handle: d.handleHelp, timeout: cfg.HandlerTimeout},
		gateway.KindUnknown:   {handle: d.handleHelp, timeout: cfg.HandlerTimeout},
		gateway.KindBroadcast: {handle: d.handleBroadcast}, // runs as long as the fan-out
	}
	return d
}

// Start launches the worker pool. Workers stop when ctx is cancelled or Wait is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.running {
		return
	}
	sup := rtsup.New(ctx,
		rtsup.WithLogger(d.log),
		rtsup.WithCancelOnError(false),
	)
	d.sup = sup
	d.running = true

	for i := 0; i < d.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("dispatcher.worker."+strconv.Itoa(idx), func(c context.Context) error {
			return d.worker(c, idx)
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	d.log.Info("dispatcher started", logx.Int("workers", d.cfg.Workers), logx.Int("queue_cap", cap(d.jobs)))
}

func (d *Dispatcher) worker(ctx context.Context, idx int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-d.jobs:
			if !ok {
				return nil
			}
			// Middleware already recovers; this keeps the worker alive regardless.
			func() {
				defer func() {
					if r := recover(); r != nil {
						d.log.Error("panic in dispatcher job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					}
				}()
				job(ctx)
			}()
		}
	}
}

// Dispatch queues cmd for a worker. It never blocks; when the queue is full
// the caller is told to retry. The handler runs under the worker context, so
// cancelling ctx does not abort queued work; Wait decides that.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd gateway.Command) {
	req := d.newRequest(cmd)
	if !d.tryEnqueue(func(wctx context.Context) { _ = d.Handle(wctx, req) }) {
		req.Logger.Warn("dispatcher queue full")
		d.reply(ctx, req, textBusy)
	}
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (d *Dispatcher) tryEnqueue(fn func(context.Context)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case d.jobs <- fn:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) newRequest(cmd gateway.Command) *Request {
	rid := uuid.NewString()[:8]
	return &Request{
		Cmd:   cmd,
		ReqID: rid,
		Logger: d.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", cmd.ChatID),
			logx.Int64("from_id", cmd.UserID),
			logx.String("cmd", cmd.Kind.String()),
		),
	}
}

// Handle runs one request synchronously through the middleware chain.
// Every failure has been answered by the time it returns.
func (d *Dispatcher) Handle(ctx context.Context, req *Request) error {
	r, ok := d.routes[req.Cmd.Kind]
	if !ok {
		r = d.routes[gateway.KindUnknown]
	}
	final := Chain(
		r.handle,
		MWReplyOnError(d.reply),
		MWPanicRecover(d.log),
		MWRequestLog(d.log),
		MWTimeout(r.timeout),
	)
	return final(ctx, req)
}

// HandleCommand is Handle for a bare command.
func (d *Dispatcher) HandleCommand(ctx context.Context, cmd gateway.Command) error {
	return d.Handle(ctx, d.newRequest(cmd))
}

// Wait stops accepting work and waits for queued and running handlers.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.runMu.Lock()
	sup := d.sup
	running := d.running
	if running {
		d.running = false
		close(d.jobs)
	}
	d.runMu.Unlock()
	if !running || sup == nil {
		return nil
	}
	err := sup.Wait(ctx)
	if err != nil {
		// Out of time: cancel running handlers (a broadcast counts the rest as
		// skipped) and abandon whatever is still queued.
		abandoned := len(d.jobs)
		sup.Cancel()
		gctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
		_ = sup.Wait(gctx)
		cancel()
		d.log.Warn("dispatcher drain timed out", logx.Int("abandoned", abandoned))
		return err
	}
	d.log.Info("dispatcher stopped")
	return nil
}

// reply answers the caller in the command's chat. Replies are sent even if
// the request context has been cancelled.
func (d *Dispatcher) reply(ctx context.Context, req *Request, text string) {
	d.replyOpts(ctx, req, text, nil)
}

func (d *Dispatcher) replyOpts(ctx context.Context, req *Request, text string, opt *transport.SendOptions) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ReplyTimeout)
	defer cancel()
	if err := d.deps.Sender.SendText(rctx, req.Cmd.ChatID, text, opt); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}
