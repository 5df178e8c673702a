package gateway

import (
	"context"
	"errors"
	"sync/atomic"

	"shroombot/internal/transport"
	logx "shroombot/pkg/logx"
)

// Dispatcher receives parsed commands. Dispatch must not block on handler work.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command)
}

// Gateway turns inbound updates, polled or pushed, into Commands.
type Gateway struct {
	dec  transport.Decoder
	disp Dispatcher
	log  logx.Logger

	inbox chan transport.Update

	botName   atomic.Value // string
	malformed atomic.Uint64
	dropped   atomic.Uint64
}

func New(dec transport.Decoder, disp Dispatcher, queueSize int, log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Gateway{
		dec:   dec,
		disp:  disp,
		log:   log.With(logx.String("comp", "gateway")),
		inbox: make(chan transport.Update, queueSize),
	}
}

// SetBotName records the username commands may be addressed to as
// "/cmd@name". Until it is set, suffixed commands are ignored.
func (g *Gateway) SetBotName(name string) {
	g.botName.Store(name)
}

func (g *Gateway) loadBotName() string {
	name, _ := g.botName.Load().(string)
	return name
}

// Inbox is the channel Run consumes. The polling transport writes into it.
func (g *Gateway) Inbox() chan<- transport.Update { return g.inbox }

// Ingest parses up and hands a recognized command to the dispatcher.
// It reports whether a command was dispatched.
func (g *Gateway) Ingest(ctx context.Context, up transport.Update) bool {
	cmd, ok := Parse(up, g.loadBotName())
	if !ok {
		if up.Message != nil {
			g.log.Debug("ignored update", logx.Int("update_id", up.ID), logx.Int64("from_id", up.Message.FromID))
		}
		return false
	}
	g.disp.Dispatch(ctx, cmd)
	return true
}

// IngestRaw decodes one raw update and ingests it synchronously. Malformed
// payloads are dropped; there is nothing useful to report upstream.
func (g *Gateway) IngestRaw(ctx context.Context, raw []byte) bool {
	up, ok := g.decode(raw)
	if !ok {
		return false
	}
	return g.Ingest(ctx, up)
}

// Submit decodes one raw update and queues it for Run. It never blocks: a
// full inbox drops the update. The webhook handler uses this so the HTTP
// response does not wait on command processing.
func (g *Gateway) Submit(raw []byte) bool {
	up, ok := g.decode(raw)
	if !ok {
		return false
	}
	select {
	case g.inbox <- up:
		return true
	default:
		n := g.dropped.Add(1)
		g.log.Warn("inbox full, update dropped", logx.Int("update_id", up.ID), logx.Uint64("dropped_total", n))
		return false
	}
}

func (g *Gateway) decode(raw []byte) (transport.Update, bool) {
	up, err := g.dec.Decode(raw)
	if err != nil {
		n := g.malformed.Add(1)
		lvl := g.log.Debug
		if !errors.Is(err, transport.ErrMalformed) {
			lvl = g.log.Warn
		}
		lvl("dropping undecodable update", logx.Err(err), logx.Int("bytes", len(raw)), logx.Uint64("malformed_total", n))
		return transport.Update{}, false
	}
	return up, true
}

// Run is the single ingestion loop. It returns when ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Info("ingestion loop started", logx.Int("inbox_cap", cap(g.inbox)))
	defer g.log.Info("ingestion loop stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-g.inbox:
			g.Ingest(ctx, up)
		}
	}
}

// Stats returns counters of dropped inbound payloads.
func (g *Gateway) Stats() (malformed, dropped uint64) {
	return g.malformed.Load(), g.dropped.Load()
}
