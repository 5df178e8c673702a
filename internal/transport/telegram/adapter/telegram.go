package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "shroombot/internal/runtime/supervisor"
	"shroombot/internal/transport"
	logx "shroombot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API base URL. Empty means api.telegram.org.
	APIURL string
}

// Adapter implements transport.Client on top of telebot.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	username atomic.Value // string

	// droppedUpdates counts updates dropped because the consumer was slower than the poll loop.
	droppedUpdates uint64
}

var _ transport.Client = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Construction never touches the network; Identify runs getMe later so a
	// transient outage at boot is not mistaken for bad credentials.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		// Long-poll requests must outlive the server-side poll timeout.
		Client: &http.Client{Timeout: cfg.PollTimeout + 15*time.Second},
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Identify calls getMe and caches the bot username.
func (a *Adapter) Identify(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := a.bot.Raw("getMe", nil)
	if err != nil {
		if unauthorized(err) {
			return "", fmt.Errorf("getMe: %w: %w", transport.ErrUnauthorized, err)
		}
		return "", fmt.Errorf("getMe: %w", err)
	}
	var resp struct {
		Result *tele.User `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.Result == nil {
		return "", fmt.Errorf("getMe: unexpected response: %s", data)
	}
	a.username.Store(resp.Result.Username)
	return resp.Result.Username, nil
}

// Username returns the name cached by the last successful Identify.
func (a *Adapter) Username() string {
	name, _ := a.username.Load().(string)
	return name
}

func unauthorized(err error) bool {
	var te *tele.Error
	return errors.As(err, &te) && te.Code == http.StatusUnauthorized
}

// Decode parses one webhook body with the same conversion used by the poll loop.
func (a *Adapter) Decode(raw []byte) (transport.Update, error) {
	return Decode(raw)
}

// Decode is the adapter-independent form of (*Adapter).Decode.
func Decode(raw []byte) (transport.Update, error) {
	var u tele.Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return transport.Update{}, fmt.Errorf("%w: %v", transport.ErrMalformed, err)
	}
	if u.ID == 0 && u.Message == nil {
		return transport.Update{}, transport.ErrMalformed
	}
	return fromTele(u), nil
}

func fromTele(u tele.Update) transport.Update {
	up := transport.Update{ID: u.ID}
	m := u.Message
	if m == nil || m.Chat == nil {
		return up
	}
	msg := &transport.Message{
		ID:          m.ID,
		ChatID:      m.Chat.ID,
		Text:        m.Text,
		IsPrivate:   m.Chat.Type == tele.ChatPrivate,
		UnixSeconds: m.Unixtime,
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromName = m.Sender.FirstName
		if msg.FromName == "" {
			msg.FromName = m.Sender.Username
		}
	}
	up.Message = msg
	return up
}

// Start runs the long-poll loop under a restart supervisor.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		// polling errors should not take down the whole app
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	// One poller across restarts keeps LastUpdateID, so a restart does not
	// replay updates that were already forwarded.
	poller := &tele.LongPoller{
		Timeout:        a.cfg.PollTimeout,
		AllowedUpdates: []string{"message"},
	}
	sup.GoRestart("telegram.poll", func(c context.Context) error {
		return a.poll(c, poller, out)
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	a.log.Info("polling started", logx.Duration("timeout", a.cfg.PollTimeout))
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// poll drives telebot's LongPoller and forwards converted updates to out.
// A full out drops the update rather than stalling the poller.
func (a *Adapter) poll(ctx context.Context, p *tele.LongPoller, out chan<- transport.Update) error {
	in := make(chan tele.Update, cap(out)+1)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Poll(a.bot, in, stop)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			// Poll may still be blocked handing over the last batch.
			for {
				select {
				case <-in:
				case <-done:
					return ctx.Err()
				}
			}
		case <-done:
			return errors.New("long poller exited")
		case u := <-in:
			select {
			case out <- fromTele(u):
			default:
				atomic.AddUint64(&a.droppedUpdates, 1)
			}
		}
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// The in-flight getUpdates cannot be interrupted; keep shutdown snappy.
	grace := 2 * time.Second
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with poll error", logx.Err(err))
	}
	a.log.Info("polling stopped")
	return nil
}

func (a *Adapter) SetWebhook(ctx context.Context, url, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.SetWebhook(&tele.Webhook{
		Endpoint:       &tele.WebhookEndpoint{PublicURL: url},
		SecretToken:    secret,
		AllowedUpdates: []string{"message"},
	})
}

func (a *Adapter) RemoveWebhook(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.RemoveWebhook()
}

const telegramTextLimit = 4000

func (a *Adapter) SendText(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := a.bot.Send(tele.ChatID(chatID), chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", transport.ErrSend, err)
		}
	}
	return nil
}

// splitText splits long messages into chunks Telegram accepts, preferring
// newline boundaries that do not leave tiny chunks.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end >= len(rs) {
			end = len(rs)
		} else {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
