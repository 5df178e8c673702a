package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shroombot/internal/eventbus"
	"shroombot/internal/transport"
	logx "shroombot/pkg/logx"
)

type sendCall struct {
	chatID int64
	text   string
	at     time.Time
	ctxErr error
}

type fakeSender struct {
	mu     sync.Mutex
	calls  []sendCall
	failOn map[int64]bool
	onSend func(chatID int64)
}

func (f *fakeSender) SendText(ctx context.Context, chatID int64, text string, _ *transport.SendOptions) error {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{chatID: chatID, text: text, at: time.Now(), ctxErr: ctx.Err()})
	fail := f.failOn[chatID]
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(chatID)
	}
	if fail {
		return transport.ErrSend
	}
	return nil
}

func (f *fakeSender) snapshot() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

func TestSendAllIsolatesFailures(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{failOn: map[int64]bool{2: true}}
	e := New(fs, Config{Pacing: time.Millisecond}, nil, logx.Nop())

	res := e.SendAll(context.Background(), []int64{1, 2, 3}, "hi")
	if res != (Result{Sent: 2, Failed: 1}) {
		t.Fatalf("result = %+v, want {Sent:2 Failed:1}", res)
	}
	calls := fs.snapshot()
	if len(calls) != 3 {
		t.Fatalf("attempted %d recipients, want 3", len(calls))
	}
	for i, want := range []int64{1, 2, 3} {
		if calls[i].chatID != want || calls[i].text != "hi" {
			t.Fatalf("call %d = %+v, want chat %d", i, calls[i], want)
		}
	}
}

func TestSendAllFailureCounts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		n      int
		failOn []int64
	}{
		{"none", 5, nil},
		{"first", 5, []int64{1}},
		{"last", 5, []int64{5}},
		{"all", 4, []int64{1, 2, 3, 4}},
		{"scattered", 8, []int64{2, 5, 7}},
		{"empty list", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fs := &fakeSender{failOn: map[int64]bool{}}
			for _, id := range tt.failOn {
				fs.failOn[id] = true
			}
			recipients := make([]int64, tt.n)
			for i := range recipients {
				recipients[i] = int64(i + 1)
			}
			res := New(fs, Config{Pacing: time.Microsecond}, nil, logx.Nop()).SendAll(context.Background(), recipients, "x")
			m := len(tt.failOn)
			if res.Sent != tt.n-m || res.Failed != m || res.Skipped != 0 {
				t.Fatalf("result = %+v, want {Sent:%d Failed:%d}", res, tt.n-m, m)
			}
			if got := len(fs.snapshot()); got != tt.n {
				t.Fatalf("attempted %d, want %d", got, tt.n)
			}
		})
	}
}

func TestSendAllRespectsPacingFloor(t *testing.T) {
	t.Parallel()
	const pacing = 20 * time.Millisecond
	fs := &fakeSender{}
	e := New(fs, Config{Pacing: pacing}, nil, logx.Nop())

	e.SendAll(context.Background(), []int64{1, 2, 3, 4, 5}, "x")
	calls := fs.snapshot()
	for i := 1; i < len(calls); i++ {
		// Calls are timestamped inside the sender, a hair after the send start.
		if gap := calls[i].at.Sub(calls[i-1].at); gap < pacing-time.Millisecond {
			t.Fatalf("gap %d = %v, want >= %v", i, gap, pacing)
		}
	}
}

func TestSendAllStopsBetweenRecipientsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fs := &fakeSender{}
	fs.onSend = func(chatID int64) {
		if chatID == 2 {
			cancel()
		}
	}
	e := New(fs, Config{Pacing: time.Millisecond}, nil, logx.Nop())

	res := e.SendAll(ctx, []int64{1, 2, 3, 4}, "x")
	if res != (Result{Sent: 2, Skipped: 2}) {
		t.Fatalf("result = %+v, want {Sent:2 Skipped:2}", res)
	}
	calls := fs.snapshot()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	for _, c := range calls {
		if c.ctxErr != nil {
			t.Fatalf("send for %d ran on a cancelled context", c.chatID)
		}
	}
}

func TestSendAllCancelledBeforeStart(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fs := &fakeSender{}
	res := New(fs, Config{}, nil, logx.Nop()).SendAll(ctx, []int64{1, 2, 3}, "x")
	if res != (Result{Skipped: 3}) || len(fs.snapshot()) != 0 {
		t.Fatalf("result = %+v, calls = %d", res, len(fs.snapshot()))
	}
}

func TestSendEachPerRecipientPayloads(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{failOn: map[int64]bool{20: true}}
	e := New(fs, Config{Pacing: time.Millisecond}, nil, logx.Nop())

	msgs := func(yield func(Message, error) bool) {
		for _, m := range []Message{{10, "a"}, {20, "b"}, {30, "c"}} {
			if !yield(m, nil) {
				return
			}
		}
	}
	res, err := e.SendEach(context.Background(), msgs)
	if err != nil {
		t.Fatalf("SendEach: %v", err)
	}
	if res != (Result{Sent: 2, Failed: 1}) {
		t.Fatalf("result = %+v", res)
	}
	calls := fs.snapshot()
	if calls[0].text != "a" || calls[1].text != "b" || calls[2].text != "c" {
		t.Fatalf("payloads not per recipient: %+v", calls)
	}
}

func TestSendEachStopsOnSourceError(t *testing.T) {
	t.Parallel()
	boom := errors.New("store gone")
	fs := &fakeSender{}
	e := New(fs, Config{Pacing: time.Millisecond}, nil, logx.Nop())

	msgs := func(yield func(Message, error) bool) {
		if !yield(Message{1, "a"}, nil) {
			return
		}
		if !yield(Message{}, boom) {
			return
		}
		yield(Message{3, "c"}, nil)
	}
	res, err := e.SendEach(context.Background(), msgs)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if res != (Result{Sent: 1}) || len(fs.snapshot()) != 1 {
		t.Fatalf("result = %+v, calls = %d", res, len(fs.snapshot()))
	}
}

func TestWithPacingKeepsParentConfig(t *testing.T) {
	t.Parallel()
	parent := New(&fakeSender{}, Config{Pacing: 5 * time.Millisecond, ParseMode: "HTML"}, nil, logx.Nop())
	child := parent.WithPacing(100 * time.Millisecond)
	if got := child.Config(); got.Pacing != 100*time.Millisecond || got.ParseMode != "HTML" {
		t.Fatalf("child config = %+v", got)
	}
	if got := parent.Config().Pacing; got != 5*time.Millisecond {
		t.Fatalf("parent pacing changed to %v", got)
	}
}

func TestGlobalRateLimiterSlowsJobs(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	e := New(fs, Config{Pacing: time.Microsecond, GlobalRatePerSec: 50}, nil, logx.Nop())

	start := time.Now()
	e.SendAll(context.Background(), []int64{1, 2, 3, 4}, "x")
	// Burst of one, then 20ms per token.
	if took := time.Since(start); took < 55*time.Millisecond {
		t.Fatalf("4 sends at 50/s took %v", took)
	}
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	e := New(&fakeSender{}, Config{Pacing: time.Microsecond}, bus, logx.Nop())
	e.SendAll(context.Background(), []int64{1}, "x")

	first, second := <-ch, <-ch
	if first.Type != eventbus.BroadcastStarted || second.Type != eventbus.BroadcastFinished {
		t.Fatalf("events = %s, %s", first.Type, second.Type)
	}
	sd := first.Data.(StartedData)
	fd := second.Data.(FinishedData)
	if sd.JobID == "" || sd.JobID != fd.JobID {
		t.Fatalf("job ids: %q vs %q", sd.JobID, fd.JobID)
	}
	if fd.Result != (Result{Sent: 1}) {
		t.Fatalf("finished result = %+v", fd.Result)
	}
}
