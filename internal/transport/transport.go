package transport

import (
	"context"
	"errors"
)

var (
	// ErrSend wraps any failure to deliver one outbound message.
	ErrSend = errors.New("transport send failed")
	// ErrMalformed marks an inbound payload that is not an update.
	ErrMalformed = errors.New("malformed update payload")
	// ErrUnauthorized means the platform rejected the bot credentials.
	ErrUnauthorized = errors.New("bot credentials rejected")
)

// Update is the normalized inbound event. Long-poll and webhook delivery both
// produce this shape.
type Update struct {
	ID      int
	Message *Message
}

type Message struct {
	ID          int
	ChatID      int64
	FromID      int64
	FromName    string // first name, falls back to username
	Text        string
	IsPrivate   bool
	UnixSeconds int64
}

type SendOptions struct {
	ParseMode      string // "", "Markdown", "HTML"
	DisablePreview bool
}

// Sender is the outbound half of the Bot Transport.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, opt *SendOptions) error
}

// Decoder turns one raw webhook body into an Update.
type Decoder interface {
	Decode(raw []byte) (Update, error)
}

// Client is the Bot Transport capability.
type Client interface {
	Sender
	Decoder

	// Identify asks the platform who the bot is and returns its username.
	// A rejected token wraps ErrUnauthorized.
	Identify(ctx context.Context) (string, error)

	// Start begins long-polling and forwards updates to out until Stop or ctx cancel.
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SetWebhook(ctx context.Context, url, secret string) error
	RemoveWebhook(ctx context.Context) error
}
