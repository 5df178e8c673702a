package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// ErrUnavailable marks a backing store that cannot serve the request.
var ErrUnavailable = errors.New("store unavailable")

// User is one chat account known to the bot.
type User struct {
	ID          int64
	DisplayName string
	LastActive  time.Time
	Blood       float64
	Essence     float64
	TaskTokens  int64
}

// Stats are the game counters shown by /stats.
type Stats struct {
	Blood      float64
	Essence    float64
	TaskTokens int64
}

// Candidate is a user eligible for the periodic income notification.
type Candidate struct {
	UserID int64
	Income float64 // aggregated base income per hour
}

type UserStore interface {
	// UpsertSeen inserts the user or refreshes last_active (and a non-empty
	// display name). Balances are never touched.
	UpsertSeen(ctx context.Context, id int64, displayName string, now time.Time) error
	// Touch refreshes last_active for an existing user only. It reports whether the user exists.
	Touch(ctx context.Context, id int64, now time.Time) (bool, error)
	// GetStats returns ok=false for an identity that was never registered.
	GetStats(ctx context.Context, id int64) (Stats, bool, error)
	GetUser(ctx context.Context, id int64) (User, bool, error)
	// ListActiveWithIncome lazily yields users active after now-window with
	// strictly positive income. Pages are fetched on demand.
	ListActiveWithIncome(ctx context.Context, window time.Duration, now time.Time) iter.Seq2[Candidate, error]
	// RecipientIDs returns every known identity in ascending order.
	RecipientIDs(ctx context.Context) ([]int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config configures the store.
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default

	// PageSize is the number of candidates fetched per query.
	PageSize int
	// MaxCandidates caps one ListActiveWithIncome scan; 0 means unlimited.
	MaxCandidates int
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
