package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "shroombot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	cfg Config
}

func openSQLite(cfg Config, log logx.Logger) (UserStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; pages are fetched without holding the connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite")), cfg: cfg}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *sqliteStore) UpsertSeen(ctx context.Context, id int64, displayName string, now time.Time) error {
	ms := now.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(telegram_id, username, last_active, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET
		   last_active = excluded.last_active,
		   username = COALESCE(excluded.username, users.username)`,
		id, nullStr(displayName), ms, ms,
	)
	if err != nil {
		return unavailable("upsert user", err)
	}
	return nil
}

func (s *sqliteStore) Touch(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_active = ? WHERE telegram_id = ?`, now.UnixMilli(), id)
	if err != nil {
		return false, unavailable("touch user", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("touch user", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) GetStats(ctx context.Context, id int64) (Stats, bool, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT blood_balance, essence_balance, task_token_balance FROM users WHERE telegram_id = ?`, id,
	).Scan(&st.Blood, &st.Essence, &st.TaskTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return Stats{}, false, nil
	}
	if err != nil {
		return Stats{}, false, unavailable("get stats", err)
	}
	return st, true, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, bool, error) {
	var (
		u    User
		name sql.NullString
		ms   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT telegram_id, username, last_active, blood_balance, essence_balance, task_token_balance
		 FROM users WHERE telegram_id = ?`, id,
	).Scan(&u.ID, &name, &ms, &u.Blood, &u.Essence, &u.TaskTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, unavailable("get user", err)
	}
	u.DisplayName = name.String
	u.LastActive = time.UnixMilli(ms)
	return u, true, nil
}

func (s *sqliteStore) ListActiveWithIncome(ctx context.Context, window time.Duration, now time.Time) iter.Seq2[Candidate, error] {
	since := now.Add(-window).UnixMilli()
	return pagedCandidates(ctx, s.cfg.PageSize, s.cfg.MaxCandidates, func(ctx context.Context, after int64, limit int) ([]Candidate, error) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT u.telegram_id, SUM(m.base_income_ph) AS income
			 FROM users u JOIN mushrooms m ON m.user_id = u.telegram_id
			 WHERE u.last_active > ? AND u.telegram_id > ?
			 GROUP BY u.telegram_id
			 HAVING SUM(m.base_income_ph) > 0
			 ORDER BY u.telegram_id
			 LIMIT ?`,
			since, after, limit,
		)
		if err != nil {
			return nil, unavailable("list candidates", err)
		}
		defer rows.Close()

		out := make([]Candidate, 0, limit)
		for rows.Next() {
			var c Candidate
			if err := rows.Scan(&c.UserID, &c.Income); err != nil {
				return nil, unavailable("list candidates", err)
			}
			out = append(out, c)
		}
		if err := rows.Err(); err != nil {
			return nil, unavailable("list candidates", err)
		}
		return out, nil
	})
}

func (s *sqliteStore) RecipientIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT telegram_id FROM users ORDER BY telegram_id`)
	if err != nil {
		return nil, unavailable("list recipients", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("list recipients", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list recipients", err)
	}
	return ids, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
