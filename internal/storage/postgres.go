package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	logx "shroombot/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ UserStore = (*pgStore)(nil)

// pgStore reads and writes the game's own database. The schema is owned
// by the game server and is expected to exist.
type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	cfg  Config
}

func openPostgres(cfg Config, log logx.Logger) (UserStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	st := &pgStore{pool: pool, log: log.With(logx.String("comp", "storage.postgres")), cfg: cfg}

	// The pool connects lazily; an unreachable database only degrades features.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		st.log.Warn("database not reachable at startup", logx.Err(err))
	}
	return st, nil
}

func (s *pgStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *pgStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *pgStore) UpsertSeen(ctx context.Context, id int64, displayName string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (telegram_id, username, last_active)
		 VALUES ($1, NULLIF($2, ''), $3)
		 ON CONFLICT (telegram_id) DO UPDATE SET
		   last_active = EXCLUDED.last_active,
		   username = COALESCE(EXCLUDED.username, users.username)`,
		id, strings.TrimSpace(displayName), now,
	)
	if err != nil {
		return unavailable("upsert user", err)
	}
	return nil
}

func (s *pgStore) Touch(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET last_active = $1 WHERE telegram_id = $2`, now, id)
	if err != nil {
		return false, unavailable("touch user", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) GetStats(ctx context.Context, id int64) (Stats, bool, error) {
	var st Stats
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(blood_balance, 0)::float8,
		        COALESCE(essence_balance, 0)::float8,
		        COALESCE(task_token_balance, 0)::int8
		 FROM users WHERE telegram_id = $1`, id,
	).Scan(&st.Blood, &st.Essence, &st.TaskTokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return Stats{}, false, nil
	}
	if err != nil {
		return Stats{}, false, unavailable("get stats", err)
	}
	return st, true, nil
}

func (s *pgStore) GetUser(ctx context.Context, id int64) (User, bool, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT telegram_id, COALESCE(username, ''), last_active,
		        COALESCE(blood_balance, 0)::float8,
		        COALESCE(essence_balance, 0)::float8,
		        COALESCE(task_token_balance, 0)::int8
		 FROM users WHERE telegram_id = $1`, id,
	).Scan(&u.ID, &u.DisplayName, &u.LastActive, &u.Blood, &u.Essence, &u.TaskTokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, unavailable("get user", err)
	}
	return u, true, nil
}

func (s *pgStore) ListActiveWithIncome(ctx context.Context, window time.Duration, now time.Time) iter.Seq2[Candidate, error] {
	since := now.Add(-window)
	return pagedCandidates(ctx, s.cfg.PageSize, s.cfg.MaxCandidates, func(ctx context.Context, after int64, limit int) ([]Candidate, error) {
		rows, err := s.pool.Query(ctx,
			`SELECT u.telegram_id, SUM(m.base_income_ph)::float8 AS income
			 FROM users u JOIN mushrooms m ON m.user_id = u.telegram_id
			 WHERE u.last_active > $1 AND u.telegram_id > $2
			 GROUP BY u.telegram_id
			 HAVING SUM(m.base_income_ph) > 0
			 ORDER BY u.telegram_id
			 LIMIT $3`,
			since, after, limit,
		)
		if err != nil {
			return nil, unavailable("list candidates", err)
		}
		out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Candidate, error) {
			var c Candidate
			err := row.Scan(&c.UserID, &c.Income)
			return c, err
		})
		if err != nil {
			return nil, unavailable("list candidates", err)
		}
		return out, nil
	})
}

func (s *pgStore) RecipientIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT telegram_id FROM users WHERE telegram_id IS NOT NULL ORDER BY telegram_id`)
	if err != nil {
		return nil, unavailable("list recipients", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, unavailable("list recipients", err)
	}
	return ids, nil
}
