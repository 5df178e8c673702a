package storage

import (
	"context"
	"os"
	"testing"
	"time"
)

const testSchemaPG = `
CREATE TABLE IF NOT EXISTS users (
  telegram_id        BIGINT PRIMARY KEY,
  username           TEXT,
  last_active        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  blood_balance      NUMERIC NOT NULL DEFAULT 0,
  essence_balance    NUMERIC NOT NULL DEFAULT 0,
  task_token_balance INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS mushrooms (
  id             BIGSERIAL PRIMARY KEY,
  user_id        BIGINT NOT NULL,
  base_income_ph NUMERIC NOT NULL DEFAULT 0
);`

func openTestPostgres(t *testing.T) *pgStore {
	t.Helper()
	dsn := os.Getenv("SHROOMBOT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SHROOMBOT_TEST_DATABASE_URL not set")
	}
	st, err := Open(Config{Driver: "postgres", DSN: dsn, PageSize: 2}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pg := st.(*pgStore)
	t.Cleanup(func() { _ = pg.Close() })

	ctx := context.Background()
	if _, err := pg.pool.Exec(ctx, testSchemaPG); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return pg
}

func TestPostgresRoundTrip(t *testing.T) {
	pg := openTestPostgres(t)
	ctx := context.Background()
	// High ids keep the test away from real rows.
	ids := []int64{9_000_000_001, 9_000_000_002, 9_000_000_003}
	t.Cleanup(func() {
		_, _ = pg.pool.Exec(ctx, `DELETE FROM mushrooms WHERE user_id = ANY($1)`, ids)
		_, _ = pg.pool.Exec(ctx, `DELETE FROM users WHERE telegram_id = ANY($1)`, ids)
	})

	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := range 3 {
		if err := pg.UpsertSeen(ctx, ids[0], "pg", now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("UpsertSeen: %v", err)
		}
	}
	u, ok, err := pg.GetUser(ctx, ids[0])
	if err != nil || !ok {
		t.Fatalf("GetUser = %v, %v", ok, err)
	}
	if !u.LastActive.Equal(now.Add(2*time.Second)) || u.DisplayName != "pg" {
		t.Fatalf("user = %+v", u)
	}

	if _, ok, err := pg.GetStats(ctx, ids[2]); err != nil || ok {
		t.Fatalf("GetStats(absent) = %v, %v", ok, err)
	}
	if ok, err := pg.Touch(ctx, ids[2], now); err != nil || ok {
		t.Fatalf("Touch(absent) = %v, %v", ok, err)
	}

	if err := pg.UpsertSeen(ctx, ids[1], "", now); err != nil {
		t.Fatal(err)
	}
	for _, id := range ids[:2] {
		if _, err := pg.pool.Exec(ctx, `INSERT INTO mushrooms(user_id, base_income_ph) VALUES($1, 2)`, id); err != nil {
			t.Fatal(err)
		}
	}
	found := map[int64]float64{}
	for c, err := range pg.ListActiveWithIncome(ctx, time.Hour, now.Add(time.Minute)) {
		if err != nil {
			t.Fatalf("iter: %v", err)
		}
		found[c.UserID] = c.Income
	}
	if found[ids[0]] != 2 || found[ids[1]] != 2 {
		t.Fatalf("candidates = %v", found)
	}
}
