// Package storage is the User Store: per-user activity and game counters.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite), bootstraps its own schema
//   - "postgres": pgx connection pool against the game's database (schema owned by the game)
//
// Every driver failure is reported as ErrUnavailable so callers can skip and continue.
package storage
