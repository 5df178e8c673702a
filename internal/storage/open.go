package storage

import (
	"errors"
	"strings"

	logx "shroombot/pkg/logx"
)

const defaultPageSize = 500

// Open initializes the configured store. Connectivity problems are not
// reported here (pools connect lazily); only configuration errors are.
func Open(cfg Config, log logx.Logger) (UserStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	case "":
		return nil, errors.New("storage.driver is required")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
