package storage

import (
	"errors"
	"strings"

	logx "flightwatch/pkg/logx"
)

// Open initializes the configured store. Only sqlite is supported; an
// empty or "none" driver yields ErrDisabled.
func Open(cfg Config, log logx.Logger) (*SQLite, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
