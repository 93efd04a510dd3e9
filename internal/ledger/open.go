package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "oncallnotifier/pkg/logx"
)

// Config configures the ledger.
//
// Driver values:
//   - "sqlite": SQLite database file (single host; several processes may share it)
//   - "postgres": shared database for multi-replica deployments
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured ledger and applies its schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	var (
		st  *sqlStore
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "postgres", "postgresql":
		st, err = openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("ledger: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}
