package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	logx "oncallnotifier/pkg/logx"
)

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*sqlStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("ledger: postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}

	st := newSQLStore(db, "postgres", log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// NewPostgresDB wraps an already open Postgres handle without migrating. Tests pass sqlmock here.
func NewPostgresDB(db *sql.DB, log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return newSQLStore(db, "postgres", log)
}
