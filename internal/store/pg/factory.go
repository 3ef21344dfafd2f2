package pg

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/relayclaw/internal/store"
)

// OpenDB opens a pooled Postgres connection through the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return db, nil
}

// NewPGStores creates all stores backed by Postgres. The schema must be at
// RequiredSchemaVersion (run `relayclaw migrate up`).
func NewPGStores(ctx context.Context, cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	status, err := CheckSchema(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if !status.Compatible {
		db.Close()
		return nil, status.Err()
	}

	s := NewPGStore(db, cfg.HistoryLimit)
	return &store.Stores{
		Cursors:   s,
		Cooldowns: s,
		History:   s,
		Usage:     s,
		Lister:    s,
		Close:     db.Close,
	}, nil
}
