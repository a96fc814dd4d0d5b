package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/iliyamo/ticket-coordinator/internal/config"
)

// Open connects to MySQL, applies the pool bounds from cfg and verifies the
// connection within cfg.ConnTimeout.
func Open(ctx context.Context, cfg config.DBConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, err
	}
	Configure(db, cfg)

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql %s:%s: %w", cfg.Host, cfg.Port, err)
	}
	return db, nil
}

// Configure applies pool settings. Idle connections beyond the idle
// timeout are closed; the pool never exceeds PoolMax open connections.
func Configure(db *sql.DB, cfg config.DBConfig) {
	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMax)
	db.SetConnMaxIdleTime(cfg.IdleTimeout)
}
