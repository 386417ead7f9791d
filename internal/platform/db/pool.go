package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultAppName = "amdsync"

// PoolConfig sizes the pool and sets per-session defaults.
type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	// AppName is reported in pg_stat_activity unless the URL sets one.
	AppName string
	// StatementTimeout caps any single statement, including those inside
	// the ERA posting transaction. Zero leaves the server default.
	StatementTimeout time.Duration
}

// NewPool opens the pool and fails fast if the database is unreachable.
func NewPool(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("db: parse database url: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 && pc.MinConns <= cfg.MaxConns {
		cfg.MinConns = pc.MinConns
	}

	params := cfg.ConnConfig.RuntimeParams
	if params["application_name"] == "" {
		name := pc.AppName
		if name == "" {
			name = defaultAppName
		}
		params["application_name"] = name
	}
	if pc.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(pc.StatementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return pool, nil
}
