package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig holds the pool sizing read from configuration.
type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	// ApplicationName is reported in pg_stat_activity.
	ApplicationName string
}

// NewPool connects to PostgreSQL and verifies the connection with a ping.
// Subscriptions hold one connection for LISTEN, so MaxConns must leave room
// for it.
func NewPool(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if cfg.MaxConns < 2 {
		cfg.MaxConns = 2
	}
	cfg.MinConns = pc.MinConns
	cfg.HealthCheckPeriod = 30 * time.Second
	if pc.ApplicationName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = pc.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
