// Package postgres provides PostgreSQL persistence for users and chat
// messages using pgx v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openvtt/vttserver/internal/config"
)

// Pool wraps a pgx connection pool with lifecycle and health-check methods.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool opens a connection pool using the given database configuration
// and verifies connectivity with a ping.
//
// Postcondition: Returns a Pool ready for queries, or a non-nil error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Pool{pool: pool}, nil
}

// Health reports whether the database answers a ping within the timeout.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Close releases all pool resources. The pool is unusable afterwards.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the underlying pgxpool.Pool for use by repositories.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
