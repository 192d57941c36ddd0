// Package postgres implements the PostgreSQL-backed subscriber preference
// store.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jeremycline/fedora-notifications/errs"
	"github.com/jeremycline/fedora-notifications/internal/config"
)

const component = "store"

// NewPool builds and verifies a pgx connection pool from configuration.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("parse database dsn"), errs.WithCause(err))
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errs.New(component, errs.CodeStoreUnavailable,
			errs.WithMessage("create connection pool"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New(component, errs.CodeStoreUnavailable,
			errs.WithMessage("ping database"), errs.WithCause(err))
	}
	return pool, nil
}
