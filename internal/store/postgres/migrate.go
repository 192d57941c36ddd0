package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/jeremycline/fedora-notifications/db/migrations"
	"github.com/jeremycline/fedora-notifications/internal/observability"
)

var (
	migrationsCounter     metric.Int64Counter
	migrationsCounterOnce sync.Once
)

// Migrate applies the embedded schema migrations to the database reachable
// via dsn.
func Migrate(ctx context.Context, dsn string) error {
	m, cleanup, err := newMigrator(ctx, dsn)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop")
			observability.Log().Info("database schema up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed")
		return fmt.Errorf("apply migrations: %w", err)
	}

	recordMigrationMetric(ctx, "applied")
	observability.Log().Info("database migrations applied")
	return nil
}

// Rollback undoes the most recent steps migrations.
func Rollback(ctx context.Context, dsn string, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be >0")
	}
	m, cleanup, err := newMigrator(ctx, dsn)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			observability.Log().Info("no migrations to roll back")
			return nil
		}
		return fmt.Errorf("roll back migrations: %w", err)
	}
	observability.Log().Info("database migrations rolled back", observability.Int("steps", steps))
	return nil
}

func newMigrator(ctx context.Context, dsn string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("initialise migrate instance: %w", err)
	}

	cleanup := func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			observability.Log().Warn("migrations source close", observability.Err(sourceErr))
		}
		if dbErr != nil {
			observability.Log().Warn("migrations db close", observability.Err(dbErr))
		}
	}
	return m, cleanup, nil
}

func recordMigrationMetric(ctx context.Context, result string) {
	migrationsCounterOnce.Do(func() {
		meter := otel.Meter("store.migrations")
		counter, err := meter.Int64Counter("fn_db_migrations_total",
			metric.WithDescription("Total migration runs executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}
