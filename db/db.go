// Package db provides database connectivity and migration functionality.
// It creates the pgx connection pool used by the credential store and applies
// the embedded SQL migrations with golang-migrate.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	// Registers the `postgres://` database driver for golang-migrate. It talks
	// to the server through `lib/pq`, which is why that driver is imported below.
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq" // database/sql driver used by migrate's postgres driver

	"github.com/user/nutrisync-go/apperror"
	"github.com/user/nutrisync-go/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewPool establishes the PostgreSQL connection pool.
// The pool is pinged before it is returned so a bad DATABASE_URL fails at
// startup instead of on the first request.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	// `pgxpool.ParseConfig` parses the connection string into a `pgxpool.Config` struct.
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, apperror.NewDatabaseError("error parsing DATABASE_URL", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MaxConnIdleTime = 10 * time.Minute
	poolConfig.MaxConnLifetime = 30 * time.Minute

	// Use a context with a timeout for the pool creation process so an
	// unreachable database can't block startup forever.
	createCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(createCtx, poolConfig)
	if err != nil {
		return nil, apperror.NewDatabaseError("error creating pgxpool", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close() // Clean up on connection failure
		return nil, apperror.NewDatabaseError("error connecting to the database", err)
	}

	return pool, nil
}

// newMigrator builds a golang-migrate instance reading the embedded SQL files.
func newMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, apperror.NewMigrationError("failed to open embedded migrations", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		_ = source.Close()
		return nil, apperror.NewMigrationError("failed to create migrator", err)
	}
	return m, nil
}

// RunMigrations applies any pending database migrations.
// `migrate.ErrNoChange` means the schema is already current and is not an error.
func RunMigrations(databaseURL string, logger *slog.Logger) error {
	m, err := newMigrator(databaseURL)
	if err != nil {
		return err
	}
	// m.Close() returns two errors, one for source and one for database.
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn("error closing migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperror.NewMigrationError("failed to run migrations", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return apperror.NewMigrationError("failed to read migration version", err)
	}
	logger.Info("database migrations applied", "version", version, "dirty", dirty)
	return nil
}

// RollbackMigrations reverts the last `steps` migrations.
func RollbackMigrations(databaseURL string, steps int, logger *slog.Logger) error {
	if steps < 1 {
		return apperror.NewBadRequestError("rollback needs at least one step", nil)
	}
	m, err := newMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.Warn("error closing migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperror.NewMigrationError("failed to roll back migrations", err)
	}
	logger.Info("database migrations rolled back", "steps", steps)
	return nil
}

// MigrationFiles lists the embedded migration file names, in order.
func MigrationFiles() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
