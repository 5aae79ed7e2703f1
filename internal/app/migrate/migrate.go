// Package migrate manages the registry database schema.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const migrateTimeout = time.Minute

// Runner applies goose migrations against the registry database.
type Runner struct {
	pool          *pgxpool.Pool
	dsn           string
	migrationsDir string
	logger        *slog.Logger
}

// New returns a migration runner. It validates the migrations directory up
// front so a misconfigured path fails before any database work.
func New(pool *pgxpool.Pool, dsn, migrationsDir string, logger *slog.Logger) (Runner, error) {
	if pool == nil {
		return Runner{}, errors.New("nil pool provided")
	}
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	if migrationsDir == "" {
		return Runner{}, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(migrationsDir); err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return Runner{}, fmt.Errorf("configure goose: %w", err)
	}
	return Runner{pool: pool, dsn: dsn, migrationsDir: migrationsDir, logger: logger}, nil
}

// Ensure applies every pending migration.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withDB(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, migrateTimeout)
		defer cancel()

		r.logger.Info("applying migrations", "dir", r.migrationsDir)
		if err := goose.UpContext(runCtx, db, r.migrationsDir); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		r.logger.Info("migrations applied")
		return nil
	})
}

// Status prints applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	return r.withDB(func(db *sql.DB) error {
		if err := goose.StatusContext(ctx, db, r.migrationsDir); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	})
}

// Version reports the current schema version.
func (r Runner) Version(ctx context.Context) (int64, error) {
	var version int64
	err := r.withDB(func(db *sql.DB) error {
		v, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		version = v
		return nil
	})
	return version, err
}

// Down rolls back to the previous version, or to targetVersion when it is
// positive.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.withDB(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, migrateTimeout)
		defer cancel()

		if targetVersion > 0 {
			r.logger.Info("rolling back migrations", "target", targetVersion)
			if err := goose.DownToContext(runCtx, db, r.migrationsDir, targetVersion); err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
		} else {
			r.logger.Info("rolling back latest migration")
			if err := goose.DownContext(runCtx, db, r.migrationsDir); err != nil {
				return fmt.Errorf("rollback latest migration: %w", err)
			}
		}
		r.logger.Info("rollback complete")
		return nil
	})
}

// Ping checks the database connection.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r Runner) Close() {
	r.pool.Close()
}

// withDB runs fn on a short-lived database/sql handle. goose drives
// migrations through database/sql while the rest of the server uses the
// pgx pool directly.
func (r Runner) withDB(fn func(*sql.DB) error) error {
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	return fn(db)
}
