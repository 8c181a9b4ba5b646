package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/storyboard-api/internal/config"
	"github.com/phrazzld/storyboard-api/internal/platform/postgres"
	"github.com/phrazzld/storyboard-api/internal/platform/sqlite"
	"github.com/pressly/goose/v3"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// setupAppDatabase opens the configured database. SQLite databases are
// migrated on open; Postgres schemas are managed with the migrate command.
func setupAppDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Database.Driver {
	case driverPostgres:
		db, err = postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxOpenConns / 2,
			ConnMaxLifetime: 5 * time.Minute,
		})
	case driverSQLite:
		db, err = sqlite.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("database connection established", "driver", cfg.Database.Driver)
	return db, nil
}

// newMigrationProvider returns the goose provider for the driver's embedded
// migrations.
func newMigrationProvider(driver string, db *sql.DB) (*goose.Provider, error) {
	switch driver {
	case driverPostgres:
		return postgres.NewMigrationProvider(db)
	case driverSQLite:
		return sqlite.NewMigrationProvider(db)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
