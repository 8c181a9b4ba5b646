package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/phrazzld/storyboard-api/internal/config"
	"github.com/phrazzld/storyboard-api/internal/platform/logger"
	"github.com/phrazzld/storyboard-api/internal/platform/postgres"
	"github.com/phrazzld/storyboard-api/internal/platform/sqlite"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
)

// Migration commands accepted by runMigrations.
const (
	migrateUp     = "up"
	migrateDown   = "down"
	migrateStatus = "status"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	for _, sub := range []struct {
		name  string
		short string
	}{
		{migrateUp, "Apply all pending migrations"},
		{migrateDown, "Roll back the most recent migration"},
		{migrateStatus, "List migrations and whether they are applied"},
	} {
		name := sub.name
		cmd.AddCommand(&cobra.Command{
			Use:   name,
			Short: sub.short,
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}
				l, err := logger.Setup(cfg.Server)
				if err != nil {
					return fmt.Errorf("failed to set up logger: %w", err)
				}

				db, err := openForMigrations(c.Context(), cfg)
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()

				provider, err := newMigrationProvider(cfg.Database.Driver, db)
				if err != nil {
					return err
				}
				return runMigrations(c.Context(), provider, name, c.OutOrStdout(), l)
			},
		})
	}
	return cmd
}

// openForMigrations opens the database without applying migrations.
func openForMigrations(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.Database.Driver == driverPostgres {
		return postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{MaxOpenConns: 1})
	}
	db, err := sql.Open("sqlite", sqlite.DSN(cfg.Database.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// runMigrations executes a migration command and reports the outcome to out.
func runMigrations(
	ctx context.Context,
	provider *goose.Provider,
	command string,
	out io.Writer,
	logger *slog.Logger,
) error {
	switch command {
	case migrateUp:
		results, err := provider.Up(ctx)
		if err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		for _, r := range results {
			_, _ = fmt.Fprintf(out, "applied %s (%s)\n", r.Source.Path, r.Duration)
		}
		logger.Info("migrations applied", "count", len(results))

	case migrateDown:
		result, err := provider.Down(ctx)
		if err != nil {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
		if result != nil {
			_, _ = fmt.Fprintf(out, "rolled back %s\n", result.Source.Path)
		}
		logger.Info("migration rolled back")

	case migrateStatus:
		statuses, err := provider.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to read migration status: %w", err)
		}
		for _, s := range statuses {
			applied := "pending"
			if s.State == goose.StateApplied {
				applied = "applied " + s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			_, _ = fmt.Fprintf(out, "%-40s %s\n", s.Source.Path, applied)
		}

	default:
		return fmt.Errorf("unknown migration command %q", command)
	}
	return nil
}
