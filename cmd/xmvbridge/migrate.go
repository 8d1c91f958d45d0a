package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-xmv/internal/infrastructure/database"
)

// runMigrations serves --migrate-status and --migrate-down. With down set it
// reverts the newest migration first, then prints the resulting status.
func runMigrations(ctx context.Context, configPath string, down bool, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database.path is not set")
	}

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // read-mostly command

	fmt.Fprintf(out, "database %s\n", cfg.Database.Path)

	if down {
		version, err := db.Rollback(ctx)
		if err != nil {
			return fmt.Errorf("rolling back: %w", err)
		}
		if version == "" {
			fmt.Fprintln(out, "nothing to roll back")
		} else {
			fmt.Fprintf(out, "rolled back %s\n", version)
		}
	}

	status, err := db.Status(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	for _, r := range status.Applied {
		fmt.Fprintf(out, "applied  %s  %s\n", r.Version, r.AppliedAt.UTC().Format(time.RFC3339))
	}
	for _, m := range status.Pending {
		fmt.Fprintf(out, "pending  %s  %s\n", m.Version, m.Name)
	}
	return nil
}
