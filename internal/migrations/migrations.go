// Package migrations contains database migration definitions and functionality for feedbridge.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_sync_log",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				// Append-only sync progress log; the newest row seeds the
				// resume cursors on startup.
				_, err := tx.Exec(ctx, `
					CREATE TABLE sync_log (
						id serial PRIMARY KEY,
						ts timestamp with time zone NOT NULL DEFAULT now(),
						cursors jsonb NOT NULL DEFAULT '{}'::jsonb,
						total_processed bigint NOT NULL DEFAULT 0,
						total_successful bigint NOT NULL DEFAULT 0,
						total_failed bigint NOT NULL DEFAULT 0,
						status text NOT NULL DEFAULT 'ok'
					);

					CREATE INDEX idx_sync_log_ts ON sync_log(ts DESC);
				`)
				return err
			},
		},
		// adding new migration here

		// &migrator.Migration{
		// 	Name: "Short description of a migration",
		// 	Func: func(ctx context.Context, tx pgx.Tx) error {
		// 		...
		// 	},
		// },
	)
}

var (
	migratorInstance *migrator.Migrator
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	var err error
	once.Do(func() {
		migratorInstance, err = migrator.New(
			migrations(),
			migrator.TableName("feedbridge_migrations"),
		)
	})
	return migratorInstance, err
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	// Apply migrations
	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}

	// Check if migration is needed
	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	return needUpgrade, nil
}
