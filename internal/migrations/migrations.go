// Package migrations contains database migration definitions and functionality for exchange_sync.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// createTablesSQL creates the sync state, change log and entity tables
const createTablesSQL = `
-- One row per entity type, the watermark bounds the next incremental pull
CREATE TABLE sync_state (
	entity_type text PRIMARY KEY,
	last_sync_at timestamp with time zone,
	last_external_updated_at timestamp with time zone,
	total_pulled bigint NOT NULL DEFAULT 0,
	total_created bigint NOT NULL DEFAULT 0,
	total_updated bigint NOT NULL DEFAULT 0,
	total_errors bigint NOT NULL DEFAULT 0,
	total_skipped bigint NOT NULL DEFAULT 0
);

-- Retry ledger of records that could not be processed in their cycle
CREATE TABLE sync_change_log (
	id bigserial PRIMARY KEY,
	entity_type text NOT NULL,
	external_id text NOT NULL,
	object_type text NOT NULL DEFAULT '',
	payload jsonb,
	modified_at timestamp with time zone,
	status text NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'processing', 'retry', 'processed', 'error', 'skipped')),
	retry_count integer NOT NULL DEFAULT 0,
	next_retry_at timestamp with time zone,
	locked_at timestamp with time zone,
	last_error text,
	created_at timestamp with time zone NOT NULL DEFAULT now(),
	updated_at timestamp with time zone NOT NULL DEFAULT now()
);

-- At most one open change per external record
CREATE UNIQUE INDEX idx_sync_change_log_active ON sync_change_log(entity_type, external_id)
	WHERE status IN ('pending', 'processing', 'retry');
CREATE INDEX idx_sync_change_log_eligible ON sync_change_log(status, next_retry_at);

-- Mapped entities, upserted by business key
CREATE TABLE synced_entity (
	model text NOT NULL,
	external_key text NOT NULL,
	attributes jsonb NOT NULL DEFAULT '{}',
	source_modified_at timestamp with time zone,
	created_at timestamp with time zone NOT NULL DEFAULT now(),
	updated_at timestamp with time zone NOT NULL DEFAULT now(),
	PRIMARY KEY(model, external_key)
);
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createTablesSQL)
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
	migratorErr      error
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	once.Do(func() {
		migratorInstance, migratorErr = migrator.New(
			migrations(),
			migrator.TableName("exchange_sync_migrations"),
		)
	})
	return migratorInstance, migratorErr
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

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

	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	return needUpgrade, nil
}
