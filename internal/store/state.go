// Package store provides PostgreSQL persistence for sync state, the retry ledger and mapped entities.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cybertec-postgresql/exchange_sync/internal/db"
)

// State is the sync progress of one entity type
type State struct {
	EntityType            string
	LastSyncAt            *time.Time
	LastExternalUpdatedAt *time.Time
	TotalPulled           int64
	TotalCreated          int64
	TotalUpdated          int64
	TotalErrors           int64
	TotalSkipped          int64
}

// StateUpdate is applied atomically by UpdateLastSync. Nil timestamps leave the stored
// value untouched; counters are added to the stored totals.
type StateUpdate struct {
	SyncedAt  *time.Time
	Watermark *time.Time
	Pulled    int64
	Created   int64
	Updated   int64
	Errors    int64
	Skipped   int64
}

const stateColumns = `entity_type, last_sync_at, last_external_updated_at,
	total_pulled, total_created, total_updated, total_errors, total_skipped`

// StateStore keeps one sync_state row per entity type
type StateStore struct {
	pool db.PgxIface
}

// NewStateStore creates a StateStore
func NewStateStore(pool db.PgxIface) *StateStore {
	return &StateStore{pool: pool}
}

// Get returns the state of entityType, nil when it was never synced
func (s *StateStore) Get(ctx context.Context, entityType string) (*State, error) {
	query := `SELECT ` + stateColumns + ` FROM sync_state WHERE entity_type = $1`
	st, err := scanState(s.pool.QueryRow(ctx, query, entityType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state of %s: %w", entityType, err)
	}
	return st, nil
}

// GetLastSync returns the watermark of entityType, nil when none was recorded
func (s *StateStore) GetLastSync(ctx context.Context, entityType string) (*time.Time, error) {
	var watermark *time.Time
	query := `SELECT last_external_updated_at FROM sync_state WHERE entity_type = $1`
	err := s.pool.QueryRow(ctx, query, entityType).Scan(&watermark)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watermark of %s: %w", entityType, err)
	}
	return watermark, nil
}

// UpdateLastSync upserts the state in a single statement. A watermark older than the stored
// one is ignored, so the watermark never moves backward. The resulting state is returned.
func (s *StateStore) UpdateLastSync(ctx context.Context, entityType string, u StateUpdate) (*State, error) {
	query := `INSERT INTO sync_state AS s (` + stateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_type) DO UPDATE SET
			last_sync_at = COALESCE(EXCLUDED.last_sync_at, s.last_sync_at),
			last_external_updated_at = GREATEST(s.last_external_updated_at, EXCLUDED.last_external_updated_at),
			total_pulled = s.total_pulled + EXCLUDED.total_pulled,
			total_created = s.total_created + EXCLUDED.total_created,
			total_updated = s.total_updated + EXCLUDED.total_updated,
			total_errors = s.total_errors + EXCLUDED.total_errors,
			total_skipped = s.total_skipped + EXCLUDED.total_skipped
		RETURNING ` + stateColumns

	st, err := scanState(s.pool.QueryRow(ctx, query, entityType, u.SyncedAt, u.Watermark,
		u.Pulled, u.Created, u.Updated, u.Errors, u.Skipped))
	if err != nil {
		return nil, fmt.Errorf("failed to update sync state of %s: %w", entityType, err)
	}
	return st, nil
}

func scanState(row pgx.Row) (*State, error) {
	var st State
	err := row.Scan(&st.EntityType, &st.LastSyncAt, &st.LastExternalUpdatedAt,
		&st.TotalPulled, &st.TotalCreated, &st.TotalUpdated, &st.TotalErrors, &st.TotalSkipped)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
