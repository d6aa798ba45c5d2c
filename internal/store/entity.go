package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cybertec-postgresql/exchange_sync/internal/db"
	"github.com/cybertec-postgresql/exchange_sync/internal/mapping"
)

// UpsertResult tells what Upsert did with the entity
type UpsertResult int

const (
	Unchanged UpsertResult = iota
	Created
	Updated
)

func (r UpsertResult) String() string {
	switch r {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// EntityStore persists mapped entities in synced_entity
type EntityStore struct {
	pool db.PgxIface
}

// NewEntityStore creates an EntityStore
func NewEntityStore(pool db.PgxIface) *EntityStore {
	return &EntityStore{pool: pool}
}

// Upsert inserts or updates e. Rows with identical content, or whose stored source
// timestamp is newer than e.ModifiedAt, are left untouched and reported as Unchanged.
func (s *EntityStore) Upsert(ctx context.Context, e mapping.Entity) (UpsertResult, error) {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return Unchanged, fmt.Errorf("failed to encode attributes of %s/%s: %w", e.Model, e.Key, err)
	}
	query := `INSERT INTO synced_entity AS e (model, external_key, attributes, source_modified_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model, external_key) DO UPDATE SET
			attributes = EXCLUDED.attributes,
			source_modified_at = COALESCE(EXCLUDED.source_modified_at, e.source_modified_at),
			updated_at = now()
		WHERE (e.attributes IS DISTINCT FROM EXCLUDED.attributes
				OR e.source_modified_at IS DISTINCT FROM EXCLUDED.source_modified_at)
			AND (e.source_modified_at IS NULL OR EXCLUDED.source_modified_at IS NULL
				OR EXCLUDED.source_modified_at >= e.source_modified_at)
		RETURNING (xmax = 0) AS inserted`

	var inserted bool
	err = s.pool.QueryRow(ctx, query, e.Model, e.Key, attrs, nullTime(e.ModifiedAt)).Scan(&inserted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Unchanged, nil
	case err != nil:
		return Unchanged, fmt.Errorf("failed to upsert %s/%s: %w", e.Model, e.Key, err)
	case inserted:
		return Created, nil
	default:
		return Updated, nil
	}
}

// Exists reports whether an entity with the given key has been persisted
func (s *EntityStore) Exists(ctx context.Context, model, key string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM synced_entity WHERE model = $1 AND external_key = $2)`
	if err := s.pool.QueryRow(ctx, query, model, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to look up %s/%s: %w", model, key, err)
	}
	return exists, nil
}

// Keys returns every persisted key of model
func (s *EntityStore) Keys(ctx context.Context, model string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT external_key FROM synced_entity WHERE model = $1 ORDER BY external_key`, model)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", model, err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// List returns up to limit entities of model ordered by source modification time.
// A limit of zero or less lists all of them.
func (s *EntityStore) List(ctx context.Context, model string, limit int) ([]mapping.Entity, error) {
	var rowLimit *int
	if limit > 0 {
		rowLimit = &limit
	}
	query := `SELECT model, external_key, attributes, source_modified_at FROM synced_entity
		WHERE model = $1
		ORDER BY source_modified_at NULLS FIRST, external_key
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, model, rowLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", model, err)
	}
	defer rows.Close()

	var entities []mapping.Entity
	for rows.Next() {
		var (
			e        mapping.Entity
			attrs    []byte
			modified *time.Time
		)
		if err := rows.Scan(&e.Model, &e.Key, &attrs, &modified); err != nil {
			return nil, fmt.Errorf("error scanning %s: %w", model, err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
				return nil, fmt.Errorf("failed to decode attributes of %s/%s: %w", e.Model, e.Key, err)
			}
		}
		if modified != nil {
			e.ModifiedAt = *modified
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
