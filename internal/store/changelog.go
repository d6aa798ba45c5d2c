package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cybertec-postgresql/exchange_sync/internal/db"
	"github.com/cybertec-postgresql/exchange_sync/internal/mapping"
)

// ChangeStatus is the lifecycle state of a change-log record
type ChangeStatus string

const (
	StatusPending    ChangeStatus = "pending"
	StatusProcessing ChangeStatus = "processing"
	StatusRetry      ChangeStatus = "retry"
	StatusProcessed  ChangeStatus = "processed"
	StatusError      ChangeStatus = "error"
	StatusSkipped    ChangeStatus = "skipped"
)

// Terminal reports whether no further processing happens in this status
func (s ChangeStatus) Terminal() bool {
	return s == StatusProcessed || s == StatusError || s == StatusSkipped
}

// Change is a record waiting in the retry ledger. A nil Payload means the record has to be
// fetched from the external system first.
type Change struct {
	ID          int64
	EntityType  string
	ExternalID  string
	ObjectType  string
	Payload     mapping.WireObject
	ModifiedAt  *time.Time
	Status      ChangeStatus
	RetryCount  int
	NextRetryAt *time.Time
	LockedAt    *time.Time
	LastError   string
}

// Eligible reports whether the change may be claimed at now. A lock older than staleTimeout
// is abandoned, which also makes a change stuck in processing reclaimable.
func (c Change) Eligible(now time.Time, staleTimeout time.Duration) bool {
	lockFree := c.LockedAt == nil || c.LockedAt.Before(now.Add(-staleTimeout))
	switch c.Status {
	case StatusPending, StatusRetry:
		due := c.NextRetryAt == nil || !c.NextRetryAt.After(now)
		return due && lockFree
	case StatusProcessing:
		return c.LockedAt != nil && lockFree
	default:
		return false
	}
}

const changeColumns = `id, entity_type, external_id, object_type, payload, modified_at,
	status, retry_count, next_retry_at, locked_at, last_error`

// ChangeLog is the persisted retry ledger
type ChangeLog struct {
	pool db.PgxIface
}

// NewChangeLog creates a ChangeLog
func NewChangeLog(pool db.PgxIface) *ChangeLog {
	return &ChangeLog{pool: pool}
}

// Record inserts c, or refreshes the payload of the open change for the same record while
// keeping its retry schedule. The stored change is returned.
func (l *ChangeLog) Record(ctx context.Context, c Change) (*Change, error) {
	payload, err := encodePayload(c.Payload)
	if err != nil {
		return nil, err
	}
	var lastErr *string
	if c.LastError != "" {
		lastErr = &c.LastError
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	query := `INSERT INTO sync_change_log (entity_type, external_id, object_type, payload, modified_at,
			status, retry_count, next_retry_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (entity_type, external_id) WHERE status IN ('pending', 'processing', 'retry') DO UPDATE SET
			object_type = EXCLUDED.object_type,
			payload = COALESCE(EXCLUDED.payload, sync_change_log.payload),
			modified_at = COALESCE(EXCLUDED.modified_at, sync_change_log.modified_at),
			last_error = COALESCE(EXCLUDED.last_error, sync_change_log.last_error),
			updated_at = now()
		RETURNING ` + changeColumns

	stored, err := scanChange(l.pool.QueryRow(ctx, query, c.EntityType, c.ExternalID, c.ObjectType, payload,
		c.ModifiedAt, string(c.Status), c.RetryCount, c.NextRetryAt, lastErr))
	if err != nil {
		return nil, fmt.Errorf("failed to record change %s/%s: %w", c.EntityType, c.ExternalID, err)
	}
	return stored, nil
}

// Claim locks up to limit eligible changes for this worker and marks them processing
func (l *ChangeLog) Claim(ctx context.Context, now time.Time, staleTimeout time.Duration, limit int) ([]Change, error) {
	query := `UPDATE sync_change_log c SET status = 'processing', locked_at = $1, updated_at = $1
		WHERE c.id IN (
			SELECT id FROM sync_change_log
			WHERE (status IN ('pending', 'retry') AND (next_retry_at IS NULL OR next_retry_at <= $1)
					AND (locked_at IS NULL OR locked_at < $2))
				OR (status = 'processing' AND locked_at IS NOT NULL AND locked_at < $2)
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING ` + changeColumns

	rows, err := l.pool.Query(ctx, query, now, now.Add(-staleTimeout), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning claimed change: %w", err)
		}
		changes = append(changes, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed changes: %w", err)
	}
	return changes, nil
}

// Reschedule releases the lock and makes the change eligible again at nextRetryAt
func (l *ChangeLog) Reschedule(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, lastErr string) error {
	query := `UPDATE sync_change_log
		SET status = 'retry', retry_count = $2, next_retry_at = $3, locked_at = NULL, last_error = $4, updated_at = now()
		WHERE id = $1`
	return l.exec(ctx, query, id, retryCount, nextRetryAt, lastErr)
}

// Complete moves the change to a terminal status and releases the lock
func (l *ChangeLog) Complete(ctx context.Context, id int64, status ChangeStatus, lastErr string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	query := `UPDATE sync_change_log
		SET status = $2, locked_at = NULL, last_error = NULLIF($3, ''), updated_at = now()
		WHERE id = $1`
	return l.exec(ctx, query, id, string(status), lastErr)
}

// Counts returns the number of changes per status
func (l *ChangeLog) Counts(ctx context.Context) (map[ChangeStatus]int64, error) {
	rows, err := l.pool.Query(ctx, `SELECT status, count(*) FROM sync_change_log GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count changes: %w", err)
	}
	defer rows.Close()

	counts := make(map[ChangeStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("error scanning change counts: %w", err)
		}
		counts[ChangeStatus(status)] = n
	}
	return counts, rows.Err()
}

func (l *ChangeLog) exec(ctx context.Context, query string, args ...any) error {
	result, err := l.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update change: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no change found with id %v", args[0])
	}
	return nil
}

func encodePayload(obj mapping.WireObject) ([]byte, error) {
	if obj == nil {
		return nil, nil
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return b, nil
}

func scanChange(row pgx.Row) (*Change, error) {
	var (
		c       Change
		payload []byte
		status  string
		lastErr *string
	)
	err := row.Scan(&c.ID, &c.EntityType, &c.ExternalID, &c.ObjectType, &payload, &c.ModifiedAt,
		&status, &c.RetryCount, &c.NextRetryAt, &c.LockedAt, &lastErr)
	if err != nil {
		return nil, err
	}
	c.Status = ChangeStatus(status)
	if lastErr != nil {
		c.LastError = *lastErr
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &c.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of change %d: %w", c.ID, err)
		}
	}
	return &c, nil
}
