package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"argent/internal/authorization/domain"
)

// OutboxRepository implements domain.OutboxRepository using PostgreSQL.
//
// Entries are staged within the same transaction as the events they derive
// from, then forwarded to the bus by the dispatcher. ClaimPending uses
// FOR UPDATE SKIP LOCKED so concurrent dispatchers never double-send a row.
type OutboxRepository struct {
	db Executor
}

// NewOutboxRepository creates a new OutboxRepository bound to a pool or transaction.
func NewOutboxRepository(db Executor) *OutboxRepository {
	return &OutboxRepository{db: db}
}

const enqueueOutboxSQL = `
INSERT INTO outbox (aggregate_id, message_type, payload)
VALUES ($1, $2, $3)
RETURNING id, created_at`

// Enqueue stages an entry for delivery as part of the current transaction.
// The database assigns ID and CreatedAt; both are set on the entry.
func (r *OutboxRepository) Enqueue(ctx context.Context, entry *domain.OutboxEntry) error {
	err := r.db.QueryRow(ctx, enqueueOutboxSQL,
		entry.AggregateID.UUID(),
		entry.MessageType,
		entry.Payload,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueueing outbox %s: %w", entry.MessageType, err)
	}
	return nil
}

const claimPendingSQL = `
SELECT id, aggregate_id, message_type, payload, created_at
FROM outbox
WHERE processed_at IS NULL
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED`

// ClaimPending locks up to limit unprocessed entries in created_at order.
// Must run inside Atomic; the row locks are released when the transaction ends.
func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int) ([]*domain.OutboxEntry, error) {
	rows, err := r.db.Query(ctx, claimPendingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.OutboxEntry
	for rows.Next() {
		var (
			entry       domain.OutboxEntry
			aggregateID uuid.UUID
		)
		if err := rows.Scan(&entry.ID, &aggregateID, &entry.MessageType, &entry.Payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		entry.AggregateID = domain.AuthRequestID(aggregateID)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox rows: %w", err)
	}
	return entries, nil
}

const markProcessedSQL = `
UPDATE outbox SET processed_at = now() WHERE id = ANY($1)`

// MarkProcessed stamps processed_at on the given entries.
// It is a no-op when the input list is empty.
func (r *OutboxRepository) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, markProcessedSQL, ids); err != nil {
		return fmt.Errorf("marking outbox processed: %w", err)
	}
	return nil
}

const pendingStatsSQL = `
SELECT COUNT(*), COALESCE(EXTRACT(EPOCH FROM (now() - MIN(created_at))), 0)
FROM outbox
WHERE processed_at IS NULL`

// PendingStats reports the unprocessed row count and the age of the oldest one.
func (r *OutboxRepository) PendingStats(ctx context.Context) (int, time.Duration, error) {
	var (
		count      int
		ageSeconds float64
	)
	if err := r.db.QueryRow(ctx, pendingStatsSQL).Scan(&count, &ageSeconds); err != nil {
		return 0, 0, fmt.Errorf("reading outbox stats: %w", err)
	}
	return count, time.Duration(ageSeconds * float64(time.Second)), nil
}

// Verify interface implementation.
var _ domain.OutboxRepository = (*OutboxRepository)(nil)
