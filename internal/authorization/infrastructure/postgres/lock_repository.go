package postgres

import (
	"context"
	"fmt"
	"time"

	"argent/internal/authorization/domain"
)

// LockRepository implements domain.LockRepository using PostgreSQL.
//
// A lock is one row in auth_processing_locks; the primary key on
// auth_request_id makes the conditional insert atomic. Stale rows from
// crashed holders are swept by the janitor once their TTL lapses.
type LockRepository struct {
	db Executor
}

// NewLockRepository creates a new LockRepository bound to a pool or transaction.
func NewLockRepository(db Executor) *LockRepository {
	return &LockRepository{db: db}
}

const acquireLockSQL = `
INSERT INTO auth_processing_locks (auth_request_id, holder_id, expires_at)
VALUES ($1, $2, now() + make_interval(secs => $3))
ON CONFLICT (auth_request_id) DO NOTHING`

// TryAcquire attempts a conditional insert of the lock row. Returns false
// without error when another holder already has it.
func (r *LockRepository) TryAcquire(ctx context.Context, id domain.AuthRequestID, holderID string, ttl time.Duration) (bool, error) {
	tag, err := r.db.Exec(ctx, acquireLockSQL, id.UUID(), holderID, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquiring lock for %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

const releaseLockSQL = `
DELETE FROM auth_processing_locks
WHERE auth_request_id = $1 AND holder_id = $2`

// Release deletes the lock row only when both id and holder match. Releasing
// a lock that was already swept is not an error.
func (r *LockRepository) Release(ctx context.Context, id domain.AuthRequestID, holderID string) error {
	if _, err := r.db.Exec(ctx, releaseLockSQL, id.UUID(), holderID); err != nil {
		return fmt.Errorf("releasing lock for %s: %w", id, err)
	}
	return nil
}

const deleteExpiredLocksSQL = `
DELETE FROM auth_processing_locks
WHERE expires_at < now()`

// DeleteExpired removes every lock whose TTL has lapsed.
func (r *LockRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, deleteExpiredLocksSQL)
	if err != nil {
		return 0, fmt.Errorf("deleting expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Verify interface implementation.
var _ domain.LockRepository = (*LockRepository)(nil)
