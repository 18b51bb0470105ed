package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"argent/internal/authorization/domain"
)

// IdempotencyStore implements domain.IdempotencyStore using PostgreSQL.
//
// The primary key (idempotency_key, restaurant_id) arbitrates concurrent
// creates: exactly one transaction inserts, every loser receives
// ErrIdempotencyKeyExists and re-reads the winner.
type IdempotencyStore struct {
	db Executor
}

// NewIdempotencyStore creates a new IdempotencyStore bound to a pool or transaction.
func NewIdempotencyStore(db Executor) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

const getIdempotencySQL = `
SELECT idempotency_key, restaurant_id, auth_request_id, created_at, expires_at
FROM auth_idempotency_keys
WHERE restaurant_id = $1 AND idempotency_key = $2`

// Get retrieves an entry by restaurant and key. Returns (nil, nil) when no
// entry exists. Expired entries are still returned; expires_at is a
// retention horizon for cleanup, not a liveness gate.
func (s *IdempotencyStore) Get(ctx context.Context, restaurantID domain.RestaurantID, key string) (*domain.IdempotencyEntry, error) {
	var (
		entry         domain.IdempotencyEntry
		restaurant    uuid.UUID
		authRequestID uuid.UUID
	)
	err := s.db.QueryRow(ctx, getIdempotencySQL, restaurantID.UUID(), key).Scan(
		&entry.IdempotencyKey,
		&restaurant,
		&authRequestID,
		&entry.CreatedAt,
		&entry.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading idempotency key: %w", err)
	}
	entry.RestaurantID = domain.RestaurantID(restaurant)
	entry.AuthRequestID = domain.AuthRequestID(authRequestID)
	return &entry, nil
}

const insertIdempotencySQL = `
INSERT INTO auth_idempotency_keys (idempotency_key, restaurant_id, auth_request_id, created_at, expires_at)
VALUES ($1, $2, $3, now(), now() + INTERVAL '24 hours')
RETURNING created_at, expires_at`

// Insert stores a new entry with a 24 hour retention horizon. Returns
// domain.ErrIdempotencyKeyExists when the pair is already taken.
func (s *IdempotencyStore) Insert(ctx context.Context, entry *domain.IdempotencyEntry) error {
	err := s.db.QueryRow(ctx, insertIdempotencySQL,
		entry.IdempotencyKey,
		entry.RestaurantID.UUID(),
		entry.AuthRequestID.UUID(),
	).Scan(&entry.CreatedAt, &entry.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("%w: %s", domain.ErrIdempotencyKeyExists, entry.IdempotencyKey)
		}
		return fmt.Errorf("inserting idempotency key: %w", err)
	}
	return nil
}

// Verify interface implementation.
var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)
