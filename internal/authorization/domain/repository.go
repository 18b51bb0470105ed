package domain

import (
	"context"
	"time"
)

// EventStore defines the interface for the append-only event ledger.
type EventStore interface {
	// Append inserts the event with the next dense sequence number for its
	// aggregate and sets Event.SequenceNumber on success. The unique key
	// (aggregate_id, sequence_number) is the concurrency guard: a losing
	// appender receives ErrSequenceConflict and retries its whole unit of
	// work.
	Append(ctx context.Context, event *Event) error
	// ReadStream returns every event for the aggregate with sequence number
	// greater than fromSequence, ascending. Pass 0 for the full stream.
	ReadStream(ctx context.Context, aggregateID AuthRequestID, fromSequence int) ([]Event, error)
}

// StateRepository defines the interface for the auth_request_state read model.
type StateRepository interface {
	// Get retrieves the current-state row for an aggregate.
	// Returns ErrAuthRequestNotFound when no row exists.
	Get(ctx context.Context, id AuthRequestID) (*AuthRequestState, error)
	// Save upserts the row keyed by AuthRequestID. The caller produces the
	// row via Project and must call Save in the same transaction as the
	// event append it derives from.
	Save(ctx context.Context, state *AuthRequestState) error
}

// OutboxEntry is one message staged for bus delivery. ID is assigned by the
// database on insert.
type OutboxEntry struct {
	ID          int64
	AggregateID AuthRequestID
	MessageType string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// OutboxRepository defines the interface for the transactional outbox.
// Entries are staged in the same transaction as the events they derive from
// and forwarded to the bus by the dispatcher.
type OutboxRepository interface {
	// Enqueue stages an entry for delivery.
	Enqueue(ctx context.Context, entry *OutboxEntry) error
	// ClaimPending locks up to limit unprocessed entries in created_at order,
	// skipping rows locked by concurrent dispatchers. Must run inside Atomic;
	// the row locks are held until the transaction ends.
	ClaimPending(ctx context.Context, limit int) ([]*OutboxEntry, error)
	// MarkProcessed stamps processed_at on the given entries.
	MarkProcessed(ctx context.Context, ids []int64) error
	// PendingStats reports how many entries await delivery and the age of the
	// oldest one. Used for dispatcher gauges.
	PendingStats(ctx context.Context) (count int, oldestAge time.Duration, err error)
}

// IdempotencyEntry maps a client-supplied key to the authorization request it
// created. ExpiresAt is a retention horizon, not a liveness gate: lookups do
// not filter on it.
type IdempotencyEntry struct {
	IdempotencyKey string
	RestaurantID   RestaurantID
	AuthRequestID  AuthRequestID
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// IdempotencyStore defines the interface for idempotency key storage.
type IdempotencyStore interface {
	// Get retrieves an entry by restaurant and key.
	// Returns (nil, nil) when no entry exists.
	Get(ctx context.Context, restaurantID RestaurantID, key string) (*IdempotencyEntry, error)
	// Insert stores a new entry. Returns ErrIdempotencyKeyExists when the
	// (restaurant, key) pair is already taken; the losing caller re-reads the
	// winner and returns its state.
	Insert(ctx context.Context, entry *IdempotencyEntry) error
}

// LockRepository defines the interface for the Postgres-backed distributed
// lock. The lock is advisory: correctness rests on the event store's unique
// sequence key, the lock only suppresses duplicate work.
type LockRepository interface {
	// TryAcquire attempts a conditional insert of (id, holderID) with the
	// given TTL. Returns false without error when another holder has the row.
	TryAcquire(ctx context.Context, id AuthRequestID, holderID string, ttl time.Duration) (bool, error)
	// Release deletes the lock row only when both id and holderID match, so a
	// holder can never release a lock it lost to the janitor and a rival.
	Release(ctx context.Context, id AuthRequestID, holderID string) error
	// DeleteExpired removes every lock whose TTL has lapsed and reports how
	// many rows went away. Called by the janitor loop.
	DeleteExpired(ctx context.Context) (int64, error)
}

// RestaurantPaymentConfig selects and configures the payment processor for
// one restaurant.
type RestaurantPaymentConfig struct {
	RestaurantID    RestaurantID
	ConfigVersion   int
	ProcessorName   string
	ProcessorConfig map[string]any
	IsActive        bool
	UpdatedAt       time.Time
}

// RestaurantConfigRepository defines the interface for processor config rows.
type RestaurantConfigRepository interface {
	// GetActive retrieves the config for a restaurant, considering only rows
	// with is_active = true. Returns ErrRestaurantConfigNotFound otherwise.
	GetActive(ctx context.Context, restaurantID RestaurantID) (*RestaurantPaymentConfig, error)
	// Save upserts a config row.
	Save(ctx context.Context, config *RestaurantPaymentConfig) error
}

// Repositories provides access to all repositories within a transaction.
// This is used with the Atomic pattern to ensure all operations share the
// same transaction.
type Repositories interface {
	Events() EventStore
	States() StateRepository
	Outbox() OutboxRepository
	Idempotency() IdempotencyStore
	Locks() LockRepository
	RestaurantConfigs() RestaurantConfigRepository
}

// AtomicCallback is the function signature for atomic operations.
// Any error returned will cause the transaction to be rolled back.
type AtomicCallback func(repos Repositories) error

// The service is responsible for requesting an atomic operation with a set of
// procedures defined in the callback. All other concerns like commits and
// rollbacks are left for the datastore to implement.
//
// Example usage:
//
//	err := store.Atomic(ctx, func(repos Repositories) error {
//	    if err := repos.Events().Append(ctx, &event); err != nil {
//	        return err
//	    }
//	    next, err := Project(current, event)
//	    if err != nil {
//	        return err
//	    }
//	    return repos.States().Save(ctx, next)
//	})
type AtomicExecutor interface {
	// Atomic executes the callback within a database transaction.
	// If the callback returns nil, the transaction is committed.
	// If the callback returns an error, the transaction is rolled back.
	Atomic(ctx context.Context, fn AtomicCallback) error
}

// DataStore combines direct repository access with atomic execution. Direct
// access runs each call in its own implicit transaction; Atomic groups calls
// into one.
type DataStore interface {
	Repositories
	AtomicExecutor
}
