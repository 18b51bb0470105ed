package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"argent/internal/authorization/domain"
)

// DataStore bundles every repository over one connection pool and provides
// the Atomic transaction boundary.
type DataStore struct {
	pool        *pgxpool.Pool
	events      *EventStore
	states      *StateRepository
	outbox      *OutboxRepository
	idempotency *IdempotencyStore
	locks       *LockRepository
	configs     *RestaurantConfigRepository
}

// NewDataStore creates a new DataStore with the given connection pool.
func NewDataStore(pool *pgxpool.Pool) *DataStore {
	return &DataStore{
		pool:        pool,
		events:      NewEventStore(pool),
		states:      NewStateRepository(pool),
		outbox:      NewOutboxRepository(pool),
		idempotency: NewIdempotencyStore(pool),
		locks:       NewLockRepository(pool),
		configs:     NewRestaurantConfigRepository(pool),
	}
}

// Events returns the event store.
func (ds *DataStore) Events() domain.EventStore {
	return ds.events
}

// States returns the read model repository.
func (ds *DataStore) States() domain.StateRepository {
	return ds.states
}

// Outbox returns the outbox repository.
func (ds *DataStore) Outbox() domain.OutboxRepository {
	return ds.outbox
}

// Idempotency returns the idempotency key store.
func (ds *DataStore) Idempotency() domain.IdempotencyStore {
	return ds.idempotency
}

// Locks returns the distributed lock repository.
func (ds *DataStore) Locks() domain.LockRepository {
	return ds.locks
}

// RestaurantConfigs returns the restaurant payment config repository.
func (ds *DataStore) RestaurantConfigs() domain.RestaurantConfigRepository {
	return ds.configs
}

// withTx creates a new DataStore whose repositories share one transaction.
// This is the key to the Atomic pattern: the same repository code runs
// against the transaction instead of the pool.
func (ds *DataStore) withTx(tx pgx.Tx) *DataStore {
	return &DataStore{
		pool:        ds.pool,
		events:      NewEventStore(tx),
		states:      NewStateRepository(tx),
		outbox:      NewOutboxRepository(tx),
		idempotency: NewIdempotencyStore(tx),
		locks:       NewLockRepository(tx),
		configs:     NewRestaurantConfigRepository(tx),
	}
}

// Atomic executes the callback within a database transaction.
// If the callback returns nil, the transaction is committed.
// If the callback returns an error or panics, the transaction is rolled back.
func (ds *DataStore) Atomic(ctx context.Context, fn domain.AtomicCallback) (err error) {
	tx, err := ds.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	// One defer handles commit, rollback, and panic paths.
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				err = fmt.Errorf("tx error: %v, rollback error: %v", err, rbErr)
			}
		} else {
			err = tx.Commit(ctx)
			if err != nil {
				err = fmt.Errorf("commit transaction: %w", err)
			}
		}
	}()

	err = fn(ds.withTx(tx))
	return
}

// Verify interface implementations.
var (
	_ domain.AtomicExecutor = (*DataStore)(nil)
	_ domain.Repositories   = (*DataStore)(nil)
	_ domain.DataStore      = (*DataStore)(nil)
)
