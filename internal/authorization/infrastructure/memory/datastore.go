package memory

import (
	"context"
	"sync"
	"time"

	"argent/internal/authorization/domain"
)

// DataStore implements domain.DataStore for testing. It keeps every table in
// process memory and supports the Atomic pattern by staging writes and
// applying them only when the callback succeeds.
// Concurrency: all access is guarded by a mutex.
type DataStore struct {
	mu           sync.RWMutex
	events       map[string][]domain.Event
	states       map[string]*domain.AuthRequestState
	outbox       []*domain.OutboxEntry
	nextOutboxID int64
	idempotency  map[string]*domain.IdempotencyEntry
	locks        map[string]lockRow
	configs      map[string]*domain.RestaurantPaymentConfig

	eventStore *EventStore
	stateRepo  *StateRepository
	outboxRepo *OutboxRepository
	idemStore  *IdempotencyStore
	lockRepo   *LockRepository
	configRepo *RestaurantConfigRepository
}

type lockRow struct {
	holderID  string
	expiresAt time.Time
}

// NewDataStore creates an empty in-memory DataStore.
func NewDataStore() *DataStore {
	ds := &DataStore{
		events:       make(map[string][]domain.Event),
		states:       make(map[string]*domain.AuthRequestState),
		outbox:       make([]*domain.OutboxEntry, 0),
		nextOutboxID: 1,
		idempotency:  make(map[string]*domain.IdempotencyEntry),
		locks:        make(map[string]lockRow),
		configs:      make(map[string]*domain.RestaurantPaymentConfig),
	}

	ds.eventStore = &EventStore{store: ds}
	ds.stateRepo = &StateRepository{store: ds}
	ds.outboxRepo = &OutboxRepository{store: ds}
	ds.idemStore = &IdempotencyStore{store: ds}
	ds.lockRepo = &LockRepository{store: ds}
	ds.configRepo = &RestaurantConfigRepository{store: ds}

	return ds
}

// Events returns the event store.
func (ds *DataStore) Events() domain.EventStore { return ds.eventStore }

// States returns the read-model repository.
func (ds *DataStore) States() domain.StateRepository { return ds.stateRepo }

// Outbox returns the outbox repository.
func (ds *DataStore) Outbox() domain.OutboxRepository { return ds.outboxRepo }

// Idempotency returns the idempotency store.
func (ds *DataStore) Idempotency() domain.IdempotencyStore { return ds.idemStore }

// Locks returns the lock repository.
func (ds *DataStore) Locks() domain.LockRepository { return ds.lockRepo }

// RestaurantConfigs returns the processor config repository.
func (ds *DataStore) RestaurantConfigs() domain.RestaurantConfigRepository {
	return ds.configRepo
}

// Atomic executes the callback atomically.
// It locks the store, runs the callback against a transactional snapshot,
// and commits staged changes only if the callback succeeds.
// Concurrency: the store is locked for the duration of the callback.
func (ds *DataStore) Atomic(ctx context.Context, fn domain.AtomicCallback) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	tx := &transactionalDataStore{
		parent:            ds,
		stagedEvents:      make(map[string][]domain.Event),
		stagedStates:      make(map[string]*domain.AuthRequestState),
		stagedOutbox:      make([]*domain.OutboxEntry, 0),
		stagedIdempotency: make(map[string]*domain.IdempotencyEntry),
		stagedConfigs:     make(map[string]*domain.RestaurantPaymentConfig),
	}

	if err := fn(tx); err != nil {
		return err
	}

	// Commit: apply staged changes
	for k, evs := range tx.stagedEvents {
		ds.events[k] = append(ds.events[k], evs...)
	}
	for k, v := range tx.stagedStates {
		ds.states[k] = v
	}
	ds.outbox = append(ds.outbox, tx.stagedOutbox...)
	for k, v := range tx.stagedIdempotency {
		ds.idempotency[k] = v
	}
	for k, v := range tx.stagedConfigs {
		ds.configs[k] = v
	}
	if len(tx.stagedProcessed) > 0 {
		ds.markProcessedLocked(tx.stagedProcessed)
	}

	return nil
}

func (ds *DataStore) markProcessedLocked(ids []int64) {
	now := time.Now().UTC()
	idSet := make(map[int64]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for _, entry := range ds.outbox {
		if idSet[entry.ID] && entry.ProcessedAt == nil {
			processed := now
			entry.ProcessedAt = &processed
		}
	}
}

func (ds *DataStore) appendLocked(event *domain.Event, staged map[string][]domain.Event) {
	key := event.AggregateID.String()
	event.SequenceNumber = len(ds.events[key]) + len(staged[key]) + 1
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	staged[key] = append(staged[key], *event)
}

func (ds *DataStore) readStreamLocked(id domain.AuthRequestID, fromSequence int, staged map[string][]domain.Event) []domain.Event {
	key := id.String()
	var out []domain.Event
	for _, ev := range ds.events[key] {
		if ev.SequenceNumber > fromSequence {
			out = append(out, ev)
		}
	}
	for _, ev := range staged[key] {
		if ev.SequenceNumber > fromSequence {
			out = append(out, ev)
		}
	}
	return out
}

func (ds *DataStore) enqueueLocked(entry *domain.OutboxEntry, staged *[]*domain.OutboxEntry) {
	entry.ID = ds.nextOutboxID
	ds.nextOutboxID++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	*staged = append(*staged, entry)
}

func (ds *DataStore) claimPendingLocked(limit int) []*domain.OutboxEntry {
	var entries []*domain.OutboxEntry
	for _, entry := range ds.outbox {
		if entry.ProcessedAt == nil {
			entries = append(entries, entry)
			if len(entries) >= limit {
				break
			}
		}
	}
	return entries
}

func (ds *DataStore) pendingStatsLocked() (int, time.Duration) {
	count := 0
	var oldest time.Time
	for _, entry := range ds.outbox {
		if entry.ProcessedAt != nil {
			continue
		}
		count++
		if oldest.IsZero() || entry.CreatedAt.Before(oldest) {
			oldest = entry.CreatedAt
		}
	}
	if count == 0 {
		return 0, 0
	}
	return count, time.Since(oldest)
}

// transactionalDataStore provides transaction isolation for memory operations.
type transactionalDataStore struct {
	parent            *DataStore
	stagedEvents      map[string][]domain.Event
	stagedStates      map[string]*domain.AuthRequestState
	stagedOutbox      []*domain.OutboxEntry
	stagedProcessed   []int64
	stagedIdempotency map[string]*domain.IdempotencyEntry
	stagedConfigs     map[string]*domain.RestaurantPaymentConfig
}

func (tx *transactionalDataStore) Events() domain.EventStore {
	return &txEventStore{tx: tx}
}

func (tx *transactionalDataStore) States() domain.StateRepository {
	return &txStateRepository{tx: tx}
}

func (tx *transactionalDataStore) Outbox() domain.OutboxRepository {
	return &txOutboxRepository{tx: tx}
}

func (tx *transactionalDataStore) Idempotency() domain.IdempotencyStore {
	return &txIdempotencyStore{tx: tx}
}

func (tx *transactionalDataStore) Locks() domain.LockRepository {
	// Lock rows are not staged: acquisition must be visible to rival holders
	// immediately, exactly as a committed conditional insert would be.
	return &txLockRepository{tx: tx}
}

func (tx *transactionalDataStore) RestaurantConfigs() domain.RestaurantConfigRepository {
	return &txRestaurantConfigRepository{tx: tx}
}

// Transactional repository implementations

type txEventStore struct {
	tx *transactionalDataStore
}

func (s *txEventStore) Append(ctx context.Context, event *domain.Event) error {
	s.tx.parent.appendLocked(event, s.tx.stagedEvents)
	return nil
}

func (s *txEventStore) ReadStream(ctx context.Context, id domain.AuthRequestID, fromSequence int) ([]domain.Event, error) {
	return s.tx.parent.readStreamLocked(id, fromSequence, s.tx.stagedEvents), nil
}

type txStateRepository struct {
	tx *transactionalDataStore
}

func (r *txStateRepository) Get(ctx context.Context, id domain.AuthRequestID) (*domain.AuthRequestState, error) {
	if state, ok := r.tx.stagedStates[id.String()]; ok {
		return state, nil
	}
	if state, ok := r.tx.parent.states[id.String()]; ok {
		return state, nil
	}
	return nil, domain.ErrAuthRequestNotFound
}

func (r *txStateRepository) Save(ctx context.Context, state *domain.AuthRequestState) error {
	r.tx.stagedStates[state.AuthRequestID.String()] = state
	return nil
}

type txOutboxRepository struct {
	tx *transactionalDataStore
}

func (r *txOutboxRepository) Enqueue(ctx context.Context, entry *domain.OutboxEntry) error {
	r.tx.parent.enqueueLocked(entry, &r.tx.stagedOutbox)
	return nil
}

func (r *txOutboxRepository) ClaimPending(ctx context.Context, limit int) ([]*domain.OutboxEntry, error) {
	return r.tx.parent.claimPendingLocked(limit), nil
}

func (r *txOutboxRepository) MarkProcessed(ctx context.Context, ids []int64) error {
	r.tx.stagedProcessed = append(r.tx.stagedProcessed, ids...)
	return nil
}

func (r *txOutboxRepository) PendingStats(ctx context.Context) (int, time.Duration, error) {
	count, oldest := r.tx.parent.pendingStatsLocked()
	return count, oldest, nil
}

type txIdempotencyStore struct {
	tx *transactionalDataStore
}

func (s *txIdempotencyStore) Get(ctx context.Context, restaurantID domain.RestaurantID, key string) (*domain.IdempotencyEntry, error) {
	k := restaurantID.String() + ":" + key
	if entry, ok := s.tx.stagedIdempotency[k]; ok {
		return entry, nil
	}
	if entry, ok := s.tx.parent.idempotency[k]; ok {
		return entry, nil
	}
	return nil, nil
}

func (s *txIdempotencyStore) Insert(ctx context.Context, entry *domain.IdempotencyEntry) error {
	k := entry.RestaurantID.String() + ":" + entry.IdempotencyKey
	if _, ok := s.tx.stagedIdempotency[k]; ok {
		return domain.ErrIdempotencyKeyExists
	}
	if _, ok := s.tx.parent.idempotency[k]; ok {
		return domain.ErrIdempotencyKeyExists
	}
	staged := *entry
	if staged.CreatedAt.IsZero() {
		staged.CreatedAt = time.Now().UTC()
	}
	if staged.ExpiresAt.IsZero() {
		staged.ExpiresAt = staged.CreatedAt.Add(24 * time.Hour)
	}
	s.tx.stagedIdempotency[k] = &staged
	*entry = staged
	return nil
}

type txLockRepository struct {
	tx *transactionalDataStore
}

func (r *txLockRepository) TryAcquire(ctx context.Context, id domain.AuthRequestID, holderID string, ttl time.Duration) (bool, error) {
	return r.tx.parent.tryAcquireLocked(id, holderID, ttl), nil
}

func (r *txLockRepository) Release(ctx context.Context, id domain.AuthRequestID, holderID string) error {
	r.tx.parent.releaseLocked(id, holderID)
	return nil
}

func (r *txLockRepository) DeleteExpired(ctx context.Context) (int64, error) {
	return r.tx.parent.deleteExpiredLocked(), nil
}

type txRestaurantConfigRepository struct {
	tx *transactionalDataStore
}

func (r *txRestaurantConfigRepository) GetActive(ctx context.Context, restaurantID domain.RestaurantID) (*domain.RestaurantPaymentConfig, error) {
	if config, ok := r.tx.stagedConfigs[restaurantID.String()]; ok && config.IsActive {
		return config, nil
	}
	if config, ok := r.tx.parent.configs[restaurantID.String()]; ok && config.IsActive {
		return config, nil
	}
	return nil, domain.ErrRestaurantConfigNotFound
}

func (r *txRestaurantConfigRepository) Save(ctx context.Context, config *domain.RestaurantPaymentConfig) error {
	r.tx.stagedConfigs[config.RestaurantID.String()] = config
	return nil
}

// Lock primitives shared by the direct and transactional repositories. The
// caller must hold ds.mu.

// tryAcquireLocked mirrors the conditional-insert semantics of the SQL
// implementation: any existing row blocks, even a lapsed one. Lapsed rows
// only go away through DeleteExpired.
func (ds *DataStore) tryAcquireLocked(id domain.AuthRequestID, holderID string, ttl time.Duration) bool {
	key := id.String()
	if _, ok := ds.locks[key]; ok {
		return false
	}
	ds.locks[key] = lockRow{holderID: holderID, expiresAt: time.Now().Add(ttl)}
	return true
}

func (ds *DataStore) releaseLocked(id domain.AuthRequestID, holderID string) {
	key := id.String()
	if row, ok := ds.locks[key]; ok && row.holderID == holderID {
		delete(ds.locks, key)
	}
}

func (ds *DataStore) deleteExpiredLocked() int64 {
	var removed int64
	now := time.Now()
	for key, row := range ds.locks {
		if row.expiresAt.Before(now) {
			delete(ds.locks, key)
			removed++
		}
	}
	return removed
}

// Non-transactional repository implementations (for direct access)

// EventStore provides non-transactional access to in-memory event streams.
type EventStore struct {
	store *DataStore
}

// Append assigns the next dense sequence number and stores the event.
func (s *EventStore) Append(ctx context.Context, event *domain.Event) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	key := event.AggregateID.String()
	event.SequenceNumber = len(s.store.events[key]) + 1
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	s.store.events[key] = append(s.store.events[key], *event)
	return nil
}

// ReadStream returns events with sequence number greater than fromSequence.
func (s *EventStore) ReadStream(ctx context.Context, id domain.AuthRequestID, fromSequence int) ([]domain.Event, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	return s.store.readStreamLocked(id, fromSequence, nil), nil
}

// StateRepository provides non-transactional access to in-memory state rows.
type StateRepository struct {
	store *DataStore
}

// Get loads a state row by ID. Returns ErrAuthRequestNotFound when missing.
func (r *StateRepository) Get(ctx context.Context, id domain.AuthRequestID) (*domain.AuthRequestState, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if state, ok := r.store.states[id.String()]; ok {
		return state, nil
	}
	return nil, domain.ErrAuthRequestNotFound
}

// Save stores a state row, overwriting any existing entry.
func (r *StateRepository) Save(ctx context.Context, state *domain.AuthRequestState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.states[state.AuthRequestID.String()] = state
	return nil
}

// OutboxRepository provides non-transactional access to in-memory outbox rows.
type OutboxRepository struct {
	store *DataStore
}

// Enqueue assigns an ID and appends the entry to the outbox.
func (r *OutboxRepository) Enqueue(ctx context.Context, entry *domain.OutboxEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var direct []*domain.OutboxEntry
	r.store.enqueueLocked(entry, &direct)
	r.store.outbox = append(r.store.outbox, direct...)
	return nil
}

// ClaimPending returns unprocessed entries in insertion order, up to the limit.
func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int) ([]*domain.OutboxEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.claimPendingLocked(limit), nil
}

// MarkProcessed stamps processed_at on the given entries.
func (r *OutboxRepository) MarkProcessed(ctx context.Context, ids []int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.markProcessedLocked(ids)
	return nil
}

// PendingStats reports the unprocessed count and the age of the oldest entry.
func (r *OutboxRepository) PendingStats(ctx context.Context) (int, time.Duration, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	count, oldest := r.store.pendingStatsLocked()
	return count, oldest, nil
}

// IdempotencyStore provides non-transactional access to in-memory idempotency rows.
type IdempotencyStore struct {
	store *DataStore
}

// Get retrieves an entry by restaurant and key. Returns (nil, nil) when absent.
func (s *IdempotencyStore) Get(ctx context.Context, restaurantID domain.RestaurantID, key string) (*domain.IdempotencyEntry, error) {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	if entry, ok := s.store.idempotency[restaurantID.String()+":"+key]; ok {
		return entry, nil
	}
	return nil, nil
}

// Insert stores a new entry or returns ErrIdempotencyKeyExists.
func (s *IdempotencyStore) Insert(ctx context.Context, entry *domain.IdempotencyEntry) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	k := entry.RestaurantID.String() + ":" + entry.IdempotencyKey
	if _, ok := s.store.idempotency[k]; ok {
		return domain.ErrIdempotencyKeyExists
	}
	stored := *entry
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.ExpiresAt.IsZero() {
		stored.ExpiresAt = stored.CreatedAt.Add(24 * time.Hour)
	}
	s.store.idempotency[k] = &stored
	*entry = stored
	return nil
}

// LockRepository provides non-transactional access to in-memory lock rows.
type LockRepository struct {
	store *DataStore
}

// TryAcquire attempts a conditional insert of the lock row.
func (r *LockRepository) TryAcquire(ctx context.Context, id domain.AuthRequestID, holderID string, ttl time.Duration) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.store.tryAcquireLocked(id, holderID, ttl), nil
}

// Release deletes the lock row when both id and holder match.
func (r *LockRepository) Release(ctx context.Context, id domain.AuthRequestID, holderID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.releaseLocked(id, holderID)
	return nil
}

// DeleteExpired removes lapsed lock rows and reports how many went away.
func (r *LockRepository) DeleteExpired(ctx context.Context) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.store.deleteExpiredLocked(), nil
}

// RestaurantConfigRepository provides non-transactional access to in-memory configs.
type RestaurantConfigRepository struct {
	store *DataStore
}

// GetActive retrieves the active config for a restaurant.
// Returns ErrRestaurantConfigNotFound when missing or inactive.
func (r *RestaurantConfigRepository) GetActive(ctx context.Context, restaurantID domain.RestaurantID) (*domain.RestaurantPaymentConfig, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if config, ok := r.store.configs[restaurantID.String()]; ok && config.IsActive {
		return config, nil
	}
	return nil, domain.ErrRestaurantConfigNotFound
}

// Save upserts a config row.
func (r *RestaurantConfigRepository) Save(ctx context.Context, config *domain.RestaurantPaymentConfig) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.configs[config.RestaurantID.String()] = config
	return nil
}

// Verify interface implementations
var (
	_ domain.AtomicExecutor = (*DataStore)(nil)
	_ domain.Repositories   = (*DataStore)(nil)
	_ domain.DataStore      = (*DataStore)(nil)
)
