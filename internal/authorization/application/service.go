package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"argent/internal/authorization/domain"
	"argent/internal/common/logging"
	"argent/internal/common/messages"
	"argent/internal/common/metrics"
	"argent/internal/common/types"
)

// sequenceRetryAttempts bounds the unit-of-work retry when two appenders
// race on the same aggregate.
const sequenceRetryAttempts = 3

// AuthorizationService implements the client-facing application layer:
// creating authorization requests, reading their status, and voiding them.
//
// Key design decisions:
//   - Every state-changing operation runs inside one Atomic callback so the
//     event append, the read model projection, and the outbox entry commit
//     or roll back together.
//   - Idempotency is arbitrated by the idempotency store's unique key; the
//     loser of a concurrent create re-reads the winner and returns its state.
//   - Create short-polls the read model after commit so fast processors
//     answer on the same request (fast path); slow ones get a handle (slow
//     path).
type AuthorizationService struct {
	store                domain.DataStore
	fastPathTimeout      time.Duration
	fastPathPollInterval time.Duration
}

// NewAuthorizationService creates a new AuthorizationService.
// fastPathTimeout bounds the post-commit short poll; fastPathPollInterval is
// the read-model re-check cadence within that budget.
func NewAuthorizationService(store domain.DataStore, fastPathTimeout, fastPathPollInterval time.Duration) *AuthorizationService {
	return &AuthorizationService{
		store:                store,
		fastPathTimeout:      fastPathTimeout,
		fastPathPollInterval: fastPathPollInterval,
	}
}

// CreateAuthorizationRequest carries the validated input of POST /v1/authorize.
type CreateAuthorizationRequest struct {
	RestaurantID     domain.RestaurantID
	PaymentToken     string
	AmountMinorUnits int64
	Currency         string
	IdempotencyKey   string
	Metadata         map[string]string
	CorrelationID    types.CorrelationID
}

// CreateAuthorizationResponse is the service-level result of a create.
// Replayed is true when the idempotency key matched an existing request; in
// that case State is the existing aggregate's current state and no write
// happened.
type CreateAuthorizationResponse struct {
	State    *domain.AuthRequestState
	Replayed bool
}

// CreateAuthorization creates a new authorization request.
// This operation:
//   - Returns the existing request's state when the idempotency key is known
//   - Otherwise appends AuthRequestCreated (sequence 1), projects the PENDING
//     read model row, stages auth_request_queued in the outbox, and inserts
//     the idempotency key, all in one transaction
//   - After commit, short-polls the read model within the fast-path budget
func (s *AuthorizationService) CreateAuthorization(ctx context.Context, req CreateAuthorizationRequest) (*CreateAuthorizationResponse, error) {
	started := time.Now()
	var (
		state    *domain.AuthRequestState
		replayed bool
	)

	err := s.store.Atomic(ctx, func(repos domain.Repositories) error {
		// Check idempotency first; a hit returns the existing state with no writes.
		existing, err := repos.Idempotency().Get(ctx, req.RestaurantID, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			state, err = repos.States().Get(ctx, existing.AuthRequestID)
			if err != nil {
				return fmt.Errorf("%w: idempotency key %s references missing request %s",
					domain.ErrCorruptData, req.IdempotencyKey, existing.AuthRequestID)
			}
			replayed = true
			return nil
		}

		// New request: event (sequence 1) + projection + outbox + idempotency key.
		id := domain.NewAuthRequestID()
		event, err := domain.NewAuthRequestCreatedEvent(
			id,
			req.RestaurantID,
			req.PaymentToken,
			req.AmountMinorUnits,
			req.Currency,
			req.Metadata,
			req.IdempotencyKey,
			req.CorrelationID,
		)
		if err != nil {
			return err
		}
		if err := repos.Events().Append(ctx, &event); err != nil {
			return err
		}

		state, err = domain.Project(nil, event)
		if err != nil {
			return err
		}
		if err := repos.States().Save(ctx, state); err != nil {
			return err
		}

		payload, err := messages.Marshal(messages.AuthRequestQueuedMessage{
			AuthRequestID: id.String(),
			RestaurantID:  req.RestaurantID.String(),
			CreatedAt:     event.OccurredAt,
		})
		if err != nil {
			return err
		}
		if err := repos.Outbox().Enqueue(ctx, &domain.OutboxEntry{
			AggregateID: id,
			MessageType: messages.TypeAuthRequestQueued,
			Payload:     payload,
		}); err != nil {
			return err
		}

		return repos.Idempotency().Insert(ctx, &domain.IdempotencyEntry{
			IdempotencyKey: req.IdempotencyKey,
			RestaurantID:   req.RestaurantID,
			AuthRequestID:  id,
		})
	})

	// A concurrent create with the same key won the insert race. Abandon our
	// rolled-back writes and answer with the winner's state.
	if errors.Is(err, domain.ErrIdempotencyKeyExists) {
		winner, readErr := s.readByIdempotencyKey(ctx, req.RestaurantID, req.IdempotencyKey)
		if readErr != nil {
			return nil, readErr
		}
		state, replayed = winner, true
		err = nil
	}
	if err != nil {
		return nil, err
	}
	metrics.RecordTransactionDuration("create_authorization", time.Since(started))

	if replayed {
		metrics.RecordIdempotencyReplay()
		logging.InfoContext(ctx, "Idempotent authorize replay",
			"auth_request_id", state.AuthRequestID.String(),
			"status", state.Status.String(),
		)
		return &CreateAuthorizationResponse{State: state, Replayed: true}, nil
	}

	logging.InfoContext(ctx, "Authorization request created",
		"auth_request_id", state.AuthRequestID.String(),
		"restaurant_id", req.RestaurantID.String(),
		"amount", types.NewMoney(req.AmountMinorUnits, req.Currency).String(),
	)

	state = s.awaitCompletion(ctx, state)
	return &CreateAuthorizationResponse{State: state}, nil
}

// readByIdempotencyKey resolves an idempotency key to its aggregate's state.
func (s *AuthorizationService) readByIdempotencyKey(ctx context.Context, restaurantID domain.RestaurantID, key string) (*domain.AuthRequestState, error) {
	entry, err := s.store.Idempotency().Get(ctx, restaurantID, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: idempotency key vanished after conflict", domain.ErrCorruptData)
	}
	state, err := s.store.States().Get(ctx, entry.AuthRequestID)
	if err != nil {
		return nil, fmt.Errorf("%w: idempotency key %s references missing request %s",
			domain.ErrCorruptData, key, entry.AuthRequestID)
	}
	return state, nil
}

// awaitCompletion short-polls the read model until the request reaches a
// terminal status, the fast-path budget lapses, or the caller goes away.
// The backing work is never cancelled; on timeout the latest observed state
// is returned and the client follows the status URL.
func (s *AuthorizationService) awaitCompletion(ctx context.Context, state *domain.AuthRequestState) *domain.AuthRequestState {
	if state.Status.Terminal() {
		return state
	}

	deadline := time.NewTimer(s.fastPathTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.fastPathPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return state
		case <-deadline.C:
			logging.InfoContext(ctx, "Authorization still processing after fast-path budget",
				"auth_request_id", state.AuthRequestID.String(),
				"status", state.Status.String(),
			)
			return state
		case <-ticker.C:
			latest, err := s.store.States().Get(ctx, state.AuthRequestID)
			if err != nil {
				logging.WarnContext(ctx, "Fast-path poll read failed",
					"auth_request_id", state.AuthRequestID.String(),
					"error", err.Error(),
				)
				continue
			}
			state = latest
			if state.Status.Terminal() {
				logging.InfoContext(ctx, "Authorization completed within fast-path budget",
					"auth_request_id", state.AuthRequestID.String(),
					"status", state.Status.String(),
				)
				return state
			}
		}
	}
}

// GetStatusRequest carries the validated input of GET /v1/authorize/{id}/status.
type GetStatusRequest struct {
	AuthRequestID domain.AuthRequestID
	RestaurantID  domain.RestaurantID
}

// GetStatus returns the current read model row for an authorization request.
// A restaurant mismatch is reported as ErrAuthRequestNotFound so callers
// cannot probe for other restaurants' request IDs.
func (s *AuthorizationService) GetStatus(ctx context.Context, req GetStatusRequest) (*domain.AuthRequestState, error) {
	state, err := s.store.States().Get(ctx, req.AuthRequestID)
	if err != nil {
		return nil, err
	}
	if state.RestaurantID != req.RestaurantID {
		logging.WarnContext(ctx, "Status requested with mismatched restaurant",
			"auth_request_id", req.AuthRequestID.String(),
			"requested_restaurant_id", req.RestaurantID.String(),
		)
		return nil, domain.ErrAuthRequestNotFound
	}
	return state, nil
}

// VoidAuthorizationRequest carries the validated input of POST /v1/authorize/{id}/void.
type VoidAuthorizationRequest struct {
	AuthRequestID domain.AuthRequestID
	RestaurantID  domain.RestaurantID
	Reason        string
	CorrelationID types.CorrelationID
}

// VoidAuthorization voids an authorization request.
// The projection decides the effect: PENDING requests expire, AUTHORIZED
// holds become VOIDED, and PROCESSING requests record the void without a
// status change (the worker owns the outcome). The void is also staged for
// the standard queue so downstream consumers observe it.
//
// The unit of work retries on sequence conflicts, which occur when the
// worker appends an attempt event for the same aggregate concurrently.
func (s *AuthorizationService) VoidAuthorization(ctx context.Context, req VoidAuthorizationRequest) (*domain.AuthRequestState, error) {
	var state *domain.AuthRequestState

	var err error
	for attempt := 0; attempt < sequenceRetryAttempts; attempt++ {
		err = s.store.Atomic(ctx, func(repos domain.Repositories) error {
			current, err := repos.States().Get(ctx, req.AuthRequestID)
			if err != nil {
				return err
			}
			if current.RestaurantID != req.RestaurantID {
				return domain.ErrAuthRequestNotFound
			}

			event, err := domain.NewAuthVoidRequestedEvent(req.AuthRequestID, req.Reason, req.CorrelationID)
			if err != nil {
				return err
			}
			if err := repos.Events().Append(ctx, &event); err != nil {
				return err
			}

			state, err = domain.Project(current, event)
			if err != nil {
				return err
			}
			if err := repos.States().Save(ctx, state); err != nil {
				return err
			}

			payload, err := messages.Marshal(messages.VoidRequestQueuedMessage{
				AuthRequestID: req.AuthRequestID.String(),
				RestaurantID:  req.RestaurantID.String(),
				Reason:        req.Reason,
				CreatedAt:     event.OccurredAt,
			})
			if err != nil {
				return err
			}
			return repos.Outbox().Enqueue(ctx, &domain.OutboxEntry{
				AggregateID: req.AuthRequestID,
				MessageType: messages.TypeVoidRequestQueued,
				Payload:     payload,
			})
		})
		if !errors.Is(err, domain.ErrSequenceConflict) {
			break
		}
		metrics.RecordSequenceConflict("void_authorization")
		logging.WarnContext(ctx, "Void raced an attempt event, retrying",
			"auth_request_id", req.AuthRequestID.String(),
			"attempt", attempt+1,
		)
	}
	if err != nil {
		return nil, err
	}

	logging.InfoContext(ctx, "Authorization void recorded",
		"auth_request_id", req.AuthRequestID.String(),
		"status", state.Status.String(),
	)
	return state, nil
}
