package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"argent/internal/authorization/domain"
)

// StateRepository implements domain.StateRepository using PostgreSQL.
// Rows are only ever written through Project outputs, in the same
// transaction as the event append they derive from.
type StateRepository struct {
	db Executor
}

// NewStateRepository creates a new StateRepository bound to a pool or transaction.
func NewStateRepository(db Executor) *StateRepository {
	return &StateRepository{db: db}
}

const getStateSQL = `
SELECT auth_request_id, restaurant_id, payment_token, status,
       amount_minor_units, currency,
       COALESCE(processor_auth_id, ''), COALESCE(processor_name, ''),
       COALESCE(authorized_amount_minor_units, 0), COALESCE(authorization_code, ''),
       COALESCE(denial_code, ''), COALESCE(denial_reason, ''),
       created_at, updated_at, completed_at,
       metadata, last_event_sequence, last_event_id
FROM auth_request_state
WHERE auth_request_id = $1`

// Get retrieves the current-state row for an aggregate.
func (r *StateRepository) Get(ctx context.Context, id domain.AuthRequestID) (*domain.AuthRequestState, error) {
	row := r.db.QueryRow(ctx, getStateSQL, id.UUID())
	state, err := scanState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAuthRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

const saveStateSQL = `
INSERT INTO auth_request_state (
    auth_request_id, restaurant_id, payment_token, status,
    amount_minor_units, currency,
    processor_auth_id, processor_name, authorized_amount_minor_units, authorization_code,
    denial_code, denial_reason,
    created_at, updated_at, completed_at,
    metadata, last_event_sequence, last_event_id
)
VALUES (
    $1, $2, $3, $4, $5, $6,
    NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, 0), NULLIF($10, ''),
    NULLIF($11, ''), NULLIF($12, ''),
    $13, $14, $15, $16, $17, $18
)
ON CONFLICT (auth_request_id) DO UPDATE SET
    status = EXCLUDED.status,
    processor_auth_id = EXCLUDED.processor_auth_id,
    processor_name = EXCLUDED.processor_name,
    authorized_amount_minor_units = EXCLUDED.authorized_amount_minor_units,
    authorization_code = EXCLUDED.authorization_code,
    denial_code = EXCLUDED.denial_code,
    denial_reason = EXCLUDED.denial_reason,
    updated_at = EXCLUDED.updated_at,
    completed_at = EXCLUDED.completed_at,
    metadata = EXCLUDED.metadata,
    last_event_sequence = EXCLUDED.last_event_sequence,
    last_event_id = EXCLUDED.last_event_id`

// Save upserts the row keyed by auth_request_id. Identity columns
// (restaurant, token, amount, currency, created_at) are written on insert
// and never updated.
func (r *StateRepository) Save(ctx context.Context, state *domain.AuthRequestState) error {
	metadata, err := marshalMetadata(state.Metadata)
	if err != nil {
		return err
	}

	var lastEventID any
	if state.LastEventID != uuid.Nil {
		lastEventID = state.LastEventID
	}

	_, err = r.db.Exec(ctx, saveStateSQL,
		state.AuthRequestID.UUID(),
		state.RestaurantID.UUID(),
		state.PaymentToken,
		string(state.Status),
		state.AmountMinorUnits,
		state.Currency,
		state.ProcessorAuthID,
		state.ProcessorName,
		state.AuthorizedAmountMinorUnits,
		state.AuthorizationCode,
		state.DenialCode,
		state.DenialReason,
		state.CreatedAt,
		state.UpdatedAt,
		state.CompletedAt,
		metadata,
		state.LastEventSequence,
		lastEventID,
	)
	if err != nil {
		return fmt.Errorf("saving auth request state %s: %w", state.AuthRequestID, err)
	}
	return nil
}

func scanState(row pgx.Row) (*domain.AuthRequestState, error) {
	var (
		state        domain.AuthRequestState
		authID       uuid.UUID
		restaurantID uuid.UUID
		status       string
		rawMetadata  []byte
		lastEventID  *uuid.UUID
	)
	err := row.Scan(
		&authID,
		&restaurantID,
		&state.PaymentToken,
		&status,
		&state.AmountMinorUnits,
		&state.Currency,
		&state.ProcessorAuthID,
		&state.ProcessorName,
		&state.AuthorizedAmountMinorUnits,
		&state.AuthorizationCode,
		&state.DenialCode,
		&state.DenialReason,
		&state.CreatedAt,
		&state.UpdatedAt,
		&state.CompletedAt,
		&rawMetadata,
		&state.LastEventSequence,
		&lastEventID,
	)
	if err != nil {
		return nil, err
	}

	state.AuthRequestID = domain.AuthRequestID(authID)
	state.RestaurantID = domain.RestaurantID(restaurantID)
	state.Status = domain.Status(status)
	if lastEventID != nil {
		state.LastEventID = *lastEventID
	}
	state.Metadata, err = unmarshalMetadata(rawMetadata)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Verify interface implementation.
var _ domain.StateRepository = (*StateRepository)(nil)
