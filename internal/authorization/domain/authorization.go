package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuthRequestState is the denormalized current-state row for one aggregate.
// It is created by the first event and rewritten by every projection; the
// event stream remains the source of truth.
type AuthRequestState struct {
	AuthRequestID              AuthRequestID
	RestaurantID               RestaurantID
	PaymentToken               string
	Status                     Status
	AmountMinorUnits           int64
	Currency                   string
	ProcessorAuthID            string
	ProcessorName              string
	AuthorizedAmountMinorUnits int64
	AuthorizationCode          string
	DenialCode                 string
	DenialReason               string
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
	CompletedAt                *time.Time
	Metadata                   map[string]string
	LastEventSequence          int
	LastEventID                uuid.UUID
}

// clone returns a copy safe to mutate without aliasing the metadata map.
func (s *AuthRequestState) clone() *AuthRequestState {
	next := *s
	if s.Metadata != nil {
		next.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			next.Metadata[k] = v
		}
	}
	return &next
}

// Project applies one event to the current state and returns the new state.
// For AuthRequestCreated the current state must be nil; for every other event
// it must exist. A violated pre-condition means the caller attempted an
// invalid transition and is reported as ErrInvalidStateTransition.
//
// The returned state always has LastEventSequence equal to the sequence of
// the applied event.
func Project(current *AuthRequestState, ev Event) (*AuthRequestState, error) {
	if ev.EventType == EventTypeAuthRequestCreated {
		if current != nil {
			return nil, fmt.Errorf("%w: %s on existing aggregate %s", ErrInvalidStateTransition, ev.EventType, ev.AggregateID)
		}
		return projectCreated(ev)
	}

	if current == nil {
		return nil, fmt.Errorf("%w: %s on missing aggregate %s", ErrInvalidStateTransition, ev.EventType, ev.AggregateID)
	}
	if ev.SequenceNumber != current.LastEventSequence+1 {
		return nil, fmt.Errorf("%w: aggregate %s expected sequence %d, got %d",
			ErrSequenceConflict, ev.AggregateID, current.LastEventSequence+1, ev.SequenceNumber)
	}

	next := current.clone()

	switch ev.EventType {
	case EventTypeAuthAttemptStarted:
		if current.Status != StatusPending && current.Status != StatusProcessing {
			return nil, transitionError(current, ev)
		}
		next.Status = StatusProcessing

	case EventTypeAuthResponseReceived:
		if current.Status != StatusProcessing {
			return nil, transitionError(current, ev)
		}
		var payload AuthResponseReceivedPayload
		if err := ev.UnmarshalPayload(&payload); err != nil {
			return nil, err
		}
		switch payload.Outcome {
		case ResponseOutcomeAuthorized:
			next.Status = StatusAuthorized
			next.ProcessorAuthID = payload.ProcessorAuthID
			next.ProcessorName = payload.ProcessorName
			next.AuthorizedAmountMinorUnits = payload.AuthorizedAmountMinorUnits
			next.AuthorizationCode = payload.AuthorizationCode
		case ResponseOutcomeDenied:
			next.Status = StatusDenied
			next.ProcessorName = payload.ProcessorName
			next.DenialCode = payload.DenialCode
			next.DenialReason = payload.DenialReason
		default:
			return nil, fmt.Errorf("%w: response outcome %q", ErrInvalidStateTransition, payload.Outcome)
		}
		completed := ev.OccurredAt
		next.CompletedAt = &completed

	case EventTypeAuthAttemptFailed:
		if current.Status != StatusProcessing {
			return nil, transitionError(current, ev)
		}
		var payload AuthAttemptFailedPayload
		if err := ev.UnmarshalPayload(&payload); err != nil {
			return nil, err
		}
		if !payload.Retryable {
			next.Status = StatusFailed
			completed := ev.OccurredAt
			next.CompletedAt = &completed
		}
		// Retryable failures only advance the sequence; status stays PROCESSING.

	case EventTypeAuthVoidRequested:
		switch current.Status {
		case StatusPending:
			next.Status = StatusExpired
			completed := ev.OccurredAt
			next.CompletedAt = &completed
		case StatusAuthorized:
			next.Status = StatusVoided
		case StatusProcessing:
			// The worker owns the outcome; the void is recorded and the
			// sequence advances, nothing else changes.
		default:
			return nil, transitionError(current, ev)
		}

	case EventTypeAuthRequestExpired:
		if current.Status != StatusPending {
			return nil, transitionError(current, ev)
		}
		next.Status = StatusExpired
		completed := ev.OccurredAt
		next.CompletedAt = &completed

	default:
		return nil, fmt.Errorf("%w: event type %q", ErrInvalidStateTransition, ev.EventType)
	}

	next.UpdatedAt = ev.OccurredAt
	next.LastEventSequence = ev.SequenceNumber
	next.LastEventID = ev.EventID
	return next, nil
}

func projectCreated(ev Event) (*AuthRequestState, error) {
	var payload AuthRequestCreatedPayload
	if err := ev.UnmarshalPayload(&payload); err != nil {
		return nil, err
	}
	restaurantID, err := ParseRestaurantID(payload.RestaurantID)
	if err != nil {
		return nil, fmt.Errorf("%w: restaurant_id in %s: %v", ErrCorruptData, ev.EventID, err)
	}
	return &AuthRequestState{
		AuthRequestID:     ev.AggregateID,
		RestaurantID:      restaurantID,
		PaymentToken:      payload.PaymentToken,
		Status:            StatusPending,
		AmountMinorUnits:  payload.AmountMinorUnits,
		Currency:          payload.Currency,
		CreatedAt:         ev.OccurredAt,
		UpdatedAt:         ev.OccurredAt,
		Metadata:          payload.Metadata,
		LastEventSequence: ev.SequenceNumber,
		LastEventID:       ev.EventID,
	}, nil
}

func transitionError(current *AuthRequestState, ev Event) error {
	return fmt.Errorf("%w: %s in status %s (aggregate %s)",
		ErrInvalidStateTransition, ev.EventType, current.Status, ev.AggregateID)
}
