package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"argent/internal/common/types"
)

// AggregateTypeAuthRequest is the aggregate_type recorded for every event in
// this context.
const AggregateTypeAuthRequest = "auth_request"

// Event types for the authorization context.
const (
	EventTypeAuthRequestCreated   = "auth.request_created"
	EventTypeAuthAttemptStarted   = "auth.attempt_started"
	EventTypeAuthResponseReceived = "auth.response_received"
	EventTypeAuthAttemptFailed    = "auth.attempt_failed"
	EventTypeAuthVoidRequested    = "auth.void_requested"
	EventTypeAuthRequestExpired   = "auth.request_expired"
)

// Event metadata keys.
const (
	MetadataKeyIdempotencyKey = "idempotency_key"
	MetadataKeyCorrelationID  = "correlation_id"
	MetadataKeyWorkerID       = "worker_id"
)

// Event is one immutable entry in an aggregate's stream. SequenceNumber is
// assigned by the event store inside the appending transaction.
type Event struct {
	EventID        uuid.UUID
	AggregateID    AuthRequestID
	AggregateType  string
	EventType      string
	Payload        []byte
	SequenceNumber int
	Metadata       map[string]string
	OccurredAt     time.Time
}

// UnmarshalPayload decodes the event payload into the target struct.
func (e *Event) UnmarshalPayload(target any) error {
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("%w: event %s payload: %v", ErrCorruptData, e.EventID, err)
	}
	return nil
}

// AuthRequestCreatedPayload seeds the aggregate.
type AuthRequestCreatedPayload struct {
	RestaurantID     string            `json:"restaurant_id"`
	PaymentToken     string            `json:"payment_token"`
	AmountMinorUnits int64             `json:"amount_minor_units"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// AuthAttemptStartedPayload records the worker beginning an attempt.
type AuthAttemptStartedPayload struct {
	WorkerID     string `json:"worker_id"`
	ReceiveCount int    `json:"receive_count"`
}

// Processor outcomes recorded in AuthResponseReceivedPayload.
const (
	ResponseOutcomeAuthorized = "AUTHORIZED"
	ResponseOutcomeDenied     = "DENIED"
)

// AuthResponseReceivedPayload records the processor's verdict.
type AuthResponseReceivedPayload struct {
	Outcome                    string            `json:"outcome"`
	ProcessorName              string            `json:"processor_name"`
	ProcessorAuthID            string            `json:"processor_auth_id,omitempty"`
	AuthorizationCode          string            `json:"authorization_code,omitempty"`
	AuthorizedAmountMinorUnits int64             `json:"authorized_amount_minor_units,omitempty"`
	Currency                   string            `json:"currency,omitempty"`
	DenialCode                 string            `json:"denial_code,omitempty"`
	DenialReason               string            `json:"denial_reason,omitempty"`
	ProcessorMetadata          map[string]string `json:"processor_metadata,omitempty"`
}

// AuthAttemptFailedPayload records a failed attempt. Retryable failures leave
// the read model in PROCESSING; terminal failures move it to FAILED.
type AuthAttemptFailedPayload struct {
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
	WorkerID  string `json:"worker_id,omitempty"`
}

// AuthVoidRequestedPayload records a client void.
type AuthVoidRequestedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// AuthRequestExpiredPayload records a void observed before any outcome.
type AuthRequestExpiredPayload struct {
	Reason   string `json:"reason,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
}

func newEvent(aggregateID AuthRequestID, eventType string, payload any, metadata map[string]string) (Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	return Event{
		EventID:       uuid.New(),
		AggregateID:   aggregateID,
		AggregateType: AggregateTypeAuthRequest,
		EventType:     eventType,
		Payload:       payloadBytes,
		Metadata:      metadata,
		OccurredAt:    time.Now().UTC(),
	}, nil
}

// NewAuthRequestCreatedEvent builds the seed event. The idempotency key is
// recorded in event metadata for audit.
func NewAuthRequestCreatedEvent(
	id AuthRequestID,
	restaurantID RestaurantID,
	paymentToken string,
	amountMinorUnits int64,
	currency string,
	requestMetadata map[string]string,
	idempotencyKey string,
	correlationID types.CorrelationID,
) (Event, error) {
	payload := AuthRequestCreatedPayload{
		RestaurantID:     restaurantID.String(),
		PaymentToken:     paymentToken,
		AmountMinorUnits: amountMinorUnits,
		Currency:         currency,
		Metadata:         requestMetadata,
	}
	return newEvent(id, EventTypeAuthRequestCreated, payload, map[string]string{
		MetadataKeyIdempotencyKey: idempotencyKey,
		MetadataKeyCorrelationID:  correlationID.String(),
	})
}

// NewAuthAttemptStartedEvent marks the transition into PROCESSING.
func NewAuthAttemptStartedEvent(id AuthRequestID, workerID string, receiveCount int, correlationID types.CorrelationID) (Event, error) {
	payload := AuthAttemptStartedPayload{
		WorkerID:     workerID,
		ReceiveCount: receiveCount,
	}
	return newEvent(id, EventTypeAuthAttemptStarted, payload, map[string]string{
		MetadataKeyWorkerID:      workerID,
		MetadataKeyCorrelationID: correlationID.String(),
	})
}

// NewAuthResponseReceivedEvent records an AUTHORIZED or DENIED processor outcome.
func NewAuthResponseReceivedEvent(id AuthRequestID, payload AuthResponseReceivedPayload, workerID string, correlationID types.CorrelationID) (Event, error) {
	if payload.Outcome != ResponseOutcomeAuthorized && payload.Outcome != ResponseOutcomeDenied {
		return Event{}, fmt.Errorf("%w: response outcome %q", ErrInvalidStateTransition, payload.Outcome)
	}
	return newEvent(id, EventTypeAuthResponseReceived, payload, map[string]string{
		MetadataKeyWorkerID:      workerID,
		MetadataKeyCorrelationID: correlationID.String(),
	})
}

// NewAuthAttemptFailedEvent records a failed attempt.
func NewAuthAttemptFailedEvent(id AuthRequestID, reason string, retryable bool, workerID string, correlationID types.CorrelationID) (Event, error) {
	payload := AuthAttemptFailedPayload{
		Reason:    reason,
		Retryable: retryable,
		WorkerID:  workerID,
	}
	return newEvent(id, EventTypeAuthAttemptFailed, payload, map[string]string{
		MetadataKeyWorkerID:      workerID,
		MetadataKeyCorrelationID: correlationID.String(),
	})
}

// NewAuthVoidRequestedEvent records a client-initiated void.
func NewAuthVoidRequestedEvent(id AuthRequestID, reason string, correlationID types.CorrelationID) (Event, error) {
	payload := AuthVoidRequestedPayload{Reason: reason}
	return newEvent(id, EventTypeAuthVoidRequested, payload, map[string]string{
		MetadataKeyCorrelationID: correlationID.String(),
	})
}

// NewAuthRequestExpiredEvent records a void detected before processing began.
func NewAuthRequestExpiredEvent(id AuthRequestID, reason, workerID string, correlationID types.CorrelationID) (Event, error) {
	payload := AuthRequestExpiredPayload{Reason: reason, WorkerID: workerID}
	return newEvent(id, EventTypeAuthRequestExpired, payload, map[string]string{
		MetadataKeyWorkerID:      workerID,
		MetadataKeyCorrelationID: correlationID.String(),
	})
}
