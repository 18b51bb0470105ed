package messages

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types routed through the outbox to the bus.
const (
	// TypeAuthRequestQueued routes to the ordered auth-requests queue.
	TypeAuthRequestQueued = "auth_request_queued"
	// TypeVoidRequestQueued routes to the unordered void-requests queue.
	TypeVoidRequestQueued = "void_request_queued"
)

// AuthRequestQueuedMessage tells the worker an authorization request is ready.
// Delivered on the FIFO queue grouped by restaurant and deduplicated by
// auth_request_id.
type AuthRequestQueuedMessage struct {
	AuthRequestID string    `json:"auth_request_id"`
	RestaurantID  string    `json:"restaurant_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// VoidRequestQueuedMessage notifies downstream consumers that a void was
// requested. Delivered on the standard (unordered) queue.
type VoidRequestQueuedMessage struct {
	AuthRequestID string    `json:"auth_request_id"`
	RestaurantID  string    `json:"restaurant_id"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// Marshal serializes a message for the outbox payload column.
func Marshal(msg any) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling bus message: %w", err)
	}
	return payload, nil
}

// UnmarshalAuthRequestQueued decodes an auth_request_queued payload.
func UnmarshalAuthRequestQueued(payload []byte) (AuthRequestQueuedMessage, error) {
	var msg AuthRequestQueuedMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return AuthRequestQueuedMessage{}, fmt.Errorf("unmarshaling auth_request_queued: %w", err)
	}
	if msg.AuthRequestID == "" || msg.RestaurantID == "" {
		return AuthRequestQueuedMessage{}, fmt.Errorf("auth_request_queued missing identifiers")
	}
	return msg, nil
}

// UnmarshalVoidRequestQueued decodes a void_request_queued payload.
func UnmarshalVoidRequestQueued(payload []byte) (VoidRequestQueuedMessage, error) {
	var msg VoidRequestQueuedMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return VoidRequestQueuedMessage{}, fmt.Errorf("unmarshaling void_request_queued: %w", err)
	}
	if msg.AuthRequestID == "" || msg.RestaurantID == "" {
		return VoidRequestQueuedMessage{}, fmt.Errorf("void_request_queued missing identifiers")
	}
	return msg, nil
}
