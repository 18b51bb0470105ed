package domain

import "errors"

// Domain errors for the authorization context.
var (
	// ErrAuthRequestNotFound is returned when an authorization request cannot be found.
	ErrAuthRequestNotFound = errors.New("authorization request not found")

	// ErrRestaurantConfigNotFound is returned when no active processor config exists for a restaurant.
	ErrRestaurantConfigNotFound = errors.New("restaurant payment config not found")

	// ErrInvalidStateTransition is returned when a projection pre-condition is violated.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrSequenceConflict is returned when two appenders race on the same aggregate.
	// The caller retries the whole unit of work.
	ErrSequenceConflict = errors.New("event sequence conflict")

	// ErrIdempotencyKeyExists is returned when inserting an idempotency key that is already taken.
	ErrIdempotencyKeyExists = errors.New("idempotency key already exists")

	// ErrUnknownProcessor is returned when the registry has no processor under the requested name.
	ErrUnknownProcessor = errors.New("unknown processor")

	// ErrUnknownMessageType is returned for outbox rows whose type has no bus route.
	ErrUnknownMessageType = errors.New("unknown outbox message type")

	// ErrCorruptData is returned when data loaded from persistence is invalid.
	ErrCorruptData = errors.New("corrupt data in database")
)

// Token Service errors. The first three are terminal: the token will never
// become decryptable. Unavailability is retryable.
var (
	// ErrTokenNotFound is returned when the Token Service has no such token.
	ErrTokenNotFound = errors.New("payment token not found")

	// ErrTokenExpired is returned when the payment token has expired.
	ErrTokenExpired = errors.New("payment token expired")

	// ErrTokenForbidden is returned when this service may not decrypt the token.
	ErrTokenForbidden = errors.New("payment token access forbidden")

	// ErrTokenServiceUnavailable is returned on Token Service 5xx, timeout, or network failure.
	ErrTokenServiceUnavailable = errors.New("token service unavailable")
)
