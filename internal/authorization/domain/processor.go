package domain

import "context"

// CardData is the decrypted payment card material returned by the Token
// Service. It exists only in worker memory for the duration of one processor
// call and is never persisted or logged.
type CardData struct {
	CardNumber     string
	ExpMonth       int
	ExpYear        int
	CVV            string
	CardholderName string
}

// LastFour returns the last four digits of the card number for logging.
func (c CardData) LastFour() string {
	if len(c.CardNumber) < 4 {
		return c.CardNumber
	}
	return c.CardNumber[len(c.CardNumber)-4:]
}

// TokenDecrypter exchanges an opaque payment token for card data.
//
// Terminal failures (the token will never decrypt) surface as ErrTokenNotFound,
// ErrTokenExpired, or ErrTokenForbidden. Transient failures surface as
// ErrTokenServiceUnavailable and are retried via bus redelivery.
type TokenDecrypter interface {
	Decrypt(ctx context.Context, paymentToken string, restaurantID RestaurantID) (CardData, error)
}

// OutcomeResult classifies a processor outcome.
type OutcomeResult string

const (
	// OutcomeAuthorized means the processor approved the authorization.
	OutcomeAuthorized OutcomeResult = "AUTHORIZED"
	// OutcomeDenied means the processor declined. A decline is a successful
	// processing outcome, not an error.
	OutcomeDenied OutcomeResult = "DENIED"
	// OutcomeRetryableFailure means the attempt failed transiently
	// (timeout, 5xx, rate limit) and may be retried via redelivery.
	OutcomeRetryableFailure OutcomeResult = "RETRYABLE_FAILURE"
	// OutcomeTerminalFailure means the attempt can never succeed.
	OutcomeTerminalFailure OutcomeResult = "TERMINAL_FAILURE"
)

// ProcessorOutcome is the result of a single Authorize call. Exactly one of
// the four variants applies; the populated fields depend on Result.
type ProcessorOutcome struct {
	Result OutcomeResult

	// Authorized fields.
	ProcessorAuthID            string
	AuthorizationCode          string
	AuthorizedAmountMinorUnits int64
	Currency                   string

	// Denied fields.
	DenialCode   string
	DenialReason string

	// Failure fields.
	FailureReason string

	// Metadata carries processor-specific detail for the event payload.
	Metadata map[string]string
}

// AuthorizedOutcome builds an AUTHORIZED outcome.
func AuthorizedOutcome(processorAuthID, authorizationCode string, amountMinorUnits int64, currency string, metadata map[string]string) ProcessorOutcome {
	return ProcessorOutcome{
		Result:                     OutcomeAuthorized,
		ProcessorAuthID:            processorAuthID,
		AuthorizationCode:          authorizationCode,
		AuthorizedAmountMinorUnits: amountMinorUnits,
		Currency:                   currency,
		Metadata:                   metadata,
	}
}

// DeniedOutcome builds a DENIED outcome.
func DeniedOutcome(denialCode, denialReason string, metadata map[string]string) ProcessorOutcome {
	return ProcessorOutcome{
		Result:       OutcomeDenied,
		DenialCode:   denialCode,
		DenialReason: denialReason,
		Metadata:     metadata,
	}
}

// RetryableFailureOutcome builds a transient failure outcome.
func RetryableFailureOutcome(reason string) ProcessorOutcome {
	return ProcessorOutcome{
		Result:        OutcomeRetryableFailure,
		FailureReason: reason,
	}
}

// TerminalFailureOutcome builds a permanent failure outcome.
func TerminalFailureOutcome(reason string) ProcessorOutcome {
	return ProcessorOutcome{
		Result:        OutcomeTerminalFailure,
		FailureReason: reason,
	}
}

// Processor authorizes payments against one upstream processor. Instances
// are bound to a restaurant's processor_config at construction; see the
// processors package registry.
//
// Authorize reports every disposition, including failures, through the
// outcome. Implementations honor ctx cancellation by returning a
// RETRYABLE_FAILURE outcome.
type Processor interface {
	// Name returns the registry name, e.g. "mock".
	Name() string
	// Authorize attempts to place an authorization hold.
	Authorize(ctx context.Context, card CardData, amountMinorUnits int64, currency string) ProcessorOutcome
}
