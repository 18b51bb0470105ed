package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"argent/internal/authorization/domain"
	"argent/internal/common/logging"
	"argent/internal/common/metrics"
)

// ProcessResult tells the consumer what to do with the bus message.
type ProcessResult string

const (
	// ResultSuccess means a terminal AUTHORIZED or DENIED outcome was recorded. Delete the message.
	ResultSuccess ProcessResult = "success"

	// ResultSkippedLockNotAcquired means another worker holds the lock. Leave the
	// message; it returns after the visibility timeout.
	ResultSkippedLockNotAcquired ProcessResult = "skipped_lock_not_acquired"

	// ResultSkippedVoidDetected means a void arrived before processing began. Delete the message.
	ResultSkippedVoidDetected ProcessResult = "skipped_void_detected"

	// ResultSkippedAlreadyTerminal means the request already has an outcome,
	// usually a redelivery of an acknowledged message. Delete the message.
	ResultSkippedAlreadyTerminal ProcessResult = "skipped_already_terminal"

	// ResultTerminalFailure means the request moved to FAILED. Delete the message.
	ResultTerminalFailure ProcessResult = "terminal_failure"

	// ResultRetryableFailure means the attempt failed but may succeed later.
	// Leave the message; it returns after the visibility timeout.
	ResultRetryableFailure ProcessResult = "retryable_failure"
)

// lockReleaseTimeout bounds the lock release call, which must run even when
// the worker's context is already canceled during shutdown.
const lockReleaseTimeout = 5 * time.Second

// voidBeforeProcessingReason is recorded when a void request is found ahead
// of the first processing attempt.
const voidBeforeProcessingReason = "Void detected before processing could begin"

// errSupersededByTerminal aborts a unit of work whose pre-condition vanished:
// the aggregate reached a terminal state between our read and our write.
var errSupersededByTerminal = errors.New("authorization reached a terminal state concurrently")

// ProcessorResolver turns a restaurant's configured processor name into a
// ready-to-call Processor. Satisfied by processors.Registry.
type ProcessorResolver interface {
	Resolve(name string, config map[string]any) (domain.Processor, error)
}

// ProcessingConfig carries the per-worker processing knobs.
type ProcessingConfig struct {
	// WorkerID identifies this worker as the lock holder and in event metadata.
	WorkerID string
	// MaxRetries is the receive-count ceiling; beyond it every failure is terminal.
	MaxRetries int
	// LockTTL is the distributed lock lifetime.
	LockTTL time.Duration
	// ProcessorTimeout bounds a single Processor.Authorize call.
	ProcessorTimeout time.Duration
}

// ProcessingService executes one authorization attempt per consumed bus
// message: lock, load, decrypt, authorize, record the outcome. Every event
// append re-reads the aggregate inside the transaction, so a redelivered or
// raced message degrades to a skip instead of a duplicate outcome.
type ProcessingService struct {
	store      domain.DataStore
	tokens     domain.TokenDecrypter
	processors ProcessorResolver
	cfg        ProcessingConfig
}

// NewProcessingService wires the worker-side service.
func NewProcessingService(store domain.DataStore, tokens domain.TokenDecrypter, processors ProcessorResolver, cfg ProcessingConfig) *ProcessingService {
	return &ProcessingService{
		store:      store,
		tokens:     tokens,
		processors: processors,
		cfg:        cfg,
	}
}

// ProcessAuthRequest handles one delivery of an auth_request_queued message.
// The returned ProcessResult drives message acknowledgment; a non-nil error
// means the attempt made no decision and the message must be left for
// redelivery.
func (s *ProcessingService) ProcessAuthRequest(ctx context.Context, id domain.AuthRequestID, receiveCount int) (ProcessResult, error) {
	acquired, err := s.store.Locks().TryAcquire(ctx, id, s.cfg.WorkerID, s.cfg.LockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring lock for %s: %w", id, err)
	}
	if !acquired {
		metrics.RecordLockAcquisition("contended")
		logging.InfoContext(ctx, "Authorization locked by another worker",
			"auth_request_id", id.String(),
		)
		return ResultSkippedLockNotAcquired, nil
	}
	metrics.RecordLockAcquisition("acquired")
	defer s.releaseLock(ctx, id)

	state, err := s.store.States().Get(ctx, id)
	if errors.Is(err, domain.ErrAuthRequestNotFound) {
		// Creation writes the state row and the outbox row in one transaction,
		// so a message without a row references nothing we can process.
		logging.ErrorContext(ctx, "Queued authorization has no state row, dropping message",
			"auth_request_id", id.String(),
		)
		return ResultTerminalFailure, nil
	}
	if err != nil {
		return "", fmt.Errorf("loading state for %s: %w", id, err)
	}
	ctx = logging.WithRestaurantID(ctx, state.RestaurantID.String())

	if state.Status.Terminal() {
		logging.InfoContext(ctx, "Authorization already terminal, skipping",
			"auth_request_id", id.String(),
			"status", state.Status.String(),
		)
		return ResultSkippedAlreadyTerminal, nil
	}

	if state.Status == domain.StatusPending {
		voided, err := s.unresolvedVoidRequested(ctx, id)
		if err != nil {
			return "", err
		}
		if voided {
			return s.expireForVoid(ctx, id)
		}
	}

	if _, err := s.appendEvent(ctx, "start_attempt", id, func(current *domain.AuthRequestState) (domain.Event, error) {
		if current.Status.Terminal() {
			return domain.Event{}, errSupersededByTerminal
		}
		return domain.NewAuthAttemptStartedEvent(id, s.cfg.WorkerID, receiveCount, logging.CorrelationIDFromContext(ctx))
	}); err != nil {
		if errors.Is(err, errSupersededByTerminal) {
			return ResultSkippedAlreadyTerminal, nil
		}
		return "", err
	}
	logging.InfoContext(ctx, "Authorization attempt started",
		"auth_request_id", id.String(),
		"receive_count", receiveCount,
	)

	config, err := s.store.RestaurantConfigs().GetActive(ctx, state.RestaurantID)
	if errors.Is(err, domain.ErrRestaurantConfigNotFound) {
		return s.recordFailure(ctx, id, receiveCount,
			fmt.Sprintf("no active payment config for restaurant %s", state.RestaurantID), false)
	}
	if err != nil {
		return "", fmt.Errorf("loading payment config for restaurant %s: %w", state.RestaurantID, err)
	}

	processor, err := s.processors.Resolve(config.ProcessorName, config.ProcessorConfig)
	if err != nil {
		return s.recordFailure(ctx, id, receiveCount,
			fmt.Sprintf("processor unavailable: %v", err), false)
	}

	card, err := s.tokens.Decrypt(ctx, state.PaymentToken, state.RestaurantID)
	if err != nil {
		return s.recordFailure(ctx, id, receiveCount,
			fmt.Sprintf("token decryption failed: %v", err), tokenErrorRetryable(err))
	}

	procCtx, cancel := context.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	outcome := processor.Authorize(procCtx, card, state.AmountMinorUnits, state.Currency)
	cancel()

	switch outcome.Result {
	case domain.OutcomeAuthorized:
		return s.recordResponse(ctx, id, domain.AuthResponseReceivedPayload{
			Outcome:                    domain.ResponseOutcomeAuthorized,
			ProcessorName:              processor.Name(),
			ProcessorAuthID:            outcome.ProcessorAuthID,
			AuthorizationCode:          outcome.AuthorizationCode,
			AuthorizedAmountMinorUnits: outcome.AuthorizedAmountMinorUnits,
			Currency:                   outcome.Currency,
			ProcessorMetadata:          outcome.Metadata,
		})

	case domain.OutcomeDenied:
		return s.recordResponse(ctx, id, domain.AuthResponseReceivedPayload{
			Outcome:           domain.ResponseOutcomeDenied,
			ProcessorName:     processor.Name(),
			DenialCode:        outcome.DenialCode,
			DenialReason:      outcome.DenialReason,
			ProcessorMetadata: outcome.Metadata,
		})

	case domain.OutcomeRetryableFailure:
		return s.recordFailure(ctx, id, receiveCount, outcome.FailureReason, true)

	case domain.OutcomeTerminalFailure:
		return s.recordFailure(ctx, id, receiveCount, outcome.FailureReason, false)

	default:
		return s.recordFailure(ctx, id, receiveCount,
			fmt.Sprintf("processor returned unknown result %q", outcome.Result), false)
	}
}

// unresolvedVoidRequested reports whether the stream holds an AuthVoidRequested
// with no AuthResponseReceived after it.
func (s *ProcessingService) unresolvedVoidRequested(ctx context.Context, id domain.AuthRequestID) (bool, error) {
	events, err := s.store.Events().ReadStream(ctx, id, 0)
	if err != nil {
		return false, fmt.Errorf("reading stream for %s: %w", id, err)
	}
	voidRequested := false
	for _, ev := range events {
		switch ev.EventType {
		case domain.EventTypeAuthVoidRequested:
			voidRequested = true
		case domain.EventTypeAuthResponseReceived:
			voidRequested = false
		}
	}
	return voidRequested, nil
}

// expireForVoid records that a void preempted processing.
func (s *ProcessingService) expireForVoid(ctx context.Context, id domain.AuthRequestID) (ProcessResult, error) {
	_, err := s.appendEvent(ctx, "expire_authorization", id, func(current *domain.AuthRequestState) (domain.Event, error) {
		if current.Status.Terminal() {
			return domain.Event{}, errSupersededByTerminal
		}
		return domain.NewAuthRequestExpiredEvent(id, voidBeforeProcessingReason, s.cfg.WorkerID, logging.CorrelationIDFromContext(ctx))
	})
	if errors.Is(err, errSupersededByTerminal) {
		return ResultSkippedAlreadyTerminal, nil
	}
	if err != nil {
		return "", err
	}
	metrics.RecordAuthorizationCompleted(domain.StatusExpired.String())
	logging.InfoContext(ctx, "Authorization expired before processing",
		"auth_request_id", id.String(),
		"reason", voidBeforeProcessingReason,
	)
	return ResultSkippedVoidDetected, nil
}

// recordResponse appends the processor's verdict and projects the terminal state.
func (s *ProcessingService) recordResponse(ctx context.Context, id domain.AuthRequestID, payload domain.AuthResponseReceivedPayload) (ProcessResult, error) {
	state, err := s.appendEvent(ctx, "record_outcome", id, func(current *domain.AuthRequestState) (domain.Event, error) {
		if current.Status.Terminal() {
			return domain.Event{}, errSupersededByTerminal
		}
		return domain.NewAuthResponseReceivedEvent(id, payload, s.cfg.WorkerID, logging.CorrelationIDFromContext(ctx))
	})
	if errors.Is(err, errSupersededByTerminal) {
		return ResultSkippedAlreadyTerminal, nil
	}
	if err != nil {
		return "", err
	}
	metrics.RecordAuthorizationCompleted(state.Status.String())
	logging.InfoContext(ctx, "Authorization completed",
		"auth_request_id", id.String(),
		"status", state.Status.String(),
		"processor", payload.ProcessorName,
	)
	return ResultSuccess, nil
}

// recordFailure appends an AuthAttemptFailed event. A retryable failure on a
// message already received more than MaxRetries times becomes terminal.
func (s *ProcessingService) recordFailure(ctx context.Context, id domain.AuthRequestID, receiveCount int, reason string, retryable bool) (ProcessResult, error) {
	if retryable && receiveCount > s.cfg.MaxRetries {
		reason = fmt.Sprintf("max retries (%d) exceeded: %s", s.cfg.MaxRetries, reason)
		retryable = false
	}

	_, err := s.appendEvent(ctx, "record_failure", id, func(current *domain.AuthRequestState) (domain.Event, error) {
		if current.Status.Terminal() {
			return domain.Event{}, errSupersededByTerminal
		}
		return domain.NewAuthAttemptFailedEvent(id, reason, retryable, s.cfg.WorkerID, logging.CorrelationIDFromContext(ctx))
	})
	if errors.Is(err, errSupersededByTerminal) {
		return ResultSkippedAlreadyTerminal, nil
	}
	if err != nil {
		return "", err
	}

	if retryable {
		logging.WarnContext(ctx, "Authorization attempt failed, will retry",
			"auth_request_id", id.String(),
			"reason", reason,
			"receive_count", receiveCount,
		)
		return ResultRetryableFailure, nil
	}

	metrics.RecordAuthorizationCompleted(domain.StatusFailed.String())
	logging.ErrorContext(ctx, "Authorization failed terminally",
		"auth_request_id", id.String(),
		"reason", reason,
	)
	return ResultTerminalFailure, nil
}

// appendEvent runs one read-append-project-save unit of work, retrying on
// sequence conflicts. The build callback sees the freshly read in-transaction
// state and may abort with errSupersededByTerminal.
func (s *ProcessingService) appendEvent(
	ctx context.Context,
	operation string,
	id domain.AuthRequestID,
	build func(current *domain.AuthRequestState) (domain.Event, error),
) (*domain.AuthRequestState, error) {
	var next *domain.AuthRequestState
	for attempt := 0; attempt < sequenceRetryAttempts; attempt++ {
		err := s.store.Atomic(ctx, func(repos domain.Repositories) error {
			current, err := repos.States().Get(ctx, id)
			if err != nil {
				return err
			}
			event, err := build(current)
			if err != nil {
				return err
			}
			if err := repos.Events().Append(ctx, &event); err != nil {
				return err
			}
			next, err = domain.Project(current, event)
			if err != nil {
				return err
			}
			return repos.States().Save(ctx, next)
		})
		if errors.Is(err, domain.ErrSequenceConflict) {
			metrics.RecordSequenceConflict(operation)
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, fmt.Errorf("%w: %s on %s gave up after %d attempts",
		domain.ErrSequenceConflict, operation, id, sequenceRetryAttempts)
}

// releaseLock always runs, including during shutdown when ctx is canceled.
func (s *ProcessingService) releaseLock(ctx context.Context, id domain.AuthRequestID) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer cancel()
	if err := s.store.Locks().Release(releaseCtx, id, s.cfg.WorkerID); err != nil {
		logging.WarnContext(ctx, "Failed to release authorization lock",
			"auth_request_id", id.String(),
			"holder_id", s.cfg.WorkerID,
			"error", err,
		)
	}
}

// tokenErrorRetryable classifies Token Service failures. Not-found, expired
// and forbidden can never succeed on retry; everything else is assumed
// transient.
func tokenErrorRetryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrTokenNotFound),
		errors.Is(err, domain.ErrTokenExpired),
		errors.Is(err, domain.ErrTokenForbidden):
		return false
	default:
		return true
	}
}
