package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"argent/internal/common/types"
)

type ProjectionSuite struct {
	suite.Suite

	authID       AuthRequestID
	restaurantID RestaurantID
	corrID       types.CorrelationID
}

func TestProjectionSuite(t *testing.T) {
	suite.Run(t, new(ProjectionSuite))
}

func (s *ProjectionSuite) SetupTest() {
	s.authID = NewAuthRequestID()
	s.restaurantID = RestaurantID(uuid.New())
	s.corrID = types.NewCorrelationID()
}

// createdEvent returns the seed event at sequence 1.
func (s *ProjectionSuite) createdEvent() Event {
	ev, err := NewAuthRequestCreatedEvent(
		s.authID, s.restaurantID, "tok_test_123", 2500, "USD",
		map[string]string{"order_id": "order-77"}, "idem-key-1", s.corrID,
	)
	s.Require().NoError(err)
	ev.SequenceNumber = 1
	return ev
}

// pendingState projects the seed event and returns the PENDING state.
func (s *ProjectionSuite) pendingState() *AuthRequestState {
	state, err := Project(nil, s.createdEvent())
	s.Require().NoError(err)
	return state
}

// processingState advances a PENDING state through AuthAttemptStarted.
func (s *ProjectionSuite) processingState() *AuthRequestState {
	state := s.pendingState()
	ev, err := NewAuthAttemptStartedEvent(s.authID, "worker-1", 1, s.corrID)
	s.Require().NoError(err)
	ev.SequenceNumber = state.LastEventSequence + 1
	next, err := Project(state, ev)
	s.Require().NoError(err)
	return next
}

func (s *ProjectionSuite) responseEvent(seq int, payload AuthResponseReceivedPayload) Event {
	ev, err := NewAuthResponseReceivedEvent(s.authID, payload, "worker-1", s.corrID)
	s.Require().NoError(err)
	ev.SequenceNumber = seq
	return ev
}

func (s *ProjectionSuite) TestCreation() {
	s.Run("created event seeds a PENDING state", func() {
		ev := s.createdEvent()
		state, err := Project(nil, ev)
		s.Require().NoError(err)

		s.Equal(s.authID, state.AuthRequestID)
		s.Equal(s.restaurantID, state.RestaurantID)
		s.Equal("tok_test_123", state.PaymentToken)
		s.Equal(StatusPending, state.Status)
		s.Equal(int64(2500), state.AmountMinorUnits)
		s.Equal("USD", state.Currency)
		s.Equal(map[string]string{"order_id": "order-77"}, state.Metadata)
		s.Equal(1, state.LastEventSequence)
		s.Equal(ev.EventID, state.LastEventID)
		s.Equal(ev.OccurredAt, state.CreatedAt)
		s.Equal(ev.OccurredAt, state.UpdatedAt)
		s.Nil(state.CompletedAt)
	})

	s.Run("created event on an existing aggregate is rejected", func() {
		state := s.pendingState()
		_, err := Project(state, s.createdEvent())
		s.ErrorIs(err, ErrInvalidStateTransition)
	})

	s.Run("any other event on a missing aggregate is rejected", func() {
		ev, err := NewAuthAttemptStartedEvent(s.authID, "worker-1", 1, s.corrID)
		s.Require().NoError(err)
		ev.SequenceNumber = 1
		_, err = Project(nil, ev)
		s.ErrorIs(err, ErrInvalidStateTransition)
	})
}

func (s *ProjectionSuite) TestSequenceGuard() {
	s.Run("gapped sequence is a conflict", func() {
		state := s.pendingState()
		ev, err := NewAuthAttemptStartedEvent(s.authID, "worker-1", 1, s.corrID)
		s.Require().NoError(err)
		ev.SequenceNumber = 3
		_, err = Project(state, ev)
		s.ErrorIs(err, ErrSequenceConflict)
	})

	s.Run("stale sequence is a conflict", func() {
		state := s.processingState()
		ev, err := NewAuthAttemptStartedEvent(s.authID, "worker-2", 2, s.corrID)
		s.Require().NoError(err)
		ev.SequenceNumber = state.LastEventSequence
		_, err = Project(state, ev)
		s.ErrorIs(err, ErrSequenceConflict)
	})

	s.Run("projection does not mutate its input", func() {
		state := s.pendingState()
		ev, err := NewAuthAttemptStartedEvent(s.authID, "worker-1", 1, s.corrID)
		s.Require().NoError(err)
		ev.SequenceNumber = 2

		next, err := Project(state, ev)
		s.Require().NoError(err)

		s.Equal(StatusPending, state.Status)
		s.Equal(1, state.LastEventSequence)
		s.Equal(StatusProcessing, next.Status)

		next.Metadata["order_id"] = "mutated"
		s.Equal("order-77", state.Metadata["order_id"])
	})
}

func (s *ProjectionSuite) TestAttemptLifecycle() {
	s.Run("attempt started moves PENDING to PROCESSING", func() {
		state := s.processingState()
		s.Equal(StatusProcessing, state.Status)
		s.Equal(2, state.LastEventSequence)
		s.Nil(state.CompletedAt)
	})

	s.Run("attempt started again on redelivery stays PROCESSING", func() {
		state := s.processingState()
		ev, err := NewAuthAttemptStartedEvent(s.authID, "worker-2", 2, s.corrID)
		s.Require().NoError(err)
		ev.SequenceNumber = 3
		next, err := Project(state, ev)
		s.Require().NoError(err)
		s.Equal(StatusProcessing, next.Status)
	})

	s.Run("authorized response fills processor columns and completes", func() {
		state := s.processingState()
		ev := s.responseEvent(3, AuthResponseReceivedPayload{
			Outcome:                    ResponseOutcomeAuthorized,
			ProcessorName:              "mock",
			ProcessorAuthID:            "mock_pi_abc",
			AuthorizationCode:          "123456",
			AuthorizedAmountMinorUnits: 2500,
			Currency:                   "USD",
		})

		next, err := Project(state, ev)
		s.Require().NoError(err)
		s.Equal(StatusAuthorized, next.Status)
		s.Equal("mock", next.ProcessorName)
		s.Equal("mock_pi_abc", next.ProcessorAuthID)
		s.Equal("123456", next.AuthorizationCode)
		s.Equal(int64(2500), next.AuthorizedAmountMinorUnits)
		s.Require().NotNil(next.CompletedAt)
		s.Equal(ev.OccurredAt, *next.CompletedAt)
	})

	s.Run("denied response records the decline and completes", func() {
		state := s.processingState()
		ev := s.responseEvent(3, AuthResponseReceivedPayload{
			Outcome:       ResponseOutcomeDenied,
			ProcessorName: "mock",
			DenialCode:    "insufficient_funds",
			DenialReason:  "Your card has insufficient funds.",
		})

		next, err := Project(state, ev)
		s.Require().NoError(err)
		s.Equal(StatusDenied, next.Status)
		s.Equal("insufficient_funds", next.DenialCode)
		s.Equal("Your card has insufficient funds.", next.DenialReason)
		s.Empty(next.ProcessorAuthID)
		s.NotNil(next.CompletedAt)
	})

	s.Run("response before any attempt is rejected", func() {
		state := s.pendingState()
		ev := s.responseEvent(2, AuthResponseReceivedPayload{
			Outcome:       ResponseOutcomeAuthorized,
			ProcessorName: "mock",
		})
		_, err := Project(state, ev)
		s.ErrorIs(err, ErrInvalidStateTransition)
	})

	s.Run("retryable failure keeps PROCESSING and advances the sequence", func() {
		state := s.processingState()
		ev, err := NewAuthAttemptFailedEvent(s.authID, "token service unavailable", true, "worker-1", s.corrID)
		s.Require().NoError(err)
		ev.SequenceNumber = 3

		next, err := Project(state, ev)
		s.Require().NoError(err)
		s.Equal(StatusProcessing, next.Status)
		s.Equal(3, next.LastEventSequence)
		s.Nil(next.CompletedAt)
	})

	s.Run("terminal failure moves to FAILED and completes", func() {
		state := s.processingState()
		ev, err := NewAuthAttemptFailedEvent(s.authID, "token not found", false, "worker-1", s.corrID)
		s.Require().NoError(err)
		ev.SequenceNumber = 3

		next, err := Project(state, ev)
		s.Require().NoError(err)
		s.Equal(StatusFailed, next.Status)
		s.NotNil(next.CompletedAt)
	})
}

func (s *ProjectionSuite) TestVoid() {
	voidEvent := func(seq int) Event {
		ev, err := NewAuthVoidRequestedEvent(s.authID, "customer cancelled", s.corrID)
		s.Require().NoError(err)
		ev.SequenceNumber = seq
		return ev
	}

	s.Run("void of a PENDING request expires it", func() {
		state := s.pendingState()
		next, err := Project(state, voidEvent(2))
		s.Require().NoError(err)
		s.Equal(StatusExpired, next.Status)
		s.NotNil(next.CompletedAt)
	})

	s.Run("void of an AUTHORIZED request voids it", func() {
		state := s.processingState()
		authorized, err := Project(state, s.responseEvent(3, AuthResponseReceivedPayload{
			Outcome:       ResponseOutcomeAuthorized,
			ProcessorName: "mock",
		}))
		s.Require().NoError(err)

		next, err := Project(authorized, voidEvent(4))
		s.Require().NoError(err)
		s.Equal(StatusVoided, next.Status)
	})

	s.Run("void during PROCESSING only advances the sequence", func() {
		state := s.processingState()
		next, err := Project(state, voidEvent(3))
		s.Require().NoError(err)
		s.Equal(StatusProcessing, next.Status)
		s.Equal(3, next.LastEventSequence)
		s.Nil(next.CompletedAt)
	})

	s.Run("void of a DENIED request is rejected", func() {
		state := s.processingState()
		denied, err := Project(state, s.responseEvent(3, AuthResponseReceivedPayload{
			Outcome:       ResponseOutcomeDenied,
			ProcessorName: "mock",
			DenialCode:    "generic_decline",
		}))
		s.Require().NoError(err)

		_, err = Project(denied, voidEvent(4))
		s.ErrorIs(err, ErrInvalidStateTransition)
	})
}

func (s *ProjectionSuite) TestExpiry() {
	expiredEvent := func(seq int) Event {
		ev, err := NewAuthRequestExpiredEvent(s.authID, "void before processing", "worker-1", s.corrID)
		s.Require().NoError(err)
		ev.SequenceNumber = seq
		return ev
	}

	s.Run("expiry of a PENDING request completes it", func() {
		state := s.pendingState()
		ev := expiredEvent(2)

		next, err := Project(state, ev)
		s.Require().NoError(err)
		s.Equal(StatusExpired, next.Status)
		s.Require().NotNil(next.CompletedAt)
		s.Equal(ev.OccurredAt, *next.CompletedAt)
	})

	s.Run("expiry of a PROCESSING request is rejected", func() {
		state := s.processingState()
		_, err := Project(state, expiredEvent(3))
		s.ErrorIs(err, ErrInvalidStateTransition)
	})
}

func (s *ProjectionSuite) TestIDParsing() {
	s.Run("ParseAuthRequestID rejects garbage", func() {
		_, err := ParseAuthRequestID("not-a-uuid")
		s.Error(err)
	})

	s.Run("ParseAuthRequestID round-trips", func() {
		id := NewAuthRequestID()
		parsed, err := ParseAuthRequestID(id.String())
		s.NoError(err)
		s.Equal(id, parsed)
	})

	s.Run("ParseRestaurantID rejects empty", func() {
		_, err := ParseRestaurantID("")
		s.Error(err)
	})

	s.Run("zero IDs report IsZero", func() {
		s.True(AuthRequestID{}.IsZero())
		s.False(NewAuthRequestID().IsZero())
	})
}
