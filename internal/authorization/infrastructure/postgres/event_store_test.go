package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"argent/internal/authorization/domain"
	"argent/internal/authorization/infrastructure/postgres"
	"argent/internal/common/types"
)

// EventStoreSuite tests EventStore behavior against a real Postgres instance.
//
// Justification: Sequence assignment happens inside the INSERT statement and
// conflict detection rides on the unique_aggregate_sequence index. Both are
// database behaviors that an in-memory fake cannot reproduce faithfully.
type EventStoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *postgres.EventStore
}

func TestEventStoreSuite(t *testing.T) {
	suite.Run(t, new(EventStoreSuite))
}

func (s *EventStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.Require().NoError(truncateTables(s.ctx, getTestPool()))
	s.store = postgres.NewEventStore(getTestPool())
}

func (s *EventStoreSuite) newCreatedEvent(id domain.AuthRequestID, restaurantID domain.RestaurantID) domain.Event {
	ev, err := domain.NewAuthRequestCreatedEvent(
		id, restaurantID, "tok_test_visa", 2500, "USD", nil, "idem-1", types.NewCorrelationID())
	s.Require().NoError(err)
	return ev
}

func (s *EventStoreSuite) newVoidEvent(id domain.AuthRequestID) domain.Event {
	ev, err := domain.NewAuthVoidRequestedEvent(id, "customer canceled", types.NewCorrelationID())
	s.Require().NoError(err)
	return ev
}

func (s *EventStoreSuite) TestAppend() {
	s.Run("assigns dense sequence numbers in append order", func() {
		aggregateID := domain.NewAuthRequestID()
		restaurantID := domain.RestaurantID(uuid.New())

		created := s.newCreatedEvent(aggregateID, restaurantID)
		s.Require().NoError(s.store.Append(s.ctx, &created))
		s.Equal(1, created.SequenceNumber)

		void := s.newVoidEvent(aggregateID)
		s.Require().NoError(s.store.Append(s.ctx, &void))
		s.Equal(2, void.SequenceNumber)

		another := s.newVoidEvent(aggregateID)
		s.Require().NoError(s.store.Append(s.ctx, &another))
		s.Equal(3, another.SequenceNumber)
	})

	s.Run("sequences are independent per aggregate", func() {
		restaurantID := domain.RestaurantID(uuid.New())

		first := s.newCreatedEvent(domain.NewAuthRequestID(), restaurantID)
		s.Require().NoError(s.store.Append(s.ctx, &first))

		second := s.newCreatedEvent(domain.NewAuthRequestID(), restaurantID)
		s.Require().NoError(s.store.Append(s.ctx, &second))

		s.Equal(1, first.SequenceNumber)
		s.Equal(1, second.SequenceNumber)
	})

	s.Run("losing a sequence race maps to ErrSequenceConflict", func() {
		aggregateID := domain.NewAuthRequestID()
		restaurantID := domain.RestaurantID(uuid.New())

		// The winner holds its insert open in an uncommitted transaction.
		tx, err := getTestPool().Begin(s.ctx)
		s.Require().NoError(err)
		defer tx.Rollback(s.ctx)

		winner := s.newCreatedEvent(aggregateID, restaurantID)
		s.Require().NoError(postgres.NewEventStore(tx).Append(s.ctx, &winner))

		// The rival computes the same slot from committed rows and blocks on
		// the winner's pending index entry until the commit below resolves it.
		rival := s.newCreatedEvent(aggregateID, restaurantID)
		raceErr := make(chan error, 1)
		go func() {
			raceErr <- s.store.Append(s.ctx, &rival)
		}()

		time.Sleep(200 * time.Millisecond)
		s.Require().NoError(tx.Commit(s.ctx))

		s.ErrorIs(<-raceErr, domain.ErrSequenceConflict)
	})
}

func (s *EventStoreSuite) TestConcurrentAppends() {
	s.Run("racing appenders still produce a dense stream", func() {
		const writers = 8
		aggregateID := domain.NewAuthRequestID()
		restaurantID := domain.RestaurantID(uuid.New())

		seed := s.newCreatedEvent(aggregateID, restaurantID)
		s.Require().NoError(s.store.Append(s.ctx, &seed))

		events := make([]domain.Event, writers)
		for i := range writers {
			events[i] = s.newVoidEvent(aggregateID)
		}

		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := range writers {
			ev := events[i]
			wg.Go(func() {
				var err error
				for range 20 {
					attempt := ev
					err = s.store.Append(s.ctx, &attempt)
					if !errors.Is(err, domain.ErrSequenceConflict) {
						break
					}
				}
				errs <- err
			})
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			s.NoError(err)
		}

		stream, err := s.store.ReadStream(s.ctx, aggregateID, 0)
		s.Require().NoError(err)
		s.Require().Len(stream, writers+1)
		for i, ev := range stream {
			s.Equal(i+1, ev.SequenceNumber, "stream must have no gaps or duplicates")
		}
	})
}

func (s *EventStoreSuite) TestReadStream() {
	s.Run("round-trips payload and metadata", func() {
		aggregateID := domain.NewAuthRequestID()
		restaurantID := domain.RestaurantID(uuid.New())

		created := s.newCreatedEvent(aggregateID, restaurantID)
		s.Require().NoError(s.store.Append(s.ctx, &created))

		stream, err := s.store.ReadStream(s.ctx, aggregateID, 0)
		s.Require().NoError(err)
		s.Require().Len(stream, 1)

		got := stream[0]
		s.Equal(created.EventID, got.EventID)
		s.Equal(aggregateID, got.AggregateID)
		s.Equal(domain.AggregateTypeAuthRequest, got.AggregateType)
		s.Equal(domain.EventTypeAuthRequestCreated, got.EventType)
		s.JSONEq(string(created.Payload), string(got.Payload))
		s.Equal(created.Metadata, got.Metadata)
		s.WithinDuration(created.OccurredAt, got.OccurredAt, time.Millisecond)

		var payload domain.AuthRequestCreatedPayload
		s.Require().NoError(got.UnmarshalPayload(&payload))
		s.Equal(restaurantID.String(), payload.RestaurantID)
		s.Equal(int64(2500), payload.AmountMinorUnits)
		s.Equal("USD", payload.Currency)
	})

	s.Run("skips events at or before fromSequence", func() {
		aggregateID := domain.NewAuthRequestID()
		restaurantID := domain.RestaurantID(uuid.New())

		created := s.newCreatedEvent(aggregateID, restaurantID)
		s.Require().NoError(s.store.Append(s.ctx, &created))
		void := s.newVoidEvent(aggregateID)
		s.Require().NoError(s.store.Append(s.ctx, &void))
		another := s.newVoidEvent(aggregateID)
		s.Require().NoError(s.store.Append(s.ctx, &another))

		stream, err := s.store.ReadStream(s.ctx, aggregateID, 1)
		s.Require().NoError(err)
		s.Require().Len(stream, 2)
		s.Equal(2, stream[0].SequenceNumber)
		s.Equal(3, stream[1].SequenceNumber)
	})

	s.Run("returns an empty stream for an unknown aggregate", func() {
		stream, err := s.store.ReadStream(s.ctx, domain.NewAuthRequestID(), 0)
		s.Require().NoError(err)
		s.Empty(stream)
	})
}
