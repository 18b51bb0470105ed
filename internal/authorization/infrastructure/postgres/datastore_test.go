package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"argent/internal/authorization/domain"
	"argent/internal/authorization/infrastructure/postgres"
	"argent/internal/common/messages"
	"argent/internal/common/types"
)

// DataStoreSuite tests DataStore transaction behavior against a real
// Postgres instance.
//
// Justification: The whole design rests on event, projection, and outbox
// entry committing or vanishing together. Commit/rollback and panic handling
// cannot be mocked accurately.
type DataStoreSuite struct {
	suite.Suite
	ctx       context.Context
	dataStore *postgres.DataStore
}

func TestDataStoreSuite(t *testing.T) {
	suite.Run(t, new(DataStoreSuite))
}

func (s *DataStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.Require().NoError(truncateTables(s.ctx, getTestPool()))
	s.dataStore = postgres.NewDataStore(getTestPool())
}

func (s *DataStoreSuite) newCreatedEvent(id domain.AuthRequestID) domain.Event {
	ev, err := domain.NewAuthRequestCreatedEvent(
		id, domain.RestaurantID(uuid.New()), "tok_test_visa", 2500, "USD", nil, "idem-1", types.NewCorrelationID())
	s.Require().NoError(err)
	return ev
}

// createUnitOfWork appends the created event, projects it, saves the state
// row, and stages the outbox entry, all through the given repositories. This
// is the write pattern every service method follows.
func (s *DataStoreSuite) createUnitOfWork(repos domain.Repositories, ev domain.Event) error {
	if err := repos.Events().Append(s.ctx, &ev); err != nil {
		return err
	}
	state, err := domain.Project(nil, ev)
	if err != nil {
		return err
	}
	if err := repos.States().Save(s.ctx, state); err != nil {
		return err
	}
	return repos.Outbox().Enqueue(s.ctx, &domain.OutboxEntry{
		AggregateID: ev.AggregateID,
		MessageType: messages.TypeAuthRequestQueued,
		Payload:     []byte(`{}`),
	})
}

func (s *DataStoreSuite) TestTransactionBehavior() {
	s.Run("successful callback commits event, state, and outbox together", func() {
		id := domain.NewAuthRequestID()
		ev := s.newCreatedEvent(id)

		err := s.dataStore.Atomic(s.ctx, func(repos domain.Repositories) error {
			return s.createUnitOfWork(repos, ev)
		})
		s.Require().NoError(err)

		stream, err := s.dataStore.Events().ReadStream(s.ctx, id, 0)
		s.Require().NoError(err)
		s.Len(stream, 1)

		state, err := s.dataStore.States().Get(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(domain.StatusPending, state.Status)
		s.Equal(1, state.LastEventSequence)

		count, _, err := s.dataStore.Outbox().PendingStats(s.ctx)
		s.Require().NoError(err)
		s.Equal(1, count)
	})

	s.Run("error in callback rolls back all writes", func() {
		id := domain.NewAuthRequestID()
		ev := s.newCreatedEvent(id)
		testErr := errors.New("simulated failure")

		err := s.dataStore.Atomic(s.ctx, func(repos domain.Repositories) error {
			if err := s.createUnitOfWork(repos, ev); err != nil {
				return err
			}
			return testErr
		})
		s.ErrorIs(err, testErr)

		stream, err := s.dataStore.Events().ReadStream(s.ctx, id, 0)
		s.Require().NoError(err)
		s.Empty(stream)

		_, err = s.dataStore.States().Get(s.ctx, id)
		s.ErrorIs(err, domain.ErrAuthRequestNotFound)

		count, _, err := s.dataStore.Outbox().PendingStats(s.ctx)
		s.Require().NoError(err)
		s.Zero(count)
	})

	s.Run("panic in callback rolls back and re-panics", func() {
		id := domain.NewAuthRequestID()
		ev := s.newCreatedEvent(id)

		s.Panics(func() {
			_ = s.dataStore.Atomic(s.ctx, func(repos domain.Repositories) error {
				if err := s.createUnitOfWork(repos, ev); err != nil {
					return err
				}
				panic("simulated panic")
			})
		})

		_, err := s.dataStore.States().Get(s.ctx, id)
		s.ErrorIs(err, domain.ErrAuthRequestNotFound)
	})

	s.Run("sequence numbers stay dense across transactions", func() {
		id := domain.NewAuthRequestID()
		ev := s.newCreatedEvent(id)

		err := s.dataStore.Atomic(s.ctx, func(repos domain.Repositories) error {
			if err := repos.Events().Append(s.ctx, &ev); err != nil {
				return err
			}
			void, err := domain.NewAuthVoidRequestedEvent(id, "", types.NewCorrelationID())
			if err != nil {
				return err
			}
			return repos.Events().Append(s.ctx, &void)
		})
		s.Require().NoError(err)

		// A later writer on the pool continues where the transaction left off.
		next, err := domain.NewAuthVoidRequestedEvent(id, "", types.NewCorrelationID())
		s.Require().NoError(err)
		s.Require().NoError(s.dataStore.Events().Append(s.ctx, &next))
		s.Equal(3, next.SequenceNumber)
	})
}

func (s *DataStoreSuite) TestRepositoryAccess() {
	s.Run("all repositories are accessible within a transaction", func() {
		id := domain.NewAuthRequestID()
		ev := s.newCreatedEvent(id)

		err := s.dataStore.Atomic(s.ctx, func(repos domain.Repositories) error {
			s.NotNil(repos.Events())
			s.NotNil(repos.States())
			s.NotNil(repos.Outbox())
			s.NotNil(repos.Idempotency())
			s.NotNil(repos.Locks())
			s.NotNil(repos.RestaurantConfigs())

			return repos.Events().Append(s.ctx, &ev)
		})
		s.Require().NoError(err)
	})
}
