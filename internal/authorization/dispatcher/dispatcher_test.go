package dispatcher_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"argent/internal/authorization/dispatcher"
	"argent/internal/authorization/domain"
	"argent/internal/authorization/infrastructure/memory"
	"argent/internal/common/messages"
)

func enqueueAuth(t *testing.T, store domain.DataStore, authID domain.AuthRequestID, restaurantID string) {
	t.Helper()
	payload, err := messages.Marshal(messages.AuthRequestQueuedMessage{
		AuthRequestID: authID.String(),
		RestaurantID:  restaurantID,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}
	err = store.Outbox().Enqueue(context.Background(), &domain.OutboxEntry{
		AggregateID: authID,
		MessageType: messages.TypeAuthRequestQueued,
		Payload:     payload,
	})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
}

func enqueueVoid(t *testing.T, store domain.DataStore, authID domain.AuthRequestID, restaurantID string) {
	t.Helper()
	payload, err := messages.Marshal(messages.VoidRequestQueuedMessage{
		AuthRequestID: authID.String(),
		RestaurantID:  restaurantID,
		Reason:        "customer cancelled",
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}
	err = store.Outbox().Enqueue(context.Background(), &domain.OutboxEntry{
		AggregateID: authID,
		MessageType: messages.TypeVoidRequestQueued,
		Payload:     payload,
	})
	if err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
}

// refusingPublisher fails every publish for the named groups and forwards the
// rest to the wrapped bus.
type refusingPublisher struct {
	bus     *memory.Bus
	refused map[string]bool
}

func (p *refusingPublisher) Publish(ctx context.Context, entry *domain.OutboxEntry, groupID string) error {
	if p.refused[groupID] {
		return errors.New("bus unavailable")
	}
	return p.bus.Publish(ctx, entry, groupID)
}

func TestDispatcher_DispatchOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes claimed entries in order and marks them processed", func(t *testing.T) {
		store := memory.NewDataStore()
		bus := memory.NewBus()
		d := dispatcher.New(store, bus, time.Millisecond, 10)

		ids := []domain.AuthRequestID{
			domain.NewAuthRequestID(),
			domain.NewAuthRequestID(),
			domain.NewAuthRequestID(),
		}
		for _, id := range ids {
			enqueueAuth(t, store, id, uuid.NewString())
		}

		published, attempted, err := d.DispatchOnce(ctx)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if published != 3 || attempted != 3 {
			t.Fatalf("expected 3/3, got %d/%d", published, attempted)
		}

		received, err := bus.AuthRequests.Receive(ctx, 10)
		if err != nil {
			t.Fatalf("failed to receive: %v", err)
		}
		if len(received) != 3 {
			t.Fatalf("expected 3 bus messages, got %d", len(received))
		}
		for i, msg := range received {
			decoded, err := messages.UnmarshalAuthRequestQueued(msg.Body)
			if err != nil {
				t.Fatalf("failed to decode bus message: %v", err)
			}
			if decoded.AuthRequestID != ids[i].String() {
				t.Errorf("message %d out of order: got %s, want %s", i, decoded.AuthRequestID, ids[i])
			}
		}

		published, attempted, err = d.DispatchOnce(ctx)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if published != 0 || attempted != 0 {
			t.Errorf("processed entries must not be claimed again, got %d/%d", published, attempted)
		}
	})

	t.Run("claims at most the batch size per iteration", func(t *testing.T) {
		store := memory.NewDataStore()
		bus := memory.NewBus()
		d := dispatcher.New(store, bus, time.Millisecond, 2)

		for range 3 {
			enqueueAuth(t, store, domain.NewAuthRequestID(), uuid.NewString())
		}

		published, attempted, err := d.DispatchOnce(ctx)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if published != 2 || attempted != 2 {
			t.Fatalf("expected 2/2, got %d/%d", published, attempted)
		}
		if published, _, _ := d.DispatchOnce(ctx); published != 1 {
			t.Errorf("expected the remaining entry on the next iteration, got %d", published)
		}
	})

	t.Run("a publish failure holds back later entries of the same restaurant", func(t *testing.T) {
		store := memory.NewDataStore()
		bus := memory.NewBus()
		publisher := &refusingPublisher{bus: bus, refused: map[string]bool{}}
		d := dispatcher.New(store, publisher, time.Millisecond, 10)

		restaurantA := uuid.NewString()
		restaurantB := uuid.NewString()
		firstA := domain.NewAuthRequestID()
		secondA := domain.NewAuthRequestID()
		enqueueAuth(t, store, firstA, restaurantA)
		enqueueAuth(t, store, secondA, restaurantA)
		enqueueAuth(t, store, domain.NewAuthRequestID(), restaurantB)

		publisher.refused[restaurantA] = true
		published, attempted, err := d.DispatchOnce(ctx)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if published != 1 || attempted != 3 {
			t.Fatalf("expected only the other restaurant to publish, got %d/%d", published, attempted)
		}

		// Recovery: both held entries go out, oldest first.
		publisher.refused = map[string]bool{}
		published, attempted, err = d.DispatchOnce(ctx)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if published != 2 || attempted != 2 {
			t.Fatalf("expected both held entries to publish, got %d/%d", published, attempted)
		}

		received, err := bus.AuthRequests.Receive(ctx, 10)
		if err != nil {
			t.Fatalf("failed to receive: %v", err)
		}
		for _, msg := range received {
			decoded, err := messages.UnmarshalAuthRequestQueued(msg.Body)
			if err != nil {
				t.Fatalf("failed to decode bus message: %v", err)
			}
			if decoded.RestaurantID == restaurantA && decoded.AuthRequestID != firstA.String() {
				t.Errorf("restaurant ordering broken: got %s first, want %s", decoded.AuthRequestID, firstA)
			}
		}
	})

	t.Run("routes void messages to the void queue", func(t *testing.T) {
		store := memory.NewDataStore()
		bus := memory.NewBus()
		d := dispatcher.New(store, bus, time.Millisecond, 10)

		restaurantID := uuid.NewString()
		enqueueAuth(t, store, domain.NewAuthRequestID(), restaurantID)
		enqueueVoid(t, store, domain.NewAuthRequestID(), restaurantID)

		published, attempted, err := d.DispatchOnce(ctx)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if published != 2 || attempted != 2 {
			t.Fatalf("expected 2/2, got %d/%d", published, attempted)
		}
		if bus.AuthRequests.Visible() != 1 {
			t.Errorf("expected 1 auth message, got %d", bus.AuthRequests.Visible())
		}
		if bus.VoidRequests.Visible() != 1 {
			t.Errorf("expected 1 void message, got %d", bus.VoidRequests.Visible())
		}
	})

	t.Run("leaves unroutable entries pending", func(t *testing.T) {
		store := memory.NewDataStore()
		d := dispatcher.New(store, memory.NewBus(), time.Millisecond, 10)

		err := store.Outbox().Enqueue(ctx, &domain.OutboxEntry{
			AggregateID: domain.NewAuthRequestID(),
			MessageType: "unknown_type",
			Payload:     []byte(`{}`),
		})
		if err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}

		published, attempted, err := d.DispatchOnce(ctx)
		if err != nil {
			t.Fatalf("unroutable entries must not fail the iteration, got %v", err)
		}
		if published != 0 || attempted != 1 {
			t.Fatalf("expected 0/1, got %d/%d", published, attempted)
		}

		count, _, err := store.Outbox().PendingStats(ctx)
		if err != nil {
			t.Fatalf("failed to read stats: %v", err)
		}
		if count != 1 {
			t.Errorf("unroutable entry must stay pending, count %d", count)
		}
	})
}

func TestDispatcher_Run(t *testing.T) {
	t.Run("stops when the context is canceled", func(t *testing.T) {
		store := memory.NewDataStore()
		d := dispatcher.New(store, memory.NewBus(), time.Millisecond, 10)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- d.Run(ctx) }()
		cancel()

		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("dispatcher did not stop")
		}
	})
}
