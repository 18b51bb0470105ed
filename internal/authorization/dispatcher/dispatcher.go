package dispatcher

import (
	"context"
	"fmt"
	"time"

	"argent/internal/authorization/domain"
	"argent/internal/common/logging"
	"argent/internal/common/messages"
	"argent/internal/common/metrics"
)

// failureBackoff replaces the poll interval after an iteration in which
// nothing could be published, so a dead bus is not hammered at full rate.
const failureBackoff = time.Second

// Publisher forwards one outbox entry to the bus queue its message type
// names. groupID carries the restaurant the entry belongs to; FIFO queues use
// it as the ordering group.
type Publisher interface {
	Publish(ctx context.Context, entry *domain.OutboxEntry, groupID string) error
}

// Dispatcher moves outbox rows to the bus. Each iteration claims a batch of
// unprocessed rows with row-level locks, publishes them in created_at order,
// and marks the published ones, all inside one transaction. Multiple
// dispatchers can run concurrently; the skip-locked claim keeps them off each
// other's rows.
type Dispatcher struct {
	store        domain.DataStore
	publisher    Publisher
	pollInterval time.Duration
	batchSize    int
}

// New builds a dispatcher polling at the given interval.
func New(store domain.DataStore, publisher Publisher, pollInterval time.Duration, batchSize int) *Dispatcher {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Dispatcher{
		store:        store,
		publisher:    publisher,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Run dispatches until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	logging.Info("Outbox dispatcher started",
		"poll_interval", d.pollInterval.String(),
		"batch_size", d.batchSize,
	)
	for {
		wait := d.pollInterval

		published, attempted, err := d.DispatchOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				logging.Info("Outbox dispatcher stopping")
				return ctx.Err()
			}
			logging.Error("Outbox dispatch iteration failed", "error", err)
			wait = failureBackoff
		case attempted > 0 && published == 0:
			wait = failureBackoff
		}

		d.updateGauges(ctx)

		select {
		case <-ctx.Done():
			logging.Info("Outbox dispatcher stopping")
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// DispatchOnce runs a single claim-publish-mark iteration and reports how
// many entries were published out of how many were claimed. Failed entries
// stay unprocessed; entries behind a failed entry of the same restaurant are
// skipped this iteration to preserve per-restaurant ordering.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (published, attempted int, err error) {
	err = d.store.Atomic(ctx, func(repos domain.Repositories) error {
		entries, err := repos.Outbox().ClaimPending(ctx, d.batchSize)
		if err != nil {
			return fmt.Errorf("claiming outbox entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		attempted = len(entries)

		var processed []int64
		failedGroups := make(map[string]bool)
		for _, entry := range entries {
			groupID, err := groupKey(entry)
			if err != nil {
				// Unprocessable rows are left alone, never dropped. They are
				// claimed again next iteration and surface in the pending
				// gauges until someone intervenes.
				logging.ErrorContext(ctx, "Outbox entry cannot be routed",
					"outbox_id", entry.ID,
					"message_type", entry.MessageType,
					"error", err,
				)
				continue
			}
			if failedGroups[groupID] {
				continue
			}

			if err := d.publisher.Publish(ctx, entry, groupID); err != nil {
				failedGroups[groupID] = true
				metrics.OutboxPublishFailures.WithLabelValues(entry.MessageType).Inc()
				logging.ErrorContext(ctx, "Publishing outbox entry failed",
					"outbox_id", entry.ID,
					"message_type", entry.MessageType,
					"restaurant_id", groupID,
					"error", err,
				)
				continue
			}

			processed = append(processed, entry.ID)
			metrics.OutboxPublishedTotal.WithLabelValues(entry.MessageType).Inc()
		}
		published = len(processed)

		if len(processed) == 0 {
			return nil
		}
		if err := repos.Outbox().MarkProcessed(ctx, processed); err != nil {
			return fmt.Errorf("marking outbox entries processed: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, attempted, err
	}
	return published, attempted, nil
}

// groupKey extracts the restaurant grouping key from the entry payload.
func groupKey(entry *domain.OutboxEntry) (string, error) {
	switch entry.MessageType {
	case messages.TypeAuthRequestQueued:
		msg, err := messages.UnmarshalAuthRequestQueued(entry.Payload)
		if err != nil {
			return "", err
		}
		return msg.RestaurantID, nil
	case messages.TypeVoidRequestQueued:
		msg, err := messages.UnmarshalVoidRequestQueued(entry.Payload)
		if err != nil {
			return "", err
		}
		return msg.RestaurantID, nil
	default:
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, entry.MessageType)
	}
}

func (d *Dispatcher) updateGauges(ctx context.Context) {
	count, oldestAge, err := d.store.Outbox().PendingStats(ctx)
	if err != nil {
		logging.Debug("Reading outbox stats failed", "error", err)
		return
	}
	metrics.OutboxPendingRows.Set(float64(count))
	metrics.OutboxOldestUnprocessedAge.Set(oldestAge.Seconds())
}
