package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"argent/internal/authorization/domain"
)

// EventStore implements domain.EventStore using PostgreSQL.
//
// Sequence numbers are assigned by the INSERT itself: a subquery computes
// MAX(sequence_number)+1 for the aggregate inside the current transaction,
// and the unique key (aggregate_id, sequence_number) rejects the loser when
// two transactions race on the same aggregate.
type EventStore struct {
	db Executor
}

// NewEventStore creates a new EventStore bound to a pool or transaction.
func NewEventStore(db Executor) *EventStore {
	return &EventStore{db: db}
}

const appendEventSQL = `
INSERT INTO payment_events (
    event_id, aggregate_id, aggregate_type, event_type,
    payload, metadata, sequence_number, occurred_at
)
VALUES (
    $1, $2, $3, $4, $5, $6,
    (SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM payment_events WHERE aggregate_id = $2),
    $7
)
RETURNING sequence_number`

// Append inserts the event with the next sequence number for its aggregate
// and sets event.SequenceNumber. Returns domain.ErrSequenceConflict when a
// concurrent appender won the sequence slot; the caller retries its whole
// unit of work.
func (s *EventStore) Append(ctx context.Context, event *domain.Event) error {
	metadata, err := marshalMetadata(event.Metadata)
	if err != nil {
		return err
	}

	err = s.db.QueryRow(ctx, appendEventSQL,
		event.EventID,
		event.AggregateID.UUID(),
		event.AggregateType,
		event.EventType,
		event.Payload,
		metadata,
		event.OccurredAt,
	).Scan(&event.SequenceNumber)
	if err != nil {
		if isUniqueViolation(err, "unique_aggregate_sequence") {
			return fmt.Errorf("%w: aggregate %s", domain.ErrSequenceConflict, event.AggregateID)
		}
		return fmt.Errorf("appending event %s: %w", event.EventType, err)
	}
	return nil
}

const readStreamSQL = `
SELECT event_id, aggregate_id, event_type, payload, metadata, sequence_number, occurred_at
FROM payment_events
WHERE aggregate_id = $1 AND sequence_number > $2
ORDER BY sequence_number`

// ReadStream returns the aggregate's events after fromSequence, ascending.
func (s *EventStore) ReadStream(ctx context.Context, aggregateID domain.AuthRequestID, fromSequence int) ([]domain.Event, error) {
	rows, err := s.db.Query(ctx, readStreamSQL, aggregateID.UUID(), fromSequence)
	if err != nil {
		return nil, fmt.Errorf("reading event stream: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev          domain.Event
			aggregateID uuid.UUID
			rawMetadata []byte
		)
		if err := rows.Scan(
			&ev.EventID,
			&aggregateID,
			&ev.EventType,
			&ev.Payload,
			&rawMetadata,
			&ev.SequenceNumber,
			&ev.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		ev.AggregateID = domain.AuthRequestID(aggregateID)
		ev.AggregateType = domain.AggregateTypeAuthRequest
		ev.Metadata, err = unmarshalMetadata(rawMetadata)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event stream: %w", err)
	}
	return events, nil
}

// Verify interface implementation.
var _ domain.EventStore = (*EventStore)(nil)
