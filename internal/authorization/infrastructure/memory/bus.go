package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"argent/internal/authorization/domain"
	"argent/internal/authorization/worker"
	"argent/internal/common/messages"
)

// Bus emulates the two bus queues for tests: a FIFO auth-requests queue with
// per-restaurant grouping and deduplication, and a standard void-requests
// queue. It satisfies the dispatcher's publisher port and, per queue, the
// worker's source port.
type Bus struct {
	AuthRequests *Queue
	VoidRequests *Queue
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		AuthRequests: newQueue(true),
		VoidRequests: newQueue(false),
	}
}

// Publish routes an outbox entry to the queue its message type names.
func (b *Bus) Publish(ctx context.Context, entry *domain.OutboxEntry, groupID string) error {
	switch entry.MessageType {
	case messages.TypeAuthRequestQueued:
		b.AuthRequests.send(entry.Payload, groupID, entry.AggregateID.String())
		return nil
	case messages.TypeVoidRequestQueued:
		b.VoidRequests.send(entry.Payload, "", "")
		return nil
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, entry.MessageType)
	}
}

// Queue is one in-memory bus queue with receive-count and visibility
// semantics. Received messages stay invisible until deleted or redelivered
// with Redeliver, which stands in for the visibility timeout.
type Queue struct {
	mu         sync.Mutex
	fifo       bool
	messages   []*queuedMessage
	dedup      map[string]bool
	nextHandle int
}

type queuedMessage struct {
	body         []byte
	groupID      string
	receiveCount int
	inFlight     bool
	handle       string
}

func newQueue(fifo bool) *Queue {
	return &Queue{fifo: fifo, dedup: make(map[string]bool)}
}

func (q *Queue) send(body []byte, groupID, dedupID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if dedupID != "" {
		if q.dedup[dedupID] {
			return
		}
		q.dedup[dedupID] = true
	}
	stored := make([]byte, len(body))
	copy(stored, body)
	q.messages = append(q.messages, &queuedMessage{body: stored, groupID: groupID})
}

// Receive returns up to max visible messages in order. On a FIFO queue a
// group with an in-flight message yields nothing until that message is
// deleted or redelivered.
func (q *Queue) Receive(ctx context.Context, max int) ([]worker.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	blocked := make(map[string]bool)
	if q.fifo {
		for _, msg := range q.messages {
			if msg.inFlight {
				blocked[msg.groupID] = true
			}
		}
	}

	var out []worker.Message
	for _, msg := range q.messages {
		if len(out) >= max {
			break
		}
		if msg.inFlight {
			continue
		}
		if q.fifo && blocked[msg.groupID] {
			continue
		}
		msg.inFlight = true
		msg.receiveCount++
		q.nextHandle++
		msg.handle = strconv.Itoa(q.nextHandle)
		if q.fifo {
			blocked[msg.groupID] = true
		}
		out = append(out, worker.Message{
			Body:          msg.body,
			ReceiveCount:  msg.receiveCount,
			ReceiptHandle: msg.handle,
		})
	}
	return out, nil
}

// Delete removes the message with the given receipt handle. Stale handles
// are ignored, matching bus semantics for already-deleted messages.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, msg := range q.messages {
		if msg.inFlight && msg.handle == receiptHandle {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

// Redeliver makes every in-flight message visible again, as if the
// visibility timeout had lapsed.
func (q *Queue) Redeliver() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, msg := range q.messages {
		msg.inFlight = false
		msg.handle = ""
	}
}

// Visible counts messages currently available to Receive.
func (q *Queue) Visible() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, msg := range q.messages {
		if !msg.inFlight {
			n++
		}
	}
	return n
}

// InFlight counts messages received but not yet deleted.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, msg := range q.messages {
		if msg.inFlight {
			n++
		}
	}
	return n
}

var _ worker.Source = (*Queue)(nil)
