package worker

import (
	"context"
	"time"

	"argent/internal/authorization/application"
	"argent/internal/authorization/domain"
	"argent/internal/common/logging"
	"argent/internal/common/messages"
	"argent/internal/common/metrics"
	"argent/internal/common/types"
)

// receiveErrorBackoff is how long the consumer waits after a failed receive
// before polling again.
const receiveErrorBackoff = time.Second

// Message is one delivery from the bus. ReceiveCount starts at 1 and grows
// with every redelivery; the processing service uses it to cap retries.
type Message struct {
	Body          []byte
	ReceiveCount  int
	ReceiptHandle string
}

// Source is the consumer's view of a bus queue. Receive long-polls and
// returns at most max messages; messages not deleted before the visibility
// timeout are redelivered.
type Source interface {
	Receive(ctx context.Context, max int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Consumer drains the auth-requests queue, one processing attempt per
// delivery. Whether a message is deleted follows from the ProcessResult:
// terminal outcomes and idempotent skips acknowledge, retryable outcomes
// leave the message for the visibility timeout to return.
type Consumer struct {
	source     Source
	processing *application.ProcessingService
	batchSize  int
}

// NewConsumer wires a consumer to its queue and processing service.
func NewConsumer(source Source, processing *application.ProcessingService, batchSize int) *Consumer {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Consumer{
		source:     source,
		processing: processing,
		batchSize:  batchSize,
	}
}

// Run consumes until the context is canceled. An in-flight message is
// finished before the loop observes cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	logging.Info("Worker consumer started", "batch_size", c.batchSize)
	for {
		if ctx.Err() != nil {
			logging.Info("Worker consumer stopping")
			return ctx.Err()
		}

		msgs, err := c.source.Receive(ctx, c.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				logging.Info("Worker consumer stopping")
				return ctx.Err()
			}
			logging.Error("Receiving bus messages failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(receiveErrorBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg Message) {
	ctx = logging.WithCorrelationID(ctx, types.NewCorrelationID())

	queued, err := messages.UnmarshalAuthRequestQueued(msg.Body)
	if err != nil {
		// A payload that cannot be decoded can never succeed; drop it so it
		// does not block the rest of its group.
		logging.ErrorContext(ctx, "Dropping malformed bus message", "error", err)
		c.delete(ctx, msg)
		return
	}
	id, err := domain.ParseAuthRequestID(queued.AuthRequestID)
	if err != nil {
		logging.ErrorContext(ctx, "Dropping bus message with invalid auth_request_id",
			"auth_request_id", queued.AuthRequestID,
			"error", err,
		)
		c.delete(ctx, msg)
		return
	}
	ctx = logging.WithRestaurantID(ctx, queued.RestaurantID)

	result, err := c.processing.ProcessAuthRequest(ctx, id, msg.ReceiveCount)
	if err != nil {
		// No decision was recorded; leave the message so the visibility
		// timeout brings it back.
		logging.ErrorContext(ctx, "Processing attempt failed before any outcome",
			"auth_request_id", id.String(),
			"receive_count", msg.ReceiveCount,
			"error", err,
		)
		return
	}

	metrics.RecordWorkerResult(string(result))
	if acknowledges(result) {
		c.delete(ctx, msg)
	}
}

// acknowledges reports whether the result consumes the message.
func acknowledges(result application.ProcessResult) bool {
	switch result {
	case application.ResultSuccess,
		application.ResultSkippedVoidDetected,
		application.ResultSkippedAlreadyTerminal,
		application.ResultTerminalFailure:
		return true
	default:
		return false
	}
}

func (c *Consumer) delete(ctx context.Context, msg Message) {
	// Deletion must go through even when shutdown already canceled ctx,
	// otherwise a recorded outcome is redelivered for nothing.
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.source.Delete(deleteCtx, msg.ReceiptHandle); err != nil {
		logging.WarnContext(ctx, "Failed to delete bus message", "error", err)
	}
}
