package sqs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"argent/internal/authorization/dispatcher"
	"argent/internal/authorization/domain"
	"argent/internal/common/messages"
)

// Publisher routes outbox entries to their queues. auth_request_queued goes
// to the FIFO queue with the restaurant as ordering group and the aggregate
// as deduplication key, so a re-published entry collapses into the original
// delivery. void_request_queued goes to the standard queue.
type Publisher struct {
	client       *awssqs.Client
	authQueueURL string
	voidQueueURL string
}

// NewPublisher wires a publisher to both queue URLs.
func NewPublisher(client *awssqs.Client, authQueueURL, voidQueueURL string) *Publisher {
	return &Publisher{
		client:       client,
		authQueueURL: authQueueURL,
		voidQueueURL: voidQueueURL,
	}
}

// Publish sends one outbox entry to the queue its message type names.
func (p *Publisher) Publish(ctx context.Context, entry *domain.OutboxEntry, groupID string) error {
	switch entry.MessageType {
	case messages.TypeAuthRequestQueued:
		_, err := p.client.SendMessage(ctx, &awssqs.SendMessageInput{
			QueueUrl:               aws.String(p.authQueueURL),
			MessageBody:            aws.String(string(entry.Payload)),
			MessageGroupId:         aws.String(groupID),
			MessageDeduplicationId: aws.String(entry.AggregateID.String()),
		})
		if err != nil {
			return fmt.Errorf("sending auth_request_queued for %s: %w", entry.AggregateID, err)
		}
		return nil

	case messages.TypeVoidRequestQueued:
		_, err := p.client.SendMessage(ctx, &awssqs.SendMessageInput{
			QueueUrl:    aws.String(p.voidQueueURL),
			MessageBody: aws.String(string(entry.Payload)),
		})
		if err != nil {
			return fmt.Errorf("sending void_request_queued for %s: %w", entry.AggregateID, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, entry.MessageType)
	}
}

var _ dispatcher.Publisher = (*Publisher)(nil)
