package sqs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"argent/internal/authorization/worker"
)

// sqsMaxBatch is the SQS ceiling on messages per receive call.
const sqsMaxBatch = 10

// Queue adapts one SQS queue to the worker's source port. Receives long-poll
// for up to the configured wait time; messages not deleted within the
// visibility timeout are redelivered with an incremented receive count.
type Queue struct {
	client            *awssqs.Client
	url               string
	waitTimeSeconds   int32
	visibilityTimeout int32
}

// NewQueue wires a queue URL with its polling parameters.
func NewQueue(client *awssqs.Client, url string, waitTime, visibilityTimeout time.Duration) *Queue {
	return &Queue{
		client:            client,
		url:               url,
		waitTimeSeconds:   int32(waitTime / time.Second),
		visibilityTimeout: int32(visibilityTimeout / time.Second),
	}
}

// Receive long-polls the queue for up to max messages.
func (q *Queue) Receive(ctx context.Context, max int) ([]worker.Message, error) {
	if max < 1 {
		max = 1
	}
	if max > sqsMaxBatch {
		max = sqsMaxBatch
	}

	out, err := q.client.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     q.waitTimeSeconds,
		VisibilityTimeout:   q.visibilityTimeout,
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receiving from %s: %w", q.url, err)
	}

	msgs := make([]worker.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, worker.Message{
			Body:          []byte(aws.ToString(m.Body)),
			ReceiveCount:  receiveCount(m),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

// Delete acknowledges one message by receipt handle.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("deleting message from %s: %w", q.url, err)
	}
	return nil
}

func receiveCount(m sqstypes.Message) int {
	raw, ok := m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

var _ worker.Source = (*Queue)(nil)
