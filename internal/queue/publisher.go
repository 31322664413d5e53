// Package queue hands reserved webhook events to the asynchronous worker over
// SQS.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"paybridge/internal/ingest"
	"paybridge/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// EventMessage is the body of one queued event.
type EventMessage struct {
	Event      types.NormalizedEvent `json:"event"`
	EnqueuedAt time.Time             `json:"enqueued_at"`
}

// Age is how long the message waited in the queue as of now. It is zero for
// messages without an enqueue time.
func (m EventMessage) Age(now time.Time) time.Duration {
	if m.EnqueuedAt.IsZero() {
		return 0
	}
	return now.Sub(m.EnqueuedAt)
}

// Decode parses an SQS message body into an EventMessage.
func Decode(body string) (EventMessage, error) {
	var msg EventMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return EventMessage{}, fmt.Errorf("queue: decode event message: %w", err)
	}
	if msg.Event.SourceEventID == "" {
		return EventMessage{}, fmt.Errorf("queue: event message has no source event id")
	}
	return msg, nil
}

// EventPublisher implements ingest.Handoff on an SQS queue. FIFO queues
// (URL ending in ".fifo") are grouped and deduplicated by event id.
type EventPublisher struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
	now      func() time.Time
}

var _ ingest.Handoff = (*EventPublisher)(nil)

// NewEventPublisher creates an EventPublisher for queueURL.
func NewEventPublisher(client SQSSender, queueURL string, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
		now:      time.Now,
	}
}

// Publish enqueues ev for the worker.
func (p *EventPublisher) Publish(ctx context.Context, ev types.NormalizedEvent) error {
	body, err := json.Marshal(EventMessage{Event: ev, EnqueuedAt: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("queue: failed to marshal EventMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.SourceEventID),
			},
			"domain_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(ev.DomainType)),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(ev.SourceEventID)
		input.MessageDeduplicationId = aws.String(ev.SourceEventID)
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("queue: failed to send event %s to %s: %w", ev.SourceEventID, p.queueURL, err)
	}

	messageID := ""
	if out != nil {
		messageID = aws.ToString(out.MessageId)
	}
	p.logger.InfoContext(ctx, "event enqueued",
		"queue_url", p.queueURL,
		"event_id", ev.SourceEventID,
		"domain_type", string(ev.DomainType),
		"message_id", messageID,
	)
	return nil
}
