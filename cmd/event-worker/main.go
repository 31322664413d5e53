// Package main is the entry point for the Event Worker Lambda function.
//
// The API marks each verified event handed off in the ledger and publishes
// it to the event queue when DISPATCH_MODE=async. The worker decodes every
// message and runs Pipeline.Complete, which claims the record, dispatches it
// to the collaborators and commits.
//
// Lambda SQS integration uses partial batch responses. A message is retried
// by SQS when it cannot be decoded, when the claim fails, when another
// worker holds the event or when the dispatch failed and the record was
// handed back. Stripe has already been acknowledged, so the queue owns every
// retry; the redrive policy moves exhausted messages to the DLQ.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"paybridge/internal/bootstrap"
	"paybridge/internal/config"
	"paybridge/internal/ingest"
	"paybridge/internal/queue"
	"paybridge/internal/types"
)

// Completer is the subset of ingest.Pipeline used by the worker.
type Completer interface {
	Complete(ctx context.Context, ev types.NormalizedEvent) (ingest.Outcome, error)
}

// Flusher sends buffered metrics before the invocation returns.
type Flusher interface {
	Flush(ctx context.Context)
}

// Handler holds the dependencies for the event worker Lambda handler.
type Handler struct {
	pipeline Completer
	flusher  Flusher
	logger   *slog.Logger
}

// Handle processes an SQS batch. Each message is processed independently.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	if h.flusher != nil {
		h.flusher.Flush(ctx)
	}
	return response, nil
}

func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	msg, err := queue.Decode(record.Body)
	if err != nil {
		return err
	}

	ctx = types.WithEventID(ctx, msg.Event.SourceEventID)
	outcome, err := h.pipeline.Complete(ctx, msg.Event)
	if err != nil {
		return fmt.Errorf("complete %s: %w", msg.Event.SourceEventID, err)
	}

	h.logger.InfoContext(ctx, "event completed",
		"message_id", record.MessageId,
		"event_id", msg.Event.SourceEventID,
		"domain_type", msg.Event.DomainType,
		"outcome", outcome.Kind,
		"reason", outcome.Reason,
		"queue_delay_ms", msg.Age(time.Now()).Milliseconds(),
	)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := bootstrap.NewLogger(cfg.LogLevel).With("service", "event-worker")
	logger.Info("event worker initializing (cold start)", "version", cfg.Build.Version)

	ctx := context.Background()
	backends, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening backends: %w", err)
	}
	defer backends.Close()

	telemetry, err := bootstrap.NewTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	pipeline, err := bootstrap.NewPipeline(cfg, backends, bootstrap.PipelineOptions{
		Recorder: telemetry.Recorder,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	handler := &Handler{pipeline: pipeline, logger: logger}
	if telemetry.CloudWatch != nil {
		handler.flusher = telemetry.CloudWatch
	}

	lambda.Start(handler.Handle)
	return nil
}
