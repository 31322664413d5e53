package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"paybridge/internal/core"
	"paybridge/internal/ingest"
	"paybridge/internal/types"
)

// CloudWatch metric names and dimensions.
const (
	MetricVerification      = "WebhookVerification"
	MetricOutcome           = "WebhookOutcome"
	MetricDuplicate         = "WebhookDuplicate"
	MetricEnrichmentFailure = "EnrichmentFailure"
	MetricStageLatency      = "PipelineStageLatency"
	MetricRequest           = "HTTPRequest"
	MetricRequestLatency    = "HTTPRequestLatency"

	DimResult     = "Result"
	DimDomainType = "DomainType"
	DimOutcome    = "Outcome"
	DimStage      = "Stage"
	DimEndpoint   = "Endpoint"
	DimStatus     = "Status"
)

// cloudWatchBatchSize is the number of datums sent per PutMetricData call.
const cloudWatchBatchSize = 20

// maxBufferedDatums bounds memory when CloudWatch is unreachable. The oldest
// datums are dropped first.
const maxBufferedDatums = 2000

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch buffers datums in memory and publishes them in batches. Record
// calls never block on the network; Flush (or Run) sends the buffer.
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
	dropped int
}

var (
	_ ingest.Recorder       = (*CloudWatch)(nil)
	_ core.MetricsCollector = (*CloudWatch)(nil)
)

// NewCloudWatch creates a CloudWatch recorder publishing to namespace.
func NewCloudWatch(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatch {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatch{
		client:    client,
		namespace: namespace,
		logger:    logger,
		now:       time.Now,
	}
}

func (c *CloudWatch) RecordVerification(result string) {
	c.add(MetricVerification, 1, cwtypes.StandardUnitCount, DimResult, result)
}

func (c *CloudWatch) RecordOutcome(domainType types.DomainType, outcome ingest.OutcomeKind) {
	c.add(MetricOutcome, 1, cwtypes.StandardUnitCount,
		DimDomainType, string(domainType),
		DimOutcome, string(outcome),
	)
}

func (c *CloudWatch) RecordDuplicate(domainType types.DomainType) {
	c.add(MetricDuplicate, 1, cwtypes.StandardUnitCount, DimDomainType, string(domainType))
}

func (c *CloudWatch) RecordEnrichmentFailure() {
	c.add(MetricEnrichmentFailure, 1, cwtypes.StandardUnitCount)
}

func (c *CloudWatch) RecordStageDuration(stage string, d time.Duration) {
	c.add(MetricStageLatency, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds, DimStage, stage)
}

func (c *CloudWatch) RecordRequest(method, endpoint, status string, d time.Duration) {
	route := method + " " + endpoint
	c.add(MetricRequest, 1, cwtypes.StandardUnitCount, DimEndpoint, route, DimStatus, status)
	c.add(MetricRequestLatency, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds, DimEndpoint, route)
}

// add appends one datum. dims are name/value pairs.
func (c *CloudWatch) add(name string, value float64, unit cwtypes.StandardUnit, dims ...string) {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(c.now()),
	}
	for i := 0; i+1 < len(dims); i += 2 {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  aws.String(dims[i]),
			Value: aws.String(dims[i+1]),
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= maxBufferedDatums {
		c.pending = c.pending[1:]
		c.dropped++
	}
	c.pending = append(c.pending, datum)
}

// Flush publishes every buffered datum in batches of 20. A failed batch is
// logged and discarded.
func (c *CloudWatch) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	dropped := c.dropped
	c.pending = nil
	c.dropped = 0
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.WarnContext(ctx, "cloudwatch metrics dropped", "count", dropped)
	}

	for start := 0; start < len(batch); start += cloudWatchBatchSize {
		end := min(start+cloudWatchBatchSize, len(batch))
		input := &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: batch[start:end],
		}
		if _, err := c.client.PutMetricData(ctx, input); err != nil {
			c.logger.ErrorContext(ctx, "failed to publish cloudwatch metrics",
				"error", err.Error(),
				"datums", end-start,
			)
		}
	}
}

// Run flushes every interval until ctx is done, then flushes once more with
// a short detached deadline.
func (c *CloudWatch) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return
		}
	}
}
