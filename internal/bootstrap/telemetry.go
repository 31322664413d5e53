package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"paybridge/internal/config"
	"paybridge/internal/core"
	"paybridge/internal/ingest"
	"paybridge/internal/metrics"
)

// Recorder receives both pipeline and HTTP metrics.
type Recorder interface {
	ingest.Recorder
	core.MetricsCollector
}

// Telemetry is the metrics backend selected by METRICS_BACKEND.
type Telemetry struct {
	Recorder Recorder
	// Handler serves /metrics. Nil unless the backend is prometheus.
	Handler http.Handler
	// CloudWatch is set when the backend buffers datums that must be flushed.
	CloudWatch *metrics.CloudWatch
}

// NewTelemetry builds the configured metrics backend.
func NewTelemetry(ctx context.Context, cfg *config.Config) (*Telemetry, error) {
	switch cfg.Observability.MetricsBackend {
	case config.MetricsPrometheus:
		p := metrics.NewPrometheus(cfg.Observability.MetricNamespace)
		return &Telemetry{Recorder: p, Handler: p.Handler()}, nil
	case config.MetricsCloudWatch:
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		cw := metrics.NewCloudWatch(client, cfg.Observability.MetricNamespace, nil)
		return &Telemetry{Recorder: cw, CloudWatch: cw}, nil
	default:
		return &Telemetry{Recorder: metrics.Nop{}}, nil
	}
}

// LoadAWSConfig loads the default AWS configuration for the configured region.
func LoadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// NewSQSClient creates an SQS client honoring AWS_ENDPOINT_URL.
func NewSQSClient(awsCfg aws.Config, cfg *config.Config) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
}
