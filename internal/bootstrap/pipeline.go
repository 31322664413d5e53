package bootstrap

import (
	"log/slog"

	"paybridge/internal/config"
	"paybridge/internal/ingest"
)

// PipelineOptions are the per-process parts of a pipeline.
type PipelineOptions struct {
	Periods  ingest.PeriodLookup
	Handoff  ingest.Handoff
	Recorder ingest.Recorder
	Logger   *slog.Logger
}

// NewPipeline assembles the ingestion pipeline on b. A nil Handoff gives
// synchronous dispatch.
func NewPipeline(cfg *config.Config, b *Backends, opts PipelineOptions) (*ingest.Pipeline, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	verifier := ingest.NewVerifier(ingest.VerifierConfig{
		Secret:    cfg.Stripe.WebhookSecret,
		Tolerance: cfg.Stripe.SignatureTolerance,
	})
	normalizer := ingest.NewNormalizer(ingest.NormalizerConfig{
		Periods:           opts.Periods,
		EnrichmentTimeout: cfg.Webhook.EnrichmentTimeout,
		Recorder:          opts.Recorder,
		Logger:            logger.With("component", "normalizer"),
	})
	dispatcher := ingest.NewDispatcher(b.Collaborators, logger.With("component", "dispatcher"))

	return ingest.NewPipeline(ingest.PipelineDeps{
		Verifier:   verifier,
		Normalizer: normalizer,
		Ledger:     b.Ledger,
		Dispatcher: dispatcher,
		Handoff:    opts.Handoff,
		Archive:    b.PayloadArchive(),
		Recorder:   opts.Recorder,
		Logger:     logger.With("component", "pipeline"),
		Timeout:    cfg.Webhook.ProcessTimeout,
	})
}
