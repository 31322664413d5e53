// Package ingest turns verified Stripe webhook deliveries into at most one
// collaborator call per event.
//
// The flow for one delivery is:
//
//	Envelope -> Verifier -> RawEvent -> Normalizer -> Ledger.Reserve
//	         -> Dispatcher -> Ledger.Commit/Release                    (sync)
//	         -> Ledger.HandOff -> Handoff                               (async)
//
// In async mode the worker calls Complete, which claims the handed-off
// record, dispatches and commits. A failed dispatch hands the record back so
// the queue redelivers it.
//
// Only verification failures are returned to the caller. Everything after
// verification is absorbed into a Result so the transport can acknowledge the
// delivery.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paybridge/internal/ledger"
	"paybridge/internal/types"
)

// Handoff carries a handed-off event to an asynchronous worker. The worker
// calls Pipeline.Complete.
type Handoff interface {
	Publish(ctx context.Context, ev types.NormalizedEvent) error
}

// PayloadArchive stores verified raw payloads for replay.
type PayloadArchive interface {
	ArchivePayload(ctx context.Context, eventID, eventType string, payload []byte) error
}

// Disposition describes what Ingest did with a verified delivery.
type Disposition string

const (
	DispositionDispatched Disposition = "dispatched"
	DispositionHandedOff  Disposition = "handed_off"
	DispositionDuplicate  Disposition = "duplicate"
	DispositionIgnored    Disposition = "ignored"
	DispositionFailed     Disposition = "failed"
)

// Result summarizes one Ingest call past verification.
type Result struct {
	EventID     string           `json:"event_id"`
	EventType   string           `json:"event_type"`
	DomainType  types.DomainType `json:"domain_type"`
	Disposition Disposition      `json:"disposition"`
	Outcome     Outcome          `json:"outcome"`
}

// ErrLedgerUnavailable is returned by Ingest when the idempotency check itself
// could not run. No collaborator was called, so the delivery is safe to retry.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

// ErrRedeliver is returned by Complete when the event was handed back to the
// queue and the message must be retried.
var ErrRedeliver = errors.New("event handed back for redelivery")

// PipelineDeps are the collaborators of a Pipeline. Handoff, Archive and
// Recorder are optional.
type PipelineDeps struct {
	Verifier   *Verifier
	Normalizer *Normalizer
	Ledger     ledger.Ledger
	Dispatcher *Dispatcher
	Handoff    Handoff
	Archive    PayloadArchive
	Recorder   Recorder
	Logger     *slog.Logger
	// Timeout bounds a whole Ingest call. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Pipeline runs webhook deliveries through verification, normalization,
// deduplication and dispatch.
type Pipeline struct {
	verifier   *Verifier
	normalizer *Normalizer
	ledger     ledger.Ledger
	dispatcher *Dispatcher
	handoff    Handoff
	archive    PayloadArchive
	recorder   Recorder
	logger     *slog.Logger
	timeout    time.Duration
}

// NewPipeline validates deps and builds a Pipeline.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	switch {
	case deps.Verifier == nil:
		return nil, errors.New("ingest: verifier is required")
	case deps.Normalizer == nil:
		return nil, errors.New("ingest: normalizer is required")
	case deps.Ledger == nil:
		return nil, errors.New("ingest: ledger is required")
	case deps.Dispatcher == nil && deps.Handoff == nil:
		return nil, errors.New("ingest: dispatcher or handoff is required")
	}
	if deps.Recorder == nil {
		deps.Recorder = NopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{
		verifier:   deps.Verifier,
		normalizer: deps.Normalizer,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		handoff:    deps.Handoff,
		archive:    deps.Archive,
		recorder:   deps.Recorder,
		logger:     deps.Logger,
		timeout:    deps.Timeout,
	}, nil
}

// Ingest processes one delivery. It returns an error only when the envelope
// fails verification (a *types.AppError wrapping ErrInvalidSignature,
// ErrStaleTimestamp or ErrMalformedPayload) or when the ledger is
// unreachable (ErrLedgerUnavailable).
func (p *Pipeline) Ingest(ctx context.Context, env Envelope) (Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	// Step 1: Verify
	start := time.Now()
	raw, err := p.verifier.Verify(env)
	p.recorder.RecordStageDuration(StageVerify, time.Since(start))
	if err != nil {
		p.recorder.RecordVerification(verificationResult(err))
		return Result{}, err
	}
	p.recorder.RecordVerification(VerificationOK)

	ctx = types.WithEventID(ctx, raw.ID)
	log := p.logger.With("event_id", raw.ID, "event_type", raw.Type)

	// Step 2: Normalize
	start = time.Now()
	ev := p.normalizer.Normalize(ctx, raw)
	p.recorder.RecordStageDuration(StageNormalize, time.Since(start))

	result := Result{EventID: raw.ID, EventType: raw.Type, DomainType: ev.DomainType}
	log = log.With("domain_type", ev.DomainType)

	if !ev.DomainType.Recognized() {
		result.Disposition = DispositionIgnored
		result.Outcome = Ignored(fmt.Sprintf("unrecognized event type %q", raw.Type))
		p.recorder.RecordOutcome(ev.DomainType, OutcomeIgnored)
		log.Debug("ignoring unrecognized event")
		return result, nil
	}

	if p.archive != nil {
		if err := p.archive.ArchivePayload(ctx, raw.ID, raw.Type, raw.Payload); err != nil {
			log.Warn("failed to archive webhook payload", "error", err)
		}
	}

	// Step 3: Reserve
	start = time.Now()
	reservation, err := p.ledger.Reserve(ctx, raw.ID)
	p.recorder.RecordStageDuration(StageReserve, time.Since(start))
	if err != nil {
		log.Error("idempotency reservation failed", "error", err)
		return result, types.NewAppError(types.ErrCodeInternalLedger, "idempotency ledger unavailable",
			fmt.Errorf("%w: %v", ErrLedgerUnavailable, err))
	}
	if reservation.Result == ledger.Duplicate {
		result.Disposition = DispositionDuplicate
		result.Outcome = Ignored("duplicate delivery")
		p.recorder.RecordDuplicate(ev.DomainType)
		log.Info("duplicate delivery skipped")
		return result, nil
	}

	// Step 4: Hand off or dispatch inline
	if p.handoff != nil {
		return p.handOff(ctx, log, ev, reservation.Token, result)
	}

	outcome, _ := p.settle(ctx, log, ev, reservation.Token)
	result.Outcome = outcome
	switch outcome.Kind {
	case OutcomeHandled:
		result.Disposition = DispositionDispatched
	case OutcomeIgnored:
		result.Disposition = DispositionIgnored
	default:
		result.Disposition = DispositionFailed
	}
	return result, nil
}

// handOff marks the reservation handed off before publishing, so neither a
// redelivery nor an expired lease can start a second hand-off.
func (p *Pipeline) handOff(ctx context.Context, log *slog.Logger, ev types.NormalizedEvent, token string, result Result) (Result, error) {
	ledgerCtx := context.WithoutCancel(ctx)

	if err := p.ledger.HandOff(ledgerCtx, ev.SourceEventID, token); err != nil {
		if errors.Is(err, ledger.ErrLeaseLost) {
			log.Warn("reservation taken over before hand-off")
			result.Disposition = DispositionDuplicate
			result.Outcome = Ignored("reservation taken over")
			p.recorder.RecordDuplicate(ev.DomainType)
			return result, nil
		}
		log.Error("failed to mark reservation handed off", "error", err)
		p.release(ledgerCtx, log, ev.SourceEventID, token)
		return result, types.NewAppError(types.ErrCodeInternalLedger, "idempotency ledger unavailable",
			fmt.Errorf("%w: %v", ErrLedgerUnavailable, err))
	}

	start := time.Now()
	err := p.handoff.Publish(ctx, ev)
	p.recorder.RecordStageDuration(StageHandoff, time.Since(start))
	if err == nil {
		result.Disposition = DispositionHandedOff
		log.Info("event handed off")
		return result, nil
	}

	log.Error("handoff failed, releasing reservation", "error", err)
	p.release(ledgerCtx, log, ev.SourceEventID, token)
	result.Disposition = DispositionFailed
	result.Outcome = Failed(fmt.Sprintf("handoff: %v", err))
	p.recorder.RecordOutcome(ev.DomainType, OutcomeFailed)
	return result, nil
}

func (p *Pipeline) release(ctx context.Context, log *slog.Logger, key, token string) {
	if err := p.ledger.Release(ctx, key, token); err != nil {
		log.Error("failed to release reservation", "error", err)
	}
}

// Complete is the worker side of a hand-off. It claims the handed-off record,
// dispatches and commits. A committed or absent record is acknowledged
// without dispatch. A record claimed by another worker returns ErrRedeliver
// so this copy is retried until the holder finishes or its lease passes. A
// Failed dispatch hands the record back and also returns ErrRedeliver; a
// failed claim returns ErrLedgerUnavailable. A commit failure after a
// successful dispatch is logged and acknowledged: the record stays
// processing, which still blocks every redelivery.
func (p *Pipeline) Complete(ctx context.Context, ev types.NormalizedEvent) (Outcome, error) {
	log := p.logger.With("event_id", ev.SourceEventID, "domain_type", ev.DomainType)
	if p.dispatcher == nil {
		return Failed("no dispatcher configured"), errors.New("ingest: no dispatcher configured")
	}

	claim, err := p.ledger.Claim(ctx, ev.SourceEventID)
	if err != nil {
		log.Error("failed to claim event", "error", err)
		return Failed("ledger unavailable"), fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if !claim.Claimed() {
		switch claim.State {
		case ledger.StateCommitted:
			log.Info("event already committed, skipping dispatch")
			p.recorder.RecordDuplicate(ev.DomainType)
			return Ignored("already committed"), nil
		case "":
			log.Warn("no reservation for queued event, skipping dispatch")
			return Ignored("no reservation"), nil
		default:
			log.Info("event held by another worker", "state", claim.State)
			return Ignored("claimed by another worker"), ErrRedeliver
		}
	}

	outcome := p.dispatch(ctx, ev)
	ledgerCtx := context.WithoutCancel(ctx)

	if outcome.Kind == OutcomeFailed {
		log.Error("dispatch failed, handing event back to the queue", "reason", outcome.Reason)
		if err := p.ledger.HandOff(ledgerCtx, ev.SourceEventID, claim.Token); err != nil {
			log.Error("failed to hand event back", "error", err)
			return outcome, fmt.Errorf("hand back %s: %w", ev.SourceEventID, err)
		}
		return outcome, ErrRedeliver
	}

	_ = p.commit(ledgerCtx, log, ev, claim.Token, outcome)
	return outcome, nil
}

// settle dispatches an event reserved inline and commits (Handled, Ignored)
// or releases (Failed) the reservation. The returned error reports a ledger
// failure only.
func (p *Pipeline) settle(ctx context.Context, log *slog.Logger, ev types.NormalizedEvent, token string) (Outcome, error) {
	if p.dispatcher == nil {
		return Failed("no dispatcher configured"), errors.New("ingest: no dispatcher configured")
	}
	outcome := p.dispatch(ctx, ev)

	// The ledger write must land even when the request context expired
	// during dispatch.
	ledgerCtx := context.WithoutCancel(ctx)

	if outcome.Kind == OutcomeFailed {
		log.Error("dispatch failed, releasing reservation", "reason", outcome.Reason)
		if err := p.ledger.Release(ledgerCtx, ev.SourceEventID, token); err != nil {
			log.Error("failed to release reservation", "error", err)
			return outcome, fmt.Errorf("release %s: %w", ev.SourceEventID, err)
		}
		return outcome, nil
	}

	return outcome, p.commit(ledgerCtx, log, ev, token, outcome)
}

func (p *Pipeline) dispatch(ctx context.Context, ev types.NormalizedEvent) Outcome {
	start := time.Now()
	outcome := p.dispatcher.Dispatch(ctx, ev)
	p.recorder.RecordStageDuration(StageDispatch, time.Since(start))
	p.recorder.RecordOutcome(ev.DomainType, outcome.Kind)
	return outcome
}

func (p *Pipeline) commit(ctx context.Context, log *slog.Logger, ev types.NormalizedEvent, token string, outcome Outcome) error {
	if err := p.ledger.Commit(ctx, ev.SourceEventID, token, outcome.Token()); err != nil {
		log.Error("failed to commit ledger record", "outcome", outcome.Kind, "error", err)
		return fmt.Errorf("commit %s: %w", ev.SourceEventID, err)
	}
	log.Info("event processed", "outcome", outcome.Kind, "reason", outcome.Reason)
	return nil
}

// Replay runs an archived payload through normalization, deduplication and
// dispatch without signature verification. Operators use it after releasing
// a record.
func (p *Pipeline) Replay(ctx context.Context, payload []byte) (Result, error) {
	raw, err := DecodeVerified(payload)
	if err != nil {
		return Result{}, err
	}
	ev := p.normalizer.Normalize(ctx, raw)
	result := Result{EventID: raw.ID, EventType: raw.Type, DomainType: ev.DomainType}

	reservation, err := p.ledger.Reserve(ctx, raw.ID)
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if reservation.Result == ledger.Duplicate {
		result.Disposition = DispositionDuplicate
		result.Outcome = Ignored("duplicate delivery")
		return result, nil
	}

	log := p.logger.With("event_id", raw.ID, "domain_type", ev.DomainType)
	outcome, err := p.settle(ctx, log, ev, reservation.Token)
	result.Outcome = outcome
	result.Disposition = DispositionDispatched
	if outcome.Kind != OutcomeHandled {
		result.Disposition = Disposition(outcome.Kind)
	}
	return result, err
}

func verificationResult(err error) string {
	switch {
	case errors.Is(err, ErrStaleTimestamp):
		return VerificationStaleTimestamp
	case errors.Is(err, ErrMalformedPayload):
		return VerificationMalformedPayload
	default:
		return VerificationInvalidSignature
	}
}
