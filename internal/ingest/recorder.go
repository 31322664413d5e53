package ingest

import (
	"time"

	"paybridge/internal/types"
)

// Verification results passed to Recorder.RecordVerification.
const (
	VerificationOK               = "ok"
	VerificationMissingSignature = "missing_signature"
	VerificationInvalidSignature = "invalid_signature"
	VerificationStaleTimestamp   = "stale_timestamp"
	VerificationMalformedPayload = "malformed_payload"
)

// Pipeline stages passed to Recorder.RecordStageDuration.
const (
	StageVerify    = "verify"
	StageNormalize = "normalize"
	StageReserve   = "reserve"
	StageDispatch  = "dispatch"
	StageHandoff   = "handoff"
)

// Recorder receives pipeline telemetry. Implementations must be safe for
// concurrent use and must not block.
type Recorder interface {
	RecordVerification(result string)
	RecordOutcome(domainType types.DomainType, outcome OutcomeKind)
	RecordDuplicate(domainType types.DomainType)
	RecordEnrichmentFailure()
	RecordStageDuration(stage string, d time.Duration)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordVerification(string) {}
func (NopRecorder) RecordOutcome(types.DomainType, OutcomeKind) {}
func (NopRecorder) RecordDuplicate(types.DomainType) {}
func (NopRecorder) RecordEnrichmentFailure() {}
func (NopRecorder) RecordStageDuration(string, time.Duration) {}
