package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"paybridge/internal/types"
)

// Verification failures. Verify wraps them in *types.AppError so callers can
// map them to HTTP responses while still matching with errors.Is.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("stale timestamp")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Envelope is an inbound webhook delivery exactly as received.
type Envelope struct {
	Body       []byte
	Signature  string
	ReceivedAt time.Time
}

// RawEvent is a verified provider event. Only Verifier.Verify produces it.
type RawEvent struct {
	ID         string
	Type       string
	Created    time.Time
	Livemode   bool
	APIVersion string
	// Object is data.object, decoded per Type by the Normalizer.
	Object json.RawMessage
	// Payload is the verified request body, kept for archiving and replay.
	Payload []byte
}

// VerifierConfig is fixed at construction; there is no process-wide secret.
type VerifierConfig struct {
	Secret    types.SecretString
	Tolerance time.Duration
	// Now is used when an Envelope carries no ReceivedAt. Defaults to time.Now.
	Now func() time.Time
}

// Verifier checks Stripe-Signature headers and decodes the event envelope.
type Verifier struct {
	secret    types.SecretString
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier. A non-positive tolerance falls back to the
// provider default of five minutes.
func NewVerifier(cfg VerifierConfig) *Verifier {
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: cfg.Secret, tolerance: tolerance, now: now}
}

// stripeEnvelope is the subset of the Stripe event object needed before the
// type-specific decode.
type stripeEnvelope struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	Type       string `json:"type"`
	Created    int64  `json:"created"`
	Livemode   bool   `json:"livemode"`
	APIVersion string `json:"api_version"`
	Data       struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Verify authenticates env and returns the decoded event.
//
// The signature is an HMAC-SHA256 over "<timestamp>.<body>" keyed by the
// endpoint secret; any v1 entry in the header may match. A signed timestamp
// older than the tolerance, measured from env.ReceivedAt, is rejected even
// when the signature matches.
func (v *Verifier) Verify(env Envelope) (*RawEvent, error) {
	if err := webhook.ValidatePayloadIgnoringTolerance(env.Body, env.Signature, v.secret.Unmask()); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeWebhookInvalidSignature,
			"webhook signature verification failed",
			fmt.Errorf("%w: %v", ErrInvalidSignature, err),
		)
	}

	signedAt, err := signedTimestamp(env.Signature)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeWebhookInvalidSignature,
			"webhook signature verification failed",
			fmt.Errorf("%w: %v", ErrInvalidSignature, err),
		)
	}

	receivedAt := env.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = v.now()
	}
	if receivedAt.Sub(signedAt) > v.tolerance {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeWebhookStaleTimestamp,
			"webhook timestamp is outside the tolerance window",
			ErrStaleTimestamp,
			map[string]any{"signed_at": signedAt.UTC().Format(time.RFC3339)},
		)
	}

	return decodeEvent(env.Body)
}

// signedTimestamp extracts the t= element of a Stripe-Signature header.
func signedTimestamp(header string) (time.Time, error) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key != "t" {
			continue
		}
		secs, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
		}
		return time.Unix(secs, 0), nil
	}
	return time.Time{}, errors.New("signature header has no timestamp")
}

// DecodeVerified decodes a payload that was verified earlier (for example
// one loaded from the archive for replay). It applies the same structural
// checks as Verify but no signature check.
func DecodeVerified(payload []byte) (*RawEvent, error) {
	return decodeEvent(payload)
}

func decodeEvent(payload []byte) (*RawEvent, error) {
	var envelope stripeEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, malformed("event body is not valid JSON", err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return nil, malformed("event is missing id or type", nil)
	}
	if envelope.Object != "" && envelope.Object != "event" {
		return nil, malformed(fmt.Sprintf("unexpected object %q", envelope.Object), nil)
	}
	if len(envelope.Data.Object) == 0 || envelope.Data.Object[0] != '{' {
		return nil, malformed("event data.object is missing", nil)
	}

	return &RawEvent{
		ID:         envelope.ID,
		Type:       envelope.Type,
		Created:    time.Unix(envelope.Created, 0).UTC(),
		Livemode:   envelope.Livemode,
		APIVersion: envelope.APIVersion,
		Object:     envelope.Data.Object,
		Payload:    payload,
	}, nil
}

func malformed(msg string, err error) error {
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	} else {
		err = ErrMalformedPayload
	}
	return types.NewAppError(types.ErrCodeWebhookMalformedPayload, msg, err)
}
