package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"paybridge/internal/types"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

const testSecret = "whsec_test_secret_for_unit_tests"

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func buildEvent(eventType, eventID string, object any) []byte {
	objBytes, _ := json.Marshal(object)
	event := map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"created":     testNow.Unix(),
		"livemode":    false,
		"api_version": "2025-03-31.basil",
		"data": map[string]any{
			"object": json.RawMessage(objBytes),
		},
	}
	b, _ := json.Marshal(event)
	return b
}

func checkoutPaymentEvent(eventID, userID string, amountTotal int64, currency string) []byte {
	return buildEvent("checkout.session.completed", eventID, map[string]any{
		"id":                  "cs_test_" + eventID,
		"object":              "checkout.session",
		"mode":                "payment",
		"payment_status":      "paid",
		"client_reference_id": userID,
		"amount_total":        amountTotal,
		"currency":            currency,
		"metadata":            map[string]string{},
		"payment_intent":      "pi_123",
	})
}

func checkoutSubscriptionEvent(eventID, userID, subscriptionID, planID string) []byte {
	return buildEvent("checkout.session.completed", eventID, map[string]any{
		"id":                  "cs_test_" + eventID,
		"object":              "checkout.session",
		"mode":                "subscription",
		"payment_status":      "paid",
		"client_reference_id": userID,
		"amount_total":        1500,
		"currency":            "usd",
		"metadata":            map[string]string{"plan_id": planID},
		"subscription":        subscriptionID,
	})
}

func invoicePaidEvent(eventID, subscriptionID string, withLines bool) []byte {
	obj := map[string]any{
		"id":             "in_" + eventID,
		"object":         "invoice",
		"billing_reason": "subscription_cycle",
		"amount_paid":    1500,
		"currency":       "usd",
		"parent": map[string]any{
			"subscription_details": map[string]any{
				"subscription": subscriptionID,
				"metadata":     map[string]string{"user_id": "u1", "plan_id": "pro"},
			},
		},
		"lines": map[string]any{"data": []any{}},
	}
	if withLines {
		obj["lines"] = map[string]any{"data": []any{
			map[string]any{"period": map[string]any{
				"start": testNow.Unix(),
				"end":   testNow.AddDate(0, 1, 0).Unix(),
			}},
		}}
	}
	return buildEvent("invoice.paid", eventID, obj)
}

func subscriptionEvent(eventType, eventID, subscriptionID, status string) []byte {
	return buildEvent(eventType, eventID, map[string]any{
		"id":                   subscriptionID,
		"object":               "subscription",
		"status":               status,
		"cancel_at_period_end": true,
		"metadata":             map[string]string{"user_id": "u1"},
		"items": map[string]any{"data": []any{
			map[string]any{
				"price":                map[string]any{"id": "price_pro"},
				"current_period_start": testNow.Unix(),
				"current_period_end":   testNow.AddDate(0, 1, 0).Unix(),
			},
		}},
	})
}

// sign returns an envelope signed at signedAt and received at testNow.
func sign(body []byte, signedAt time.Time) Envelope {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testSecret,
		Timestamp: signedAt,
	})
	return Envelope{Body: body, Signature: signed.Header, ReceivedAt: testNow}
}

func newTestVerifier() *Verifier {
	return NewVerifier(VerifierConfig{
		Secret:    types.SecretString(testSecret),
		Tolerance: 5 * time.Minute,
		Now:       func() time.Time { return testNow },
	})
}

func mustRaw(t *testing.T, body []byte) *RawEvent {
	t.Helper()
	raw, err := newTestVerifier().Verify(sign(body, testNow))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	return raw
}

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

// recordingCollaborators implements Collaborators and records every call.
type recordingCollaborators struct {
	mu            sync.Mutex
	purchases     []Purchase
	activations   []Activation
	updates       []SubscriptionUpdate
	deactivations []Deactivation
	err           error
	panicWith     any
	delay         time.Duration
}

func (r *recordingCollaborators) before() error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.panicWith != nil {
		panic(r.panicWith)
	}
	return r.err
}

func (r *recordingCollaborators) ProcessPurchase(_ context.Context, p Purchase) error {
	if err := r.before(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purchases = append(r.purchases, p)
	return nil
}

func (r *recordingCollaborators) ActivateSubscription(_ context.Context, a Activation) error {
	if err := r.before(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activations = append(r.activations, a)
	return nil
}

func (r *recordingCollaborators) UpdateSubscription(_ context.Context, u SubscriptionUpdate) error {
	if err := r.before(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *recordingCollaborators) DeactivateSubscription(_ context.Context, d Deactivation) error {
	if err := r.before(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivations = append(r.deactivations, d)
	return nil
}

func (r *recordingCollaborators) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.purchases) + len(r.activations) + len(r.updates) + len(r.deactivations)
}

// fakePeriods implements PeriodLookup.
type fakePeriods struct {
	period types.SubscriptionPeriod
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (f *fakePeriods) GetSubscriptionPeriod(ctx context.Context, _ string) (types.SubscriptionPeriod, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return types.SubscriptionPeriod{}, ctx.Err()
		}
	}
	return f.period, f.err
}

// countingRecorder implements Recorder.
type countingRecorder struct {
	NopRecorder
	mu                 sync.Mutex
	verifications      map[string]int
	duplicates         int
	enrichmentFailures int
	outcomes           map[OutcomeKind]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		verifications: make(map[string]int),
		outcomes:      make(map[OutcomeKind]int),
	}
}

func (c *countingRecorder) RecordVerification(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifications[result]++
}

func (c *countingRecorder) RecordOutcome(_ types.DomainType, outcome OutcomeKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome]++
}

func (c *countingRecorder) RecordDuplicate(types.DomainType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duplicates++
}

func (c *countingRecorder) RecordEnrichmentFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enrichmentFailures++
}

// fakeHandoff implements Handoff.
type fakeHandoff struct {
	mu        sync.Mutex
	published []types.NormalizedEvent
	err       error
}

func (f *fakeHandoff) Publish(_ context.Context, ev types.NormalizedEvent) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, ev)
	return nil
}

var errCollaborator = errors.New("collaborator unavailable")
