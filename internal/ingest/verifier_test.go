package ingest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"paybridge/internal/types"
)

func TestVerifier_AcceptsValidSignature(t *testing.T) {
	body := checkoutPaymentEvent("evt_valid", "u1", 500, "usd")

	raw, err := newTestVerifier().Verify(sign(body, testNow.Add(-time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, "evt_valid", raw.ID)
	assert.Equal(t, "checkout.session.completed", raw.Type)
	assert.Equal(t, testNow.Unix(), raw.Created.Unix())
	assert.Equal(t, "2025-03-31.basil", raw.APIVersion)
	assert.JSONEq(t, `"payment"`, extractField(t, raw.Object, "mode"))
	assert.Equal(t, body, raw.Payload)
}

func TestVerifier_Failures(t *testing.T) {
	valid := checkoutPaymentEvent("evt_1", "u1", 500, "usd")

	tests := []struct {
		name     string
		envelope func() Envelope
		wantErr  error
		wantCode types.ErrorCode
	}{
		{
			name:     "missing header",
			envelope: func() Envelope { return Envelope{Body: valid, ReceivedAt: testNow} },
			wantErr:  ErrInvalidSignature,
			wantCode: types.ErrCodeWebhookInvalidSignature,
		},
		{
			name: "garbage header",
			envelope: func() Envelope {
				return Envelope{Body: valid, Signature: "not-a-signature", ReceivedAt: testNow}
			},
			wantErr:  ErrInvalidSignature,
			wantCode: types.ErrCodeWebhookInvalidSignature,
		},
		{
			name: "wrong secret",
			envelope: func() Envelope {
				signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
					Payload:   valid,
					Secret:    "whsec_someone_else",
					Timestamp: testNow,
				})
				return Envelope{Body: valid, Signature: signed.Header, ReceivedAt: testNow}
			},
			wantErr:  ErrInvalidSignature,
			wantCode: types.ErrCodeWebhookInvalidSignature,
		},
		{
			name:     "stale timestamp",
			envelope: func() Envelope { return sign(valid, testNow.Add(-6*time.Minute)) },
			wantErr:  ErrStaleTimestamp,
			wantCode: types.ErrCodeWebhookStaleTimestamp,
		},
		{
			name:     "not json",
			envelope: func() Envelope { return sign([]byte("hello"), testNow) },
			wantErr:  ErrMalformedPayload,
			wantCode: types.ErrCodeWebhookMalformedPayload,
		},
		{
			name:     "missing id",
			envelope: func() Envelope { return sign(buildEvent("invoice.paid", "", map[string]any{}), testNow) },
			wantErr:  ErrMalformedPayload,
			wantCode: types.ErrCodeWebhookMalformedPayload,
		},
		{
			name: "missing data object",
			envelope: func() Envelope {
				return sign([]byte(`{"id":"evt_1","object":"event","type":"invoice.paid","data":{}}`), testNow)
			},
			wantErr:  ErrMalformedPayload,
			wantCode: types.ErrCodeWebhookMalformedPayload,
		},
		{
			name: "not an event object",
			envelope: func() Envelope {
				return sign([]byte(`{"id":"cus_1","object":"customer","type":"x","data":{"object":{}}}`), testNow)
			},
			wantErr:  ErrMalformedPayload,
			wantCode: types.ErrCodeWebhookMalformedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := newTestVerifier().Verify(tt.envelope())
			require.Error(t, err)
			assert.Nil(t, raw)
			assert.ErrorIs(t, err, tt.wantErr)

			var appErr *types.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.wantCode, appErr.Code)
			assert.Equal(t, 400, appErr.HTTPStatus())
		})
	}
}

func TestVerifier_ToleranceBoundary(t *testing.T) {
	body := checkoutPaymentEvent("evt_edge", "u1", 500, "usd")
	v := newTestVerifier()

	_, err := v.Verify(sign(body, testNow.Add(-5*time.Minute)))
	assert.NoError(t, err, "exactly at the tolerance is accepted")

	_, err = v.Verify(sign(body, testNow.Add(-5*time.Minute-time.Second)))
	assert.ErrorIs(t, err, ErrStaleTimestamp)
}

func TestVerifier_UsesClockWhenReceivedAtUnset(t *testing.T) {
	body := checkoutPaymentEvent("evt_clock", "u1", 500, "usd")
	env := sign(body, testNow.Add(-time.Hour))
	env.ReceivedAt = time.Time{}

	v := NewVerifier(VerifierConfig{
		Secret:    types.SecretString(testSecret),
		Tolerance: 5 * time.Minute,
		Now:       func() time.Time { return testNow.Add(-time.Hour) },
	})
	_, err := v.Verify(env)
	assert.NoError(t, err)
}

func TestVerifier_AnyMatchingSignature(t *testing.T) {
	body := checkoutPaymentEvent("evt_rotated", "u1", 500, "usd")
	good := hex.EncodeToString(webhook.ComputeSignature(testNow, body, testSecret))
	header := fmt.Sprintf("t=%d,v1=%s,v1=%s", testNow.Unix(), "deadbeef", good)

	_, err := newTestVerifier().Verify(Envelope{Body: body, Signature: header, ReceivedAt: testNow})
	assert.NoError(t, err)
}

// Any single-byte mutation of a signed body must be rejected.
func TestVerifier_MutationProperty(t *testing.T) {
	faker := gofakeit.New(7)
	v := newTestVerifier()

	for i := 0; i < 200; i++ {
		body := buildEvent(faker.RandomString([]string{
			"checkout.session.completed", "invoice.paid", "customer.subscription.updated", faker.Word(),
		}), "evt_"+faker.UUID(), map[string]any{
			"id":       faker.UUID(),
			"note":     faker.Sentence(8),
			"amount":   faker.Number(1, 1_000_000),
			"metadata": map[string]string{faker.Word(): faker.Word()},
		})
		env := sign(body, testNow.Add(-time.Duration(faker.Number(0, 299))*time.Second))

		_, err := v.Verify(env)
		require.NoError(t, err, "iteration %d", i)

		mutated := append([]byte(nil), body...)
		pos := faker.Number(0, len(mutated)-1)
		mutated[pos] ^= byte(faker.Number(1, 255))

		_, err = v.Verify(Envelope{Body: mutated, Signature: env.Signature, ReceivedAt: env.ReceivedAt})
		require.ErrorIs(t, err, ErrInvalidSignature, "iteration %d, byte %d", i, pos)
	}
}

func TestDecodeVerified(t *testing.T) {
	body := subscriptionEvent("customer.subscription.deleted", "evt_replay", "sub_1", "canceled")

	raw, err := DecodeVerified(body)
	require.NoError(t, err)
	assert.Equal(t, "evt_replay", raw.ID)

	_, err = DecodeVerified([]byte("{"))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func extractField(t *testing.T, obj []byte, field string) string {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(obj, &m))
	b, err := json.Marshal(m[field])
	require.NoError(t, err)
	return string(b)
}
