// Package handlers contains the HTTP handlers of the paybridge API.
//
// The webhook handler is public and is called by Stripe directly; the
// signature check inside the ingest pipeline is its only authentication.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"paybridge/internal/core"
	"paybridge/internal/ingest"
	"paybridge/internal/types"
)

// maxWebhookBodySize is the largest accepted webhook payload (64 KB).
const maxWebhookBodySize = 64 * 1024

// signatureHeader carries the provider signature.
const signatureHeader = "Stripe-Signature"

// Ingester is the subset of ingest.Pipeline used by the webhook handler.
type Ingester interface {
	Ingest(ctx context.Context, env ingest.Envelope) (ingest.Result, error)
}

// WebhookHandler accepts Stripe deliveries and hands them to the pipeline.
type WebhookHandler struct {
	pipeline Ingester
	recorder ingest.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(pipeline Ingester, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{pipeline: pipeline, recorder: ingest.NopRecorder{}, logger: logger, now: time.Now}
}

// WithRecorder counts deliveries rejected before they reach the pipeline.
func (h *WebhookHandler) WithRecorder(rec ingest.Recorder) *WebhookHandler {
	if rec != nil {
		h.recorder = rec
	}
	return h
}

// RegisterRoutes mounts the canonical webhook path and the legacy alias.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook", h.Handle)
	r.Post("/stripe/webhook", h.Handle)
}

type webhookAck struct {
	Received bool `json:"received"`
}

// Handle verifies and ingests one delivery.
//
// Verification failures answer 400 so Stripe stops retrying a payload that can
// never pass. Everything after verification answers 200, except an
// unreachable ledger, which answers 503 because no collaborator was called
// and a redelivery is safe.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	receivedAt := h.now()

	signature := r.Header.Get(signatureHeader)
	if signature == "" {
		h.logger.WarnContext(r.Context(), "webhook rejected: missing signature header")
		h.recorder.RecordVerification(ingest.VerificationMissingSignature)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeWebhookSignatureMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.logger.WarnContext(r.Context(), "webhook rejected: payload too large")
			core.Error(w, r, types.NewAppError(
				types.ErrCodeWebhookPayloadTooLarge,
				"webhook payload exceeds 64KB",
				err,
			))
			return
		}
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeWebhookMalformedPayload,
			"failed to read request body",
			err,
		))
		return
	}

	result, err := h.pipeline.Ingest(r.Context(), ingest.Envelope{
		Body:       body,
		Signature:  signature,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrLedgerUnavailable) {
			h.writeUnavailable(w, r, err)
			return
		}
		h.logger.WarnContext(r.Context(), "webhook verification failed", "error", err)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "webhook accepted",
		"event_id", result.EventID,
		"event_type", result.EventType,
		"disposition", result.Disposition,
	)
	core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
}

func (h *WebhookHandler) writeUnavailable(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "webhook deferred: ledger unavailable", "error", err)

	code := types.ErrCodeInternalLedger
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
	}
	w.Header().Set("Retry-After", "30")
	core.JSON(w, r, http.StatusServiceUnavailable, core.APIErrorResponse{
		Error: core.ErrorDetail{
			Code:      string(code),
			Message:   "idempotency ledger unavailable, retry later",
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}
