package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paybridge/internal/core"
	"paybridge/internal/ledger"
	"paybridge/internal/types"
)

// LedgerInspector is the subset of ledger.Ledger used by operators.
type LedgerInspector interface {
	Get(ctx context.Context, key string) (*ledger.Record, error)
	Release(ctx context.Context, key, token string) error
}

// AdminHandler exposes ledger records to operators.
type AdminHandler struct {
	ledger LedgerInspector
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(l LedgerInspector, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{ledger: l, logger: logger}
}

// RegisterRoutes mounts the admin routes behind middleware, which must
// include the admin key check.
func (h *AdminHandler) RegisterRoutes(r chi.Router, middleware ...func(http.Handler) http.Handler) {
	r.Route("/admin/events", func(r chi.Router) {
		r.Use(middleware...)
		r.Get("/{eventID}", h.GetEvent)
		r.Post("/{eventID}/release", h.ReleaseEvent)
	})
}

// GetEvent handles GET /admin/events/{eventID}.
func (h *AdminHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	rec, err := h.ledger.Get(r.Context(), eventID)
	if err != nil {
		core.Error(w, r, h.mapLedgerError(r, eventID, err))
		return
	}
	core.JSON(w, r, http.StatusOK, rec)
}

// ReleaseEvent handles POST /admin/events/{eventID}/release. Committed
// records cannot be released.
func (h *AdminHandler) ReleaseEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	rec, err := h.ledger.Get(r.Context(), eventID)
	if err != nil {
		core.Error(w, r, h.mapLedgerError(r, eventID, err))
		return
	}
	if rec.State == ledger.StateCommitted {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeConflictEventCommitted,
			"event has already been committed",
			nil,
			map[string]any{"event_id": eventID, "outcome": rec.Outcome},
		))
		return
	}

	// The token read above fences the release against a reservation taken
	// after the lookup.
	if err := h.ledger.Release(r.Context(), eventID, rec.Token); err != nil {
		core.Error(w, r, h.mapLedgerError(r, eventID, err))
		return
	}

	h.logger.InfoContext(r.Context(), "ledger record released by operator", "event_id", eventID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) mapLedgerError(r *http.Request, eventID string, err error) error {
	if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrEmptyKey) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundEvent,
			"no ledger record for event",
			err,
			map[string]any{"event_id": eventID},
		)
	}
	h.logger.ErrorContext(r.Context(), "ledger lookup failed", "event_id", eventID, "error", err)
	return types.NewAppError(types.ErrCodeInternalLedger, "ledger unavailable", err)
}
