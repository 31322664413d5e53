package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paybridge/internal/checkout"
	"paybridge/internal/core"
	"paybridge/internal/types"
)

// CheckoutCreator is the subset of checkout.Service used by CheckoutHandler.
type CheckoutCreator interface {
	CreateProductCheckout(ctx context.Context, userID string, req checkout.ProductCheckout) (checkout.Session, error)
	CreateSubscriptionCheckout(ctx context.Context, userID string, req checkout.SubscriptionCheckout) (checkout.Session, error)
}

// CheckoutHandler creates Stripe Checkout sessions for authenticated users.
type CheckoutHandler struct {
	service   CheckoutCreator
	validator *core.Validator
	logger    *slog.Logger
}

// NewCheckoutHandler creates a CheckoutHandler.
func NewCheckoutHandler(service CheckoutCreator, validator *core.Validator, logger *slog.Logger) *CheckoutHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutHandler{service: service, validator: validator, logger: logger}
}

// RegisterRoutes mounts the checkout endpoints behind middleware, which must
// include user authentication.
func (h *CheckoutHandler) RegisterRoutes(r chi.Router, middleware ...func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(middleware...)
		r.Post("/stripe/checkout/product", h.CreateProduct)
		r.Post("/stripe/checkout/subscription", h.CreateSubscription)
	})
}

// CreateProduct handles POST /stripe/checkout/product.
func (h *CheckoutHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req checkout.ProductCheckout
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	userID, _ := types.GetUserID(r.Context())
	session, err := h.service.CreateProductCheckout(r.Context(), userID, req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "product checkout created",
		"user_id", userID,
		"session_id", session.ID,
	)
	core.JSON(w, r, http.StatusCreated, session)
}

// CreateSubscription handles POST /stripe/checkout/subscription.
func (h *CheckoutHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req checkout.SubscriptionCheckout
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	userID, _ := types.GetUserID(r.Context())
	session, err := h.service.CreateSubscriptionCheckout(r.Context(), userID, req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "subscription checkout created",
		"user_id", userID,
		"plan_id", req.PlanID,
		"session_id", session.ID,
	)
	core.JSON(w, r, http.StatusCreated, session)
}
