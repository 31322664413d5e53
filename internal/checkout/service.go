// Package checkout creates hosted Stripe Checkout sessions for one-time
// purchases and subscriptions. The authenticated user becomes the session's
// client_reference_id and is copied into metadata so the webhook pipeline can
// attribute the resulting events.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"paybridge/internal/external"
	"paybridge/internal/ingest"
	"paybridge/internal/types"
)

// Limits applied before a session is requested.
const (
	MaxQuantity       = 99
	maxMetadataKeys   = 40
	maxMetadataKeyLen = 40
	maxMetadataValLen = 500
)

// Billing intervals accepted for subscriptions.
const (
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// ProductCheckout is a one-time purchase request. Amount is the unit price in
// major units, e.g. "19.99".
type ProductCheckout struct {
	Amount      string            `json:"amount" validate:"required"`
	ProductName string            `json:"product_name" validate:"omitempty,max=250"`
	Currency    string            `json:"currency" validate:"omitempty,len=3,alpha"`
	Quantity    int64             `json:"quantity" validate:"omitempty,min=1,max=99"`
	Metadata    map[string]string `json:"metadata"`
}

// SubscriptionCheckout is a recurring plan request.
type SubscriptionCheckout struct {
	PlanName string            `json:"plan_name" validate:"required,max=250"`
	PlanID   string            `json:"plan_id" validate:"required,max=100"`
	Amount   string            `json:"amount" validate:"required"`
	Interval string            `json:"interval" validate:"required"`
	Currency string            `json:"currency" validate:"omitempty,len=3,alpha"`
	Metadata map[string]string `json:"metadata"`
}

// Session is returned to the caller, who redirects the browser to URL.
type Session struct {
	ID  string `json:"session_id"`
	URL string `json:"url"`
}

// Config configures the Service.
type Config struct {
	// BaseURL is the public origin used to build the success and cancel URLs.
	BaseURL         string
	DefaultCurrency string
	Logger          *slog.Logger
	// NewIdempotencyKey defaults to a random UUID.
	NewIdempotencyKey func() string
}

// Service builds checkout sessions on top of a CheckoutProvider.
type Service struct {
	provider   external.CheckoutProvider
	successURL string
	cancelURL  string
	currency   string
	newKey     func() string
	logger     *slog.Logger
}

// NewService creates a checkout Service.
func NewService(provider external.CheckoutProvider, cfg Config) *Service {
	base := strings.TrimRight(cfg.BaseURL, "/")

	currency := strings.ToLower(cfg.DefaultCurrency)
	if currency == "" {
		currency = "usd"
	}

	newKey := cfg.NewIdempotencyKey
	if newKey == nil {
		newKey = uuid.NewString
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		provider:   provider,
		successURL: base + "/stripe/success?session_id={CHECKOUT_SESSION_ID}",
		cancelURL:  base + "/stripe/cancel",
		currency:   currency,
		newKey:     newKey,
		logger:     logger,
	}
}

// CreateProductCheckout starts a one-time payment of Quantity units at Amount
// each. ProductName defaults to "<amount> Credits".
func (s *Service) CreateProductCheckout(ctx context.Context, userID string, req ProductCheckout) (Session, error) {
	if err := requireUser(userID); err != nil {
		return Session{}, err
	}

	amount, err := s.parseAmount(req.Amount, req.Currency)
	if err != nil {
		return Session{}, err
	}

	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 1 || quantity > MaxQuantity {
		return Session{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidQuantity,
			fmt.Sprintf("quantity must be between 1 and %d", MaxQuantity),
			nil,
			map[string]any{"quantity": req.Quantity},
		)
	}

	name := strings.TrimSpace(req.ProductName)
	if name == "" {
		name = amount.Major() + " Credits"
	}

	metadata, err := buildMetadata(req.Metadata, map[string]string{ingest.MetadataUserID: userID})
	if err != nil {
		return Session{}, err
	}

	return s.create(ctx, external.CheckoutSessionParams{
		Mode:              external.CheckoutModePayment,
		ClientReferenceID: userID,
		LineItem: external.CheckoutLineItem{
			Name:       name,
			UnitAmount: amount,
			Quantity:   quantity,
		},
		Metadata: metadata,
	})
}

// CreateSubscriptionCheckout starts a subscription to PlanID billed every
// Interval. The plan id travels in metadata so activation can read it back.
func (s *Service) CreateSubscriptionCheckout(ctx context.Context, userID string, req SubscriptionCheckout) (Session, error) {
	if err := requireUser(userID); err != nil {
		return Session{}, err
	}

	interval := strings.ToLower(strings.TrimSpace(req.Interval))
	if interval != IntervalMonth && interval != IntervalYear {
		return Session{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidInterval,
			"interval must be 'month' or 'year'",
			nil,
			map[string]any{"interval": req.Interval},
		)
	}

	planID := strings.TrimSpace(req.PlanID)
	planName := strings.TrimSpace(req.PlanName)
	if planID == "" || planName == "" {
		return Session{}, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"plan_id and plan_name are required",
			nil,
		)
	}

	amount, err := s.parseAmount(req.Amount, req.Currency)
	if err != nil {
		return Session{}, err
	}

	metadata, err := buildMetadata(req.Metadata, map[string]string{
		ingest.MetadataUserID: userID,
		ingest.MetadataPlanID: planID,
	})
	if err != nil {
		return Session{}, err
	}

	return s.create(ctx, external.CheckoutSessionParams{
		Mode:              external.CheckoutModeSubscription,
		ClientReferenceID: userID,
		LineItem: external.CheckoutLineItem{
			Name:       planName,
			UnitAmount: amount,
			Quantity:   1,
			Interval:   interval,
		},
		Metadata: metadata,
	})
}

func (s *Service) create(ctx context.Context, p external.CheckoutSessionParams) (Session, error) {
	p.SuccessURL = s.successURL
	p.CancelURL = s.cancelURL
	p.IdempotencyKey = s.newKey()

	cs, err := s.provider.CreateCheckoutSession(ctx, p)
	if err != nil {
		s.logger.ErrorContext(ctx, "checkout session creation failed",
			"mode", p.Mode,
			"user_id", p.ClientReferenceID,
			"error", err,
		)
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return Session{}, err
		}
		return Session{}, types.NewAppError(types.ErrCodeUpstreamStripe, "failed to create checkout session", err)
	}
	return Session{ID: cs.ID, URL: cs.URL}, nil
}

func (s *Service) parseAmount(raw, currency string) (types.Money, error) {
	cur := strings.ToLower(strings.TrimSpace(currency))
	if cur == "" {
		cur = s.currency
	}
	if len(cur) != 3 {
		return types.Money{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidCurrency,
			"currency must be a three-letter ISO code",
			nil,
			map[string]any{"currency": currency},
		)
	}

	amount, err := types.ParseMajor(raw, cur)
	if err != nil {
		return types.Money{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidAmount,
			"amount must be a decimal number in major units",
			err,
			map[string]any{"amount": raw},
		)
	}
	if !amount.IsPositive() {
		return types.Money{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidAmount,
			"amount must be greater than zero",
			nil,
			map[string]any{"amount": raw},
		)
	}
	return amount, nil
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return types.NewAppError(types.ErrCodeAuthTokenMissing, "an authenticated user is required", nil)
	}
	return nil
}

// buildMetadata merges caller metadata with the reserved keys, which always
// win, and enforces Stripe's metadata limits.
func buildMetadata(caller, reserved map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(caller)+len(reserved))
	for k, v := range caller {
		if len(k) == 0 || len(k) > maxMetadataKeyLen || len(v) > maxMetadataValLen {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidBody,
				fmt.Sprintf("metadata keys must be 1-%d characters and values at most %d", maxMetadataKeyLen, maxMetadataValLen),
				nil,
				map[string]any{"key": k},
			)
		}
		out[k] = v
	}
	for k, v := range reserved {
		out[k] = v
	}
	if len(out) > maxMetadataKeys {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidBody,
			fmt.Sprintf("at most %d metadata keys are allowed", maxMetadataKeys),
			nil,
		)
	}
	return out, nil
}
