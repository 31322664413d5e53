package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"paybridge/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
const stripeAPIBase = "https://api.stripe.com"

// Checkout session modes.
const (
	CheckoutModePayment      = "payment"
	CheckoutModeSubscription = "subscription"
)

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient talks to the Stripe REST API over BaseClient with form-encoded
// requests. It is used for checkout session creation and for the subscription
// period lookup that enriches renewal events.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with the default retry policy.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"paybridge/"+stripe.APIVersion,
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient on a pre-configured BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CheckoutLineItem is the single inline-priced line of a checkout session.
type CheckoutLineItem struct {
	Name       string
	UnitAmount types.Money
	Quantity   int64
	// Interval is "month" or "year" for subscriptions and empty otherwise.
	Interval string
}

// CheckoutSessionParams describes a checkout session to create.
type CheckoutSessionParams struct {
	Mode              string
	ClientReferenceID string
	LineItem          CheckoutLineItem
	Metadata          map[string]string
	SuccessURL        string
	CancelURL         string
	// IdempotencyKey makes retried creations return the same session.
	IdempotencyKey string
}

// CheckoutSession is the subset of the created session callers need.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession creates a Stripe Checkout Session. Metadata is copied
// onto the subscription (subscription mode) or the payment intent (payment
// mode) so later events for those objects carry the same user and plan.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", p.Mode)
	form.Set("success_url", p.SuccessURL)
	form.Set("cancel_url", p.CancelURL)
	if p.ClientReferenceID != "" {
		form.Set("client_reference_id", p.ClientReferenceID)
	}

	item := p.LineItem
	form.Set("line_items[0][quantity]", strconv.FormatInt(item.Quantity, 10))
	form.Set("line_items[0][price_data][currency]", item.UnitAmount.Currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(item.UnitAmount.Minor, 10))
	form.Set("line_items[0][price_data][product_data][name]", item.Name)
	if item.Interval != "" {
		form.Set("line_items[0][price_data][recurring][interval]", item.Interval)
	}

	nested := "payment_intent_data"
	if p.Mode == CheckoutModeSubscription {
		nested = "subscription_data"
	}
	for k, v := range p.Metadata {
		form.Set("metadata["+k+"]", v)
		form.Set(nested+"[metadata]["+k+"]", v)
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", form, p.IdempotencyKey)
	if err != nil {
		return CheckoutSession{}, s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CheckoutSession{}, s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return CheckoutSession{}, types.NewAppError(
			types.ErrCodeUpstreamStripe,
			"failed to decode Stripe checkout session response",
			err,
		)
	}
	if session.URL == "" {
		return CheckoutSession{}, types.NewAppError(
			types.ErrCodeUpstreamStripe,
			"Stripe checkout session has no url",
			nil,
		)
	}

	s.logger.InfoContext(ctx, "checkout session created",
		"session_id", session.ID,
		"mode", p.Mode,
		"amount", item.UnitAmount.String(),
	)
	return session, nil
}

// GetSubscriptionPeriod fetches a subscription and returns its current
// billing period. Newer API versions carry the period on subscription items;
// the top-level fields are read as a fallback. A subscription without any
// period yields the zero value and no error.
func (s *StripeClient) GetSubscriptionPeriod(ctx context.Context, subscriptionID string) (types.SubscriptionPeriod, error) {
	if subscriptionID == "" {
		return types.SubscriptionPeriod{}, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"subscription id is required",
			nil,
		)
	}

	resp, err := s.doGet(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID))
	if err != nil {
		return types.SubscriptionPeriod{}, s.wrapStripeError("GetSubscriptionPeriod", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.SubscriptionPeriod{}, s.handleErrorResponse(resp, "GetSubscriptionPeriod")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return types.SubscriptionPeriod{}, types.NewAppError(
			types.ErrCodeUpstreamStripe,
			"failed to decode Stripe subscription response",
			err,
		)
	}
	return sub.period(), nil
}

func (s *StripeClient) doGet(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, form url.Values, idempotencyKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// stripeErrorResponse is the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
		Param       string `json:"param"`
	} `json:"error"`
}

// handleErrorResponse reads a non-200 Stripe response and maps it to an
// AppError carrying the Stripe error type, code and request id.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	details := map[string]any{"status": resp.StatusCode}
	if reqID := resp.Header.Get("Request-Id"); reqID != "" {
		details["stripe_request_id"] = reqID
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if readErr != nil {
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with an unreadable body", operation, resp.StatusCode),
			readErr,
			details,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with a non-JSON body", operation, resp.StatusCode),
			jsonErr,
			details,
		)
	}

	e := stripeErr.Error
	details["stripe_type"] = e.Type
	if e.Code != "" {
		details["stripe_code"] = e.Code
	}
	if e.Param != "" {
		details["param"] = e.Param
	}

	code := types.ErrCodeUpstreamStripe
	switch {
	case e.Code == "card_declined" || e.DeclineCode != "":
		code = types.ErrCodePaymentDeclined
		details["decline_code"] = e.DeclineCode
	case resp.StatusCode == http.StatusTooManyRequests:
		code = types.ErrCodeUpstreamRateLimited
	case resp.StatusCode >= 500:
		code = types.ErrCodeUpstreamUnavailable
	}

	s.logger.Warn("stripe request rejected",
		"operation", operation,
		"status", resp.StatusCode,
		"stripe_type", e.Type,
		"stripe_code", e.Code,
	)

	return types.NewAppErrorWithDetails(
		code,
		fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, e.Message),
		nil,
		details,
	)
}

// wrapStripeError passes BaseClient AppErrors through and wraps anything else.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

type stripeSubscription struct {
	ID                 string `json:"id"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// period spans all items: earliest start to latest end.
func (s stripeSubscription) period() types.SubscriptionPeriod {
	var start, end int64
	for _, it := range s.Items.Data {
		if it.CurrentPeriodStart > 0 && (start == 0 || it.CurrentPeriodStart < start) {
			start = it.CurrentPeriodStart
		}
		if it.CurrentPeriodEnd > end {
			end = it.CurrentPeriodEnd
		}
	}
	if start == 0 {
		start = s.CurrentPeriodStart
	}
	if end == 0 {
		end = s.CurrentPeriodEnd
	}

	var p types.SubscriptionPeriod
	if start > 0 {
		p.Start = time.Unix(start, 0).UTC()
	}
	if end > 0 {
		p.End = time.Unix(end, 0).UTC()
	}
	return p
}
