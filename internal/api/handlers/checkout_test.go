package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"paybridge/internal/checkout"
	"paybridge/internal/config"
	"paybridge/internal/core"
	"paybridge/internal/external"
	"paybridge/internal/types"
)

type mockCheckoutCreator struct {
	mock.Mock
}

func (m *mockCheckoutCreator) CreateProductCheckout(ctx context.Context, userID string, req checkout.ProductCheckout) (checkout.Session, error) {
	args := m.Called(ctx, userID, req)
	return args.Get(0).(checkout.Session), args.Error(1)
}

func (m *mockCheckoutCreator) CreateSubscriptionCheckout(ctx context.Context, userID string, req checkout.SubscriptionCheckout) (checkout.Session, error) {
	args := m.Called(ctx, userID, req)
	return args.Get(0).(checkout.Session), args.Error(1)
}

func newCoreServer(t *testing.T) *core.Server {
	t.Helper()
	srv, err := core.NewServer(&config.Config{
		Environment: "local",
		Server:      config.ServerConfig{BaseURL: "https://pay.example.com"},
	}, discardLogger())
	require.NoError(t, err)
	return srv
}

// newCheckoutServer mounts the checkout routes behind the real auth and rate
// limit middleware.
func newCheckoutServer(t *testing.T, svc CheckoutCreator, store core.RateLimitStore, limit int) http.Handler {
	t.Helper()
	srv := newCoreServer(t)
	srv.Authenticator = &core.MockAuthenticator{
		AuthenticateFunc: func(_ context.Context, token string) (string, error) {
			if token == "good" {
				return "u1", nil
			}
			return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "bad token", nil)
		},
	}
	srv.RateLimitStore = store

	h := NewCheckoutHandler(svc, srv.Validator, discardLogger())
	srv.RouteRegistrars = append(srv.RouteRegistrars, func(r chi.Router) {
		h.RegisterRoutes(r, srv.RequireUser, srv.RateLimit("checkout", limit, time.Minute))
	})
	srv.MountRoutes()
	return srv.Handler()
}

func postJSON(h http.Handler, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCheckout_Product(t *testing.T) {
	svc := &mockCheckoutCreator{}
	svc.On("CreateProductCheckout", mock.Anything, "u1", checkout.ProductCheckout{
		Amount:   "19.99",
		Currency: "usd",
		Quantity: 2,
	}).Return(checkout.Session{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/cs_test_1"}, nil)

	h := newCheckoutServer(t, svc, nil, 0)
	rec := postJSON(h, "/stripe/checkout/product", "good", `{"amount":"19.99","currency":"usd","quantity":2}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var session checkout.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&session))
	assert.Equal(t, "cs_test_1", session.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_test_1", session.URL)
	svc.AssertExpectations(t)
}

func TestCheckout_Subscription(t *testing.T) {
	svc := &mockCheckoutCreator{}
	svc.On("CreateSubscriptionCheckout", mock.Anything, "u1", mock.MatchedBy(func(req checkout.SubscriptionCheckout) bool {
		return req.PlanID == "pro" && req.Interval == "month"
	})).Return(checkout.Session{ID: "cs_sub", URL: "https://checkout.stripe.com/c/cs_sub"}, nil)

	h := newCheckoutServer(t, svc, nil, 0)
	rec := postJSON(h, "/stripe/checkout/subscription", "good",
		`{"plan_name":"Pro","plan_id":"pro","amount":"15.00","interval":"month"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	svc.AssertExpectations(t)
}

func TestCheckout_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		token  string
		body   string
		status int
		code   types.ErrorCode
	}{
		{"no token", "/stripe/checkout/product", "", `{"amount":"1"}`, http.StatusUnauthorized, types.ErrCodeAuthTokenMissing},
		{"bad token", "/stripe/checkout/product", "bad", `{"amount":"1"}`, http.StatusUnauthorized, types.ErrCodeAuthTokenInvalid},
		{"malformed body", "/stripe/checkout/product", "good", `{"amount":`, http.StatusBadRequest, types.ErrCodeValidationInvalidBody},
		{"unknown field", "/stripe/checkout/product", "good", `{"amount":"1","price":"2"}`, http.StatusBadRequest, types.ErrCodeValidationInvalidBody},
		{"missing amount", "/stripe/checkout/product", "good", `{}`, http.StatusBadRequest, types.ErrCodeValidationMissingField},
		{"quantity over max", "/stripe/checkout/product", "good", `{"amount":"1","quantity":100}`, http.StatusBadRequest, types.ErrCodeValidationInvalidQuantity},
		{"missing plan", "/stripe/checkout/subscription", "good", `{"amount":"1","interval":"month"}`, http.StatusBadRequest, types.ErrCodeValidationMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockCheckoutCreator{}
			h := newCheckoutServer(t, svc, nil, 0)

			rec := postJSON(h, tt.path, tt.token, tt.body)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, string(tt.code), errorCode(t, rec))
			svc.AssertNotCalled(t, "CreateProductCheckout", mock.Anything, mock.Anything, mock.Anything)
			svc.AssertNotCalled(t, "CreateSubscriptionCheckout", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestCheckout_ServiceErrorsPassThrough(t *testing.T) {
	svc := &mockCheckoutCreator{}
	svc.On("CreateProductCheckout", mock.Anything, "u1", mock.Anything).Return(checkout.Session{},
		types.NewAppError(types.ErrCodePaymentDeclined, "card declined", nil))

	h := newCheckoutServer(t, svc, nil, 0)
	rec := postJSON(h, "/stripe/checkout/product", "good", `{"amount":"5"}`)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, string(types.ErrCodePaymentDeclined), errorCode(t, rec))
}

func TestCheckout_RateLimitedPerUser(t *testing.T) {
	svc := &mockCheckoutCreator{}
	svc.On("CreateProductCheckout", mock.Anything, "u1", mock.Anything).
		Return(checkout.Session{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}, nil)

	h := newCheckoutServer(t, svc, core.NewMemoryRateLimitStore(), 2)

	for i := 0; i < 2; i++ {
		rec := postJSON(h, "/stripe/checkout/product", "good", `{"amount":"5"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := postJSON(h, "/stripe/checkout/product", "good", `{"amount":"5"}`)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	svc.AssertNumberOfCalls(t, "CreateProductCheckout", 2)
}

// TestCheckout_WithStubProvider runs the handler against the real service and
// the local stub provider.
func TestCheckout_WithStubProvider(t *testing.T) {
	svc := checkout.NewService(external.NewStubCheckoutProvider(discardLogger()), checkout.Config{
		BaseURL: "https://pay.example.com",
		Logger:  discardLogger(),
	})
	h := newCheckoutServer(t, svc, nil, 0)

	rec := postJSON(h, "/stripe/checkout/product", "good", `{"amount":"10"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var session checkout.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&session))
	assert.True(t, strings.HasPrefix(session.ID, "cs_stub_"))
	assert.True(t, strings.HasSuffix(session.URL, session.ID))
}
