package external

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"paybridge/internal/types"
)

// StubCheckoutProvider returns fake checkout sessions without calling Stripe.
// Used for APP_ENV=local when no Stripe secret key is configured.
type StubCheckoutProvider struct {
	logger *slog.Logger
}

// NewStubCheckoutProvider creates a StubCheckoutProvider.
func NewStubCheckoutProvider(logger *slog.Logger) *StubCheckoutProvider {
	return &StubCheckoutProvider{logger: logger}
}

func (s *StubCheckoutProvider) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (CheckoutSession, error) {
	id := "cs_stub_" + uuid.NewString()[:8]
	s.logger.InfoContext(ctx, "stub: CreateCheckoutSession called",
		"session_id", id,
		"mode", p.Mode,
		"client_reference_id", p.ClientReferenceID,
		"amount", p.LineItem.UnitAmount.String(),
	)
	return CheckoutSession{ID: id, URL: "https://checkout.stub.local/" + id}, nil
}

// StubSubscriptionReader reports a one-month period starting now.
type StubSubscriptionReader struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewStubSubscriptionReader creates a StubSubscriptionReader.
func NewStubSubscriptionReader(logger *slog.Logger) *StubSubscriptionReader {
	return &StubSubscriptionReader{logger: logger, now: time.Now}
}

func (s *StubSubscriptionReader) GetSubscriptionPeriod(ctx context.Context, subscriptionID string) (types.SubscriptionPeriod, error) {
	s.logger.InfoContext(ctx, "stub: GetSubscriptionPeriod called", "subscription_id", subscriptionID)
	start := s.now().UTC().Truncate(time.Second)
	return types.SubscriptionPeriod{Start: start, End: start.AddDate(0, 1, 0)}, nil
}
