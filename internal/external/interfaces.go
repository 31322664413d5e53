package external

import (
	"context"

	"paybridge/internal/types"
)

// CheckoutProvider creates hosted checkout sessions.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (CheckoutSession, error)
}

// SubscriptionReader reads subscription state from the payment provider. It
// satisfies the normalizer's period lookup for renewal enrichment.
type SubscriptionReader interface {
	GetSubscriptionPeriod(ctx context.Context, subscriptionID string) (types.SubscriptionPeriod, error)
}

var (
	_ CheckoutProvider   = (*StripeClient)(nil)
	_ SubscriptionReader = (*StripeClient)(nil)
)
