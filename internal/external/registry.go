package external

import (
	"log/slog"
	"net/http"
	"time"

	"paybridge/internal/config"
)

// ClientRegistry holds the provider clients the rest of the service uses.
type ClientRegistry struct {
	Checkout      CheckoutProvider
	Subscriptions SubscriptionReader
}

// NewClientRegistry builds the Stripe client from configuration. Local runs
// without a Stripe secret key get stub implementations so the service can
// boot with only a webhook secret.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.IsLocal() && !cfg.Stripe.SecretKey.IsSet() {
		logger.Info("initializing external clients in STUB mode", "environment", cfg.Environment)
		stubLogger := logger.With("mode", "stub")
		return &ClientRegistry{
			Checkout:      NewStubCheckoutProvider(stubLogger),
			Subscriptions: NewStubSubscriptionReader(stubLogger),
		}
	}

	client := NewStripeClient(&http.Client{Timeout: 20 * time.Second}, StripeClientConfig{
		SecretKey: cfg.Stripe.SecretKey,
		BaseURL:   cfg.Stripe.APIURL,
		Logger:    logger.With("client", "stripe"),
	})
	return &ClientRegistry{
		Checkout:      client,
		Subscriptions: client,
	}
}
