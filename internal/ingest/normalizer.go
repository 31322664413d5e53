package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"paybridge/internal/types"
)

// Metadata keys written by the checkout service and read back here.
const (
	MetadataUserID = "user_id"
	MetadataPlanID = "plan_id"
)

// ErrEnrichmentUnavailable marks a renewal normalized without period bounds.
var ErrEnrichmentUnavailable = errors.New("enrichment unavailable")

// PeriodLookup fetches the current billing period of a subscription.
type PeriodLookup interface {
	GetSubscriptionPeriod(ctx context.Context, subscriptionID string) (types.SubscriptionPeriod, error)
}

// Normalizer maps verified Stripe events to types.NormalizedEvent.
type Normalizer struct {
	periods  PeriodLookup
	timeout  time.Duration
	group    singleflight.Group
	recorder Recorder
	logger   *slog.Logger
}

// NormalizerConfig configures a Normalizer. Periods may be nil, in which case
// renewals rely on the invoice lines alone.
type NormalizerConfig struct {
	Periods           PeriodLookup
	EnrichmentTimeout time.Duration
	Recorder          Recorder
	Logger            *slog.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NopRecorder{}
	}
	if cfg.EnrichmentTimeout <= 0 {
		cfg.EnrichmentTimeout = 3 * time.Second
	}
	return &Normalizer{
		periods:  cfg.Periods,
		timeout:  cfg.EnrichmentTimeout,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
	}
}

// Normalize is total: unknown event types, unsupported discriminants and
// objects that fail to decode all yield DomainUnrecognized.
func (n *Normalizer) Normalize(ctx context.Context, raw *RawEvent) types.NormalizedEvent {
	base := types.NormalizedEvent{
		DomainType:    types.DomainUnrecognized,
		SourceEventID: raw.ID,
		RawType:       raw.Type,
		OccurredAt:    raw.Created,
		Livemode:      raw.Livemode,
	}

	var err error
	switch raw.Type {
	case stripeCheckoutCompleted, stripeCheckoutAsyncPaymentSuccess:
		err = n.checkoutCompleted(raw, &base)
	case stripeInvoicePaid:
		err = n.invoicePaid(ctx, raw, &base)
	case stripeSubscriptionUpdated:
		err = n.subscriptionChanged(raw, &base, types.DomainSubscriptionUpdated)
	case stripeSubscriptionDeleted:
		err = n.subscriptionChanged(raw, &base, types.DomainSubscriptionCanceled)
	default:
		return base
	}

	if err != nil {
		n.logger.Warn("event object could not be normalized",
			"event_id", raw.ID,
			"event_type", raw.Type,
			"error", err,
		)
		return types.NormalizedEvent{
			DomainType:    types.DomainUnrecognized,
			SourceEventID: raw.ID,
			RawType:       raw.Type,
			OccurredAt:    raw.Created,
			Livemode:      raw.Livemode,
		}
	}
	return base
}

func (n *Normalizer) checkoutCompleted(raw *RawEvent, ev *types.NormalizedEvent) error {
	var obj checkoutSessionObject
	if err := json.Unmarshal(raw.Object, &obj); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}

	ev.ActorID = obj.ClientReferenceID
	if ev.ActorID == "" {
		ev.ActorID = obj.Metadata[MetadataUserID]
	}
	ev.Metadata = obj.Metadata
	ev.Currency = obj.Currency
	ev.Status = obj.PaymentStatus

	switch obj.Mode {
	case checkoutModePayment:
		ev.DomainType = types.DomainPurchaseCompleted
		ev.TransactionID = obj.ID
		if obj.AmountTotal != nil {
			m := types.NewMoney(*obj.AmountTotal, obj.Currency)
			ev.Amount = &m
			ev.Currency = m.Currency
		}
	case checkoutModeSubscription:
		// async_payment_succeeded only completes payment-mode sessions.
		if raw.Type != stripeCheckoutCompleted {
			return fmt.Errorf("unexpected mode %q for %s", obj.Mode, raw.Type)
		}
		ev.DomainType = types.DomainSubscriptionCreated
		ev.SubjectID = string(obj.Subscription)
		ev.TransactionID = obj.ID
		ev.PlanID = obj.Metadata[MetadataPlanID]
	default:
		return fmt.Errorf("unsupported checkout mode %q", obj.Mode)
	}
	return nil
}

func (n *Normalizer) invoicePaid(ctx context.Context, raw *RawEvent, ev *types.NormalizedEvent) error {
	var obj invoiceObject
	if err := json.Unmarshal(raw.Object, &obj); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}

	ev.DomainType = types.DomainSubscriptionRenewed
	ev.SubjectID = obj.subscriptionID()
	ev.InvoiceID = obj.ID
	ev.Metadata = obj.metadata()
	ev.ActorID = ev.Metadata[MetadataUserID]
	ev.PlanID = ev.Metadata[MetadataPlanID]
	ev.Status = obj.BillingReason
	ev.Currency = obj.Currency
	if obj.AmountPaid != nil {
		m := types.NewMoney(*obj.AmountPaid, obj.Currency)
		ev.Amount = &m
		ev.Currency = m.Currency
	}

	ev.PeriodStart, ev.PeriodEnd = obj.linePeriod()
	if ev.HasPeriod() || ev.SubjectID == "" {
		return nil
	}

	period, err := n.lookupPeriod(ctx, ev.SubjectID)
	if err != nil {
		n.recorder.RecordEnrichmentFailure()
		n.logger.Warn("renewal normalized without period bounds",
			"event_id", raw.ID,
			"subscription_id", ev.SubjectID,
			"error", err,
		)
		return nil
	}
	if !period.Start.IsZero() {
		start := period.Start.UTC()
		ev.PeriodStart = &start
	}
	if !period.End.IsZero() {
		end := period.End.UTC()
		ev.PeriodEnd = &end
	}
	return nil
}

// lookupPeriod bounds the remote call by its own timeout and collapses
// concurrent lookups for the same subscription.
func (n *Normalizer) lookupPeriod(ctx context.Context, subscriptionID string) (types.SubscriptionPeriod, error) {
	if n.periods == nil {
		return types.SubscriptionPeriod{}, fmt.Errorf("%w: no period lookup configured", ErrEnrichmentUnavailable)
	}

	ch := n.group.DoChan(subscriptionID, func() (any, error) {
		// Detached from any single caller so one canceled request does not
		// fail the others waiting on the same key.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		return n.periods.GetSubscriptionPeriod(lookupCtx, subscriptionID)
	})

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return types.SubscriptionPeriod{}, fmt.Errorf("%w: %v", ErrEnrichmentUnavailable, res.Err)
		}
		period, _ := res.Val.(types.SubscriptionPeriod)
		if period.IsZero() {
			return types.SubscriptionPeriod{}, fmt.Errorf("%w: empty period", ErrEnrichmentUnavailable)
		}
		return period, nil
	case <-ctx.Done():
		return types.SubscriptionPeriod{}, fmt.Errorf("%w: %v", ErrEnrichmentUnavailable, ctx.Err())
	case <-timer.C:
		return types.SubscriptionPeriod{}, fmt.Errorf("%w: lookup timed out after %s", ErrEnrichmentUnavailable, n.timeout)
	}
}

func (n *Normalizer) subscriptionChanged(raw *RawEvent, ev *types.NormalizedEvent, domain types.DomainType) error {
	var obj subscriptionObject
	if err := json.Unmarshal(raw.Object, &obj); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}

	ev.DomainType = domain
	ev.SubjectID = obj.ID
	ev.Status = obj.Status
	ev.CancelAtPeriodEnd = obj.CancelAtPeriodEnd
	ev.Metadata = obj.Metadata
	ev.ActorID = obj.Metadata[MetadataUserID]
	ev.PlanID = obj.Metadata[MetadataPlanID]
	if ev.PlanID == "" {
		ev.PlanID = obj.priceID()
	}
	ev.PeriodStart, ev.PeriodEnd = obj.period()
	return nil
}
