package db

import (
	"context"
	"log/slog"
	"time"

	"paybridge/internal/ingest"
	"paybridge/internal/types"
)

// stripeSource is recorded on every credit grant written by this service.
const stripeSource = "stripe"

// Subscription statuses written directly by this repository.
const (
	subscriptionActive   = "active"
	subscriptionCanceled = "canceled"
)

// AccountRepo owns credit grants and local subscription state. It implements
// ingest.Collaborators for deployments where this service writes account
// state itself.
//
// Key invariants:
//   - A purchase is granted at most once per transaction_id (the checkout
//     session id), even if the same session is reported by two events.
//   - Subscription writes use optimistic locking on last_event_at so an
//     older event delivered late never overwrites newer state. Activation
//     still fills in an owner, plan or metadata the newer row lacks.
type AccountRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewAccountRepo creates an AccountRepo backed by the given connection.
func NewAccountRepo(db DBTX, logger *slog.Logger) *AccountRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountRepo{db: db, logger: logger}
}

var _ ingest.Collaborators = (*AccountRepo)(nil)

// ProcessPurchase records a credit grant.
func (r *AccountRepo) ProcessPurchase(ctx context.Context, p ingest.Purchase) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO credit_grants (user_id, transaction_id, amount_minor, currency, metadata, source, source_event_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (transaction_id) DO NOTHING`,
		p.ActorID,
		p.TransactionID,
		p.Amount.Minor,
		p.Amount.Currency,
		nonNilMetadata(p.Metadata),
		stripeSource,
		p.SourceEventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record credit grant", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Info("credit grant already recorded",
			slog.String("transaction_id", p.TransactionID),
			slog.String("event_id", p.SourceEventID),
		)
		return nil
	}

	r.logger.Info("credit grant recorded",
		slog.String("user_id", p.ActorID),
		slog.String("transaction_id", p.TransactionID),
		slog.String("amount", p.Amount.String()),
	)
	return nil
}

// ActivateSubscription creates or refreshes the subscription row. A newer
// activation takes over status and event bookkeeping. An activation that is
// not newer than the row still fills in the owner and plan when they are
// missing, and its metadata keys are merged under the existing ones.
func (r *AccountRepo) ActivateSubscription(ctx context.Context, a ingest.Activation) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (subscription_id, user_id, plan_id, status, metadata, last_event_at, last_event_id)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7)
		 ON CONFLICT (subscription_id) DO UPDATE
		 SET user_id = CASE WHEN subscriptions.last_event_at < EXCLUDED.last_event_at
		                    THEN COALESCE(EXCLUDED.user_id, subscriptions.user_id)
		                    ELSE COALESCE(subscriptions.user_id, EXCLUDED.user_id) END,
		     plan_id = CASE WHEN subscriptions.last_event_at < EXCLUDED.last_event_at
		                    THEN COALESCE(EXCLUDED.plan_id, subscriptions.plan_id)
		                    ELSE COALESCE(NULLIF(subscriptions.plan_id, ''), EXCLUDED.plan_id) END,
		     metadata = CASE WHEN subscriptions.last_event_at < EXCLUDED.last_event_at
		                     THEN subscriptions.metadata || EXCLUDED.metadata
		                     ELSE EXCLUDED.metadata || subscriptions.metadata END,
		     status = CASE WHEN subscriptions.last_event_at < EXCLUDED.last_event_at
		                   THEN EXCLUDED.status ELSE subscriptions.status END,
		     last_event_id = CASE WHEN subscriptions.last_event_at < EXCLUDED.last_event_at
		                          THEN EXCLUDED.last_event_id ELSE subscriptions.last_event_id END,
		     last_event_at = GREATEST(subscriptions.last_event_at, EXCLUDED.last_event_at),
		     updated_at = NOW()`,
		a.SubscriptionID,
		a.ActorID,
		a.PlanID,
		subscriptionActive,
		nonNilMetadata(a.Metadata),
		eventTime(a.OccurredAt),
		a.SourceEventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to activate subscription", err)
	}

	r.logger.Info("subscription activated",
		slog.String("subscription_id", a.SubscriptionID),
		slog.String("event_id", a.SourceEventID),
		slog.Time("event_timestamp", a.OccurredAt),
	)
	return nil
}

// UpdateSubscription applies a status change. A subscription not seen yet is
// inserted without an owner; ActivateSubscription fills it in later. A nil
// CancelAtPeriodEnd leaves the stored flag untouched.
func (r *AccountRepo) UpdateSubscription(ctx context.Context, u ingest.SubscriptionUpdate) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (subscription_id, status, cancel_at_period_end, current_period_end, last_event_at, last_event_id)
		 VALUES ($1, $2, COALESCE($3::boolean, FALSE), $4, $5, $6)
		 ON CONFLICT (subscription_id) DO UPDATE
		 SET status = EXCLUDED.status,
		     cancel_at_period_end = COALESCE($3::boolean, subscriptions.cancel_at_period_end),
		     current_period_end = COALESCE(EXCLUDED.current_period_end, subscriptions.current_period_end),
		     last_event_at = EXCLUDED.last_event_at,
		     last_event_id = EXCLUDED.last_event_id,
		     updated_at = NOW()
		 WHERE subscriptions.last_event_at < EXCLUDED.last_event_at
		   AND subscriptions.status <> 'canceled'`,
		u.SubscriptionID,
		u.Status,
		u.CancelAtPeriodEnd,
		u.PeriodEnd,
		eventTime(u.OccurredAt),
		u.SourceEventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Info("stale subscription update ignored (optimistic lock)",
			slog.String("subscription_id", u.SubscriptionID),
			slog.String("status", u.Status),
			slog.Time("event_timestamp", u.OccurredAt),
		)
	}
	return nil
}

// DeactivateSubscription marks the subscription canceled. Cancellation is
// terminal and is applied regardless of event ordering.
func (r *AccountRepo) DeactivateSubscription(ctx context.Context, d ingest.Deactivation) error {
	at := eventTime(d.OccurredAt)
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (subscription_id, user_id, status, last_event_at, last_event_id, canceled_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $4)
		 ON CONFLICT (subscription_id) DO UPDATE
		 SET status = EXCLUDED.status,
		     user_id = COALESCE(subscriptions.user_id, EXCLUDED.user_id),
		     cancel_at_period_end = FALSE,
		     last_event_at = GREATEST(subscriptions.last_event_at, EXCLUDED.last_event_at),
		     last_event_id = EXCLUDED.last_event_id,
		     canceled_at = COALESCE(subscriptions.canceled_at, EXCLUDED.canceled_at),
		     updated_at = NOW()`,
		d.SubscriptionID,
		d.ActorID,
		subscriptionCanceled,
		at,
		d.SourceEventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate subscription", err)
	}

	r.logger.Info("subscription canceled",
		slog.String("subscription_id", d.SubscriptionID),
		slog.String("event_id", d.SourceEventID),
	)
	return nil
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
