package types

import "time"

// DomainType is the internal vocabulary payment events are normalized into.
type DomainType string

const (
	DomainPurchaseCompleted    DomainType = "purchase_completed"
	DomainSubscriptionCreated  DomainType = "subscription_created"
	DomainSubscriptionRenewed  DomainType = "subscription_renewed"
	DomainSubscriptionUpdated  DomainType = "subscription_updated"
	DomainSubscriptionCanceled DomainType = "subscription_canceled"
	DomainUnrecognized         DomainType = "unrecognized"
)

// Recognized reports whether d is part of the fixed internal vocabulary.
func (d DomainType) Recognized() bool {
	switch d {
	case DomainPurchaseCompleted,
		DomainSubscriptionCreated,
		DomainSubscriptionRenewed,
		DomainSubscriptionUpdated,
		DomainSubscriptionCanceled:
		return true
	default:
		return false
	}
}

// NormalizedEvent is the provider-independent form of a webhook event.
//
// SourceEventID is the provider event id and the idempotency key. Events with
// DomainType == DomainUnrecognized only guarantee SourceEventID and RawType;
// every other field may be zero.
type NormalizedEvent struct {
	DomainType    DomainType `json:"domain_type"`
	SourceEventID string     `json:"source_event_id"`
	RawType       string     `json:"raw_type"`
	OccurredAt    time.Time  `json:"occurred_at"`
	Livemode      bool       `json:"livemode"`

	// SubjectID is the subscription id. Empty for one-time purchases.
	SubjectID string `json:"subject_id,omitempty"`
	// ActorID is the host-application user carried through checkout as
	// client_reference_id.
	ActorID  string            `json:"actor_id,omitempty"`
	Amount   *Money            `json:"amount,omitempty"`
	Currency string            `json:"currency,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	TransactionID     string     `json:"transaction_id,omitempty"`
	PlanID            string     `json:"plan_id,omitempty"`
	InvoiceID         string     `json:"invoice_id,omitempty"`
	Status            string     `json:"status,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end,omitempty"`
	PeriodStart       *time.Time `json:"period_start,omitempty"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
}

// HasPeriod reports whether both period bounds are known.
func (e NormalizedEvent) HasPeriod() bool {
	return e.PeriodStart != nil && e.PeriodEnd != nil
}

// SubscriptionPeriod is the current billing period of a subscription as
// reported by the provider.
type SubscriptionPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether neither bound is known.
func (p SubscriptionPeriod) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}
