package ingest

import (
	"bytes"
	"encoding/json"
	"time"
)

// Stripe event types the normalizer understands.
const (
	stripeCheckoutCompleted           = "checkout.session.completed"
	stripeCheckoutAsyncPaymentSuccess = "checkout.session.async_payment_succeeded"
	stripeInvoicePaid                 = "invoice.paid"
	stripeSubscriptionUpdated         = "customer.subscription.updated"
	stripeSubscriptionDeleted         = "customer.subscription.deleted"
)

// Checkout session modes.
const (
	checkoutModePayment      = "payment"
	checkoutModeSubscription = "subscription"
)

// expandableID decodes a Stripe expandable field, which is either the object
// id as a string or the expanded object carrying an "id".
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// unixTime decodes a Stripe unix timestamp; zero and null stay unset.
type unixTime int64

func (u unixTime) ptr() *time.Time {
	if u <= 0 {
		return nil
	}
	t := time.Unix(int64(u), 0).UTC()
	return &t
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       *int64            `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
	PaymentIntent     expandableID      `json:"payment_intent"`
	Subscription      expandableID      `json:"subscription"`
	Customer          expandableID      `json:"customer"`
}

// invoiceObject covers both the pre-2025 shape (top-level subscription and
// subscription_details) and the parent.subscription_details shape.
type invoiceObject struct {
	ID            string       `json:"id"`
	BillingReason string       `json:"billing_reason"`
	AmountPaid    *int64       `json:"amount_paid"`
	Currency      string       `json:"currency"`
	Customer      expandableID `json:"customer"`

	Subscription        expandableID             `json:"subscription"`
	SubscriptionDetails *invoiceSubscriptionInfo `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *invoiceSubscriptionInfo `json:"subscription_details"`
	} `json:"parent"`

	Lines struct {
		Data []struct {
			Period struct {
				Start unixTime `json:"start"`
				End   unixTime `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type invoiceSubscriptionInfo struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

func (o *invoiceObject) subscriptionID() string {
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil && o.Parent.SubscriptionDetails.Subscription != "" {
		return string(o.Parent.SubscriptionDetails.Subscription)
	}
	return string(o.Subscription)
}

func (o *invoiceObject) metadata() map[string]string {
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil && len(o.Parent.SubscriptionDetails.Metadata) > 0 {
		return o.Parent.SubscriptionDetails.Metadata
	}
	if o.SubscriptionDetails != nil {
		return o.SubscriptionDetails.Metadata
	}
	return nil
}

// linePeriod returns the widest period carried by the invoice lines.
func (o *invoiceObject) linePeriod() (start, end *time.Time) {
	for _, line := range o.Lines.Data {
		s, e := line.Period.Start.ptr(), line.Period.End.ptr()
		if s == nil || e == nil {
			continue
		}
		if start == nil || s.Before(*start) {
			start = s
		}
		if end == nil || e.After(*end) {
			end = e
		}
	}
	return start, end
}

// subscriptionObject covers both the top-level current_period_* fields and
// the per-item fields used by newer API versions.
type subscriptionObject struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Customer           expandableID      `json:"customer"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart unixTime          `json:"current_period_start"`
	CurrentPeriodEnd   unixTime          `json:"current_period_end"`
	CanceledAt         unixTime          `json:"canceled_at"`
	EndedAt            unixTime          `json:"ended_at"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart unixTime `json:"current_period_start"`
			CurrentPeriodEnd   unixTime `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (o *subscriptionObject) period() (start, end *time.Time) {
	start, end = o.CurrentPeriodStart.ptr(), o.CurrentPeriodEnd.ptr()
	for _, item := range o.Items.Data {
		if s := item.CurrentPeriodStart.ptr(); s != nil && (start == nil || s.Before(*start)) {
			start = s
		}
		if e := item.CurrentPeriodEnd.ptr(); e != nil && (end == nil || e.After(*end)) {
			end = e
		}
	}
	return start, end
}

func (o *subscriptionObject) priceID() string {
	if len(o.Items.Data) == 0 {
		return ""
	}
	return o.Items.Data[0].Price.ID
}
