package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"paybridge/internal/types"
)

// OutcomeKind classifies a dispatch result.
type OutcomeKind string

const (
	OutcomeHandled OutcomeKind = "handled"
	OutcomeIgnored OutcomeKind = "ignored"
	OutcomeFailed  OutcomeKind = "failed"
)

// Outcome is the result of dispatching one event. Reason is set for Ignored
// and Failed.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
}

// Handled returns the successful outcome.
func Handled() Outcome { return Outcome{Kind: OutcomeHandled} }

// Ignored returns an outcome for events with nothing to do.
func Ignored(reason string) Outcome { return Outcome{Kind: OutcomeIgnored, Reason: reason} }

// Failed returns an outcome for events whose handler did not complete.
func Failed(reason string) Outcome { return Outcome{Kind: OutcomeFailed, Reason: reason} }

// Token is the value recorded in the ledger on commit.
func (o Outcome) Token() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return string(o.Kind) + ": " + o.Reason
}

// Purchase is passed to Collaborators.ProcessPurchase.
type Purchase struct {
	ActorID       string            `json:"actor_id"`
	TransactionID string            `json:"transaction_id"`
	Amount        types.Money       `json:"amount"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	SourceEventID string            `json:"source_event_id"`
}

// Activation is passed to Collaborators.ActivateSubscription.
type Activation struct {
	ActorID        string            `json:"actor_id"`
	SubscriptionID string            `json:"subscription_id"`
	PlanID         string            `json:"plan_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SourceEventID  string            `json:"source_event_id"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// SubscriptionUpdate is passed to Collaborators.UpdateSubscription.
type SubscriptionUpdate struct {
	SubscriptionID    string     `json:"subscription_id"`
	Status            string     `json:"status"`
	CancelAtPeriodEnd *bool      `json:"cancel_at_period_end,omitempty"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
	SourceEventID     string     `json:"source_event_id"`
	OccurredAt        time.Time  `json:"occurred_at"`
}

// Deactivation is passed to Collaborators.DeactivateSubscription.
type Deactivation struct {
	ActorID        string    `json:"actor_id,omitempty"`
	SubscriptionID string    `json:"subscription_id"`
	SourceEventID  string    `json:"source_event_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Collaborators are the services that own credit balances and subscription
// records. Each call must be idempotent on its natural key (transaction or
// subscription id); the ledger deduplicates events, not effects.
type Collaborators interface {
	ProcessPurchase(ctx context.Context, p Purchase) error
	ActivateSubscription(ctx context.Context, a Activation) error
	UpdateSubscription(ctx context.Context, u SubscriptionUpdate) error
	DeactivateSubscription(ctx context.Context, d Deactivation) error
}

// HandlerFunc handles one normalized event.
type HandlerFunc func(ctx context.Context, ev types.NormalizedEvent) Outcome

// renewedStatus is the subscription status applied on a paid renewal.
const renewedStatus = "active"

// unpaidStatus is the checkout payment_status of sessions still awaiting an
// asynchronous payment method.
const unpaidStatus = "unpaid"

// Dispatcher routes normalized events to exactly one handler.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[types.DomainType]HandlerFunc
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher with handlers for every domain type
// bound to c. A nil c gives a Dispatcher that ignores everything until
// Handle is called.
func NewDispatcher(c Collaborators, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		handlers: make(map[types.DomainType]HandlerFunc),
		logger:   logger,
	}
	if c != nil {
		d.Handle(types.DomainPurchaseCompleted, purchaseHandler(c))
		d.Handle(types.DomainSubscriptionCreated, activationHandler(c))
		d.Handle(types.DomainSubscriptionRenewed, renewalHandler(c))
		d.Handle(types.DomainSubscriptionUpdated, updateHandler(c))
		d.Handle(types.DomainSubscriptionCanceled, deactivationHandler(c))
	}
	return d
}

// Handle registers h for domainType, replacing any previous handler.
func (d *Dispatcher) Handle(domainType types.DomainType, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[domainType] = h
}

// Dispatch runs the handler for ev. It never panics and never returns an
// error; failures are reported as Failed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev types.NormalizedEvent) (out Outcome) {
	if !ev.DomainType.Recognized() {
		return Ignored(fmt.Sprintf("unrecognized event type %q", ev.RawType))
	}

	d.mu.RLock()
	h, ok := d.handlers[ev.DomainType]
	d.mu.RUnlock()
	if !ok {
		return Ignored(fmt.Sprintf("no handler for %s", ev.DomainType))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				"event_id", ev.SourceEventID,
				"domain_type", ev.DomainType,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			out = Failed(fmt.Sprintf("handler panic: %v", r))
		}
	}()

	out = h(ctx, ev)
	if out.Kind == OutcomeFailed {
		d.logger.Error("handler failed",
			"event_id", ev.SourceEventID,
			"domain_type", ev.DomainType,
			"reason", out.Reason,
		)
	}
	return out
}

// missing returns a Failed outcome naming the empty required fields, or nil.
func missing(fields ...[2]string) *Outcome {
	var names []string
	for _, f := range fields {
		if f[1] == "" {
			names = append(names, f[0])
		}
	}
	if len(names) == 0 {
		return nil
	}
	out := Failed("missing " + strings.Join(names, ", "))
	return &out
}

func collaboratorFailed(op string, err error) Outcome {
	return Failed(fmt.Sprintf("%s: %v", op, err))
}

func purchaseHandler(c Collaborators) HandlerFunc {
	return func(ctx context.Context, ev types.NormalizedEvent) Outcome {
		if ev.Status == unpaidStatus {
			return Ignored("payment pending")
		}
		if out := missing(
			[2]string{"actor_id", ev.ActorID},
			[2]string{"transaction_id", ev.TransactionID},
			[2]string{"currency", ev.Currency},
		); out != nil {
			return *out
		}
		if ev.Amount == nil {
			return Failed("missing amount")
		}
		err := c.ProcessPurchase(ctx, Purchase{
			ActorID:       ev.ActorID,
			TransactionID: ev.TransactionID,
			Amount:        *ev.Amount,
			Metadata:      metadataOrEmpty(ev.Metadata),
			SourceEventID: ev.SourceEventID,
		})
		if err != nil {
			return collaboratorFailed("process purchase", err)
		}
		return Handled()
	}
}

func activationHandler(c Collaborators) HandlerFunc {
	return func(ctx context.Context, ev types.NormalizedEvent) Outcome {
		if out := missing(
			[2]string{"actor_id", ev.ActorID},
			[2]string{"subscription_id", ev.SubjectID},
		); out != nil {
			return *out
		}
		err := c.ActivateSubscription(ctx, Activation{
			ActorID:        ev.ActorID,
			SubscriptionID: ev.SubjectID,
			PlanID:         ev.PlanID,
			Metadata:       metadataOrEmpty(ev.Metadata),
			SourceEventID:  ev.SourceEventID,
			OccurredAt:     ev.OccurredAt,
		})
		if err != nil {
			return collaboratorFailed("activate subscription", err)
		}
		return Handled()
	}
}

func renewalHandler(c Collaborators) HandlerFunc {
	return func(ctx context.Context, ev types.NormalizedEvent) Outcome {
		if ev.SubjectID == "" {
			return Ignored("invoice is not for a subscription")
		}
		// Invoices say nothing about a scheduled cancellation, so the flag
		// is left as it is.
		err := c.UpdateSubscription(ctx, SubscriptionUpdate{
			SubscriptionID: ev.SubjectID,
			Status:         renewedStatus,
			PeriodEnd:      ev.PeriodEnd,
			SourceEventID:  ev.SourceEventID,
			OccurredAt:     ev.OccurredAt,
		})
		if err != nil {
			return collaboratorFailed("renew subscription", err)
		}
		return Handled()
	}
}

func updateHandler(c Collaborators) HandlerFunc {
	return func(ctx context.Context, ev types.NormalizedEvent) Outcome {
		if out := missing(
			[2]string{"subscription_id", ev.SubjectID},
			[2]string{"status", ev.Status},
		); out != nil {
			return *out
		}
		cancelAtPeriodEnd := ev.CancelAtPeriodEnd
		err := c.UpdateSubscription(ctx, SubscriptionUpdate{
			SubscriptionID:    ev.SubjectID,
			Status:            ev.Status,
			CancelAtPeriodEnd: &cancelAtPeriodEnd,
			PeriodEnd:         ev.PeriodEnd,
			SourceEventID:     ev.SourceEventID,
			OccurredAt:        ev.OccurredAt,
		})
		if err != nil {
			return collaboratorFailed("update subscription", err)
		}
		return Handled()
	}
}

func deactivationHandler(c Collaborators) HandlerFunc {
	return func(ctx context.Context, ev types.NormalizedEvent) Outcome {
		if out := missing([2]string{"subscription_id", ev.SubjectID}); out != nil {
			return *out
		}
		err := c.DeactivateSubscription(ctx, Deactivation{
			ActorID:        ev.ActorID,
			SubscriptionID: ev.SubjectID,
			SourceEventID:  ev.SourceEventID,
			OccurredAt:     ev.OccurredAt,
		})
		if err != nil {
			return collaboratorFailed("deactivate subscription", err)
		}
		return Handled()
	}
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
