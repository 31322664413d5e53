package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paybridge/internal/types"
)

func money(minor int64, currency string) *types.Money {
	m := types.NewMoney(minor, currency)
	return &m
}

func TestDispatch_Routes(t *testing.T) {
	periodEnd := testNow.AddDate(0, 1, 0)

	tests := []struct {
		name   string
		event  types.NormalizedEvent
		verify func(t *testing.T, c *recordingCollaborators)
	}{
		{
			name: "purchase",
			event: types.NormalizedEvent{
				DomainType: types.DomainPurchaseCompleted, SourceEventID: "evt_1",
				ActorID: "u1", TransactionID: "cs_1", Amount: money(500, "usd"), Currency: "usd",
			},
			verify: func(t *testing.T, c *recordingCollaborators) {
				require.Len(t, c.purchases, 1)
				p := c.purchases[0]
				assert.Equal(t, "u1", p.ActorID)
				assert.Equal(t, "cs_1", p.TransactionID)
				assert.Equal(t, "5.00", p.Amount.Major())
				assert.Equal(t, "usd", p.Amount.Currency)
				assert.Equal(t, map[string]string{}, p.Metadata)
				assert.Equal(t, "evt_1", p.SourceEventID)
			},
		},
		{
			name: "activation",
			event: types.NormalizedEvent{
				DomainType: types.DomainSubscriptionCreated, SourceEventID: "evt_2",
				ActorID: "u1", SubjectID: "sub_1", PlanID: "pro", Metadata: map[string]string{"plan_id": "pro"},
			},
			verify: func(t *testing.T, c *recordingCollaborators) {
				require.Len(t, c.activations, 1)
				assert.Equal(t, "sub_1", c.activations[0].SubscriptionID)
				assert.Equal(t, "pro", c.activations[0].PlanID)
			},
		},
		{
			name: "renewal",
			event: types.NormalizedEvent{
				DomainType: types.DomainSubscriptionRenewed, SourceEventID: "evt_3",
				SubjectID: "sub_1", PeriodEnd: &periodEnd,
			},
			verify: func(t *testing.T, c *recordingCollaborators) {
				require.Len(t, c.updates, 1)
				assert.Equal(t, "active", c.updates[0].Status)
				assert.Equal(t, &periodEnd, c.updates[0].PeriodEnd)
				assert.Nil(t, c.updates[0].CancelAtPeriodEnd, "renewal leaves a scheduled cancellation alone")
			},
		},
		{
			name: "update",
			event: types.NormalizedEvent{
				DomainType: types.DomainSubscriptionUpdated, SourceEventID: "evt_4",
				SubjectID: "sub_1", Status: "past_due", CancelAtPeriodEnd: true,
			},
			verify: func(t *testing.T, c *recordingCollaborators) {
				require.Len(t, c.updates, 1)
				assert.Equal(t, "past_due", c.updates[0].Status)
				require.NotNil(t, c.updates[0].CancelAtPeriodEnd)
				assert.True(t, *c.updates[0].CancelAtPeriodEnd)
			},
		},
		{
			name: "deactivation",
			event: types.NormalizedEvent{
				DomainType: types.DomainSubscriptionCanceled, SourceEventID: "evt_5",
				SubjectID: "sub_1", ActorID: "u1",
			},
			verify: func(t *testing.T, c *recordingCollaborators) {
				require.Len(t, c.deactivations, 1)
				assert.Equal(t, "sub_1", c.deactivations[0].SubscriptionID)
				assert.Equal(t, "u1", c.deactivations[0].ActorID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &recordingCollaborators{}
			out := NewDispatcher(c, nil).Dispatch(context.Background(), tt.event)

			assert.Equal(t, OutcomeHandled, out.Kind)
			assert.Equal(t, 1, c.calls(), "exactly one collaborator call")
			tt.verify(t, c)
		})
	}
}

func TestDispatch_Ignored(t *testing.T) {
	c := &recordingCollaborators{}
	d := NewDispatcher(c, nil)

	out := d.Dispatch(context.Background(), types.NormalizedEvent{DomainType: types.DomainUnrecognized, RawType: "charge.refunded"})
	assert.Equal(t, OutcomeIgnored, out.Kind)
	assert.Contains(t, out.Reason, "charge.refunded")

	out = d.Dispatch(context.Background(), types.NormalizedEvent{
		DomainType: types.DomainPurchaseCompleted, Status: "unpaid",
		ActorID: "u1", TransactionID: "cs_1", Amount: money(500, "usd"), Currency: "usd",
	})
	assert.Equal(t, OutcomeIgnored, out.Kind)

	out = d.Dispatch(context.Background(), types.NormalizedEvent{DomainType: types.DomainSubscriptionRenewed})
	assert.Equal(t, OutcomeIgnored, out.Kind)

	assert.Zero(t, c.calls())
}

func TestDispatch_NoHandlerRegistered(t *testing.T) {
	out := NewDispatcher(nil, nil).Dispatch(context.Background(), types.NormalizedEvent{
		DomainType: types.DomainSubscriptionCanceled, SubjectID: "sub_1",
	})
	assert.Equal(t, OutcomeIgnored, out.Kind)
}

func TestDispatch_MissingFieldsFailWithoutCalling(t *testing.T) {
	c := &recordingCollaborators{}
	d := NewDispatcher(c, nil)

	out := d.Dispatch(context.Background(), types.NormalizedEvent{
		DomainType: types.DomainPurchaseCompleted, TransactionID: "cs_1", Currency: "usd", Amount: money(1, "usd"),
	})
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, "missing actor_id", out.Reason)

	out = d.Dispatch(context.Background(), types.NormalizedEvent{
		DomainType: types.DomainPurchaseCompleted, ActorID: "u1", TransactionID: "cs_1", Currency: "usd",
	})
	assert.Equal(t, "missing amount", out.Reason)

	out = d.Dispatch(context.Background(), types.NormalizedEvent{DomainType: types.DomainSubscriptionCreated})
	assert.Equal(t, "missing actor_id, subscription_id", out.Reason)

	assert.Zero(t, c.calls())
}

func TestDispatch_CollaboratorErrorAndPanic(t *testing.T) {
	ev := types.NormalizedEvent{DomainType: types.DomainSubscriptionCanceled, SubjectID: "sub_1"}

	out := NewDispatcher(&recordingCollaborators{err: errCollaborator}, nil).Dispatch(context.Background(), ev)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Contains(t, out.Reason, "collaborator unavailable")

	out = NewDispatcher(&recordingCollaborators{panicWith: "boom"}, nil).Dispatch(context.Background(), ev)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Contains(t, out.Reason, "boom")
}

func TestDispatch_CustomHandler(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.Handle(types.DomainSubscriptionUpdated, func(context.Context, types.NormalizedEvent) Outcome {
		return Ignored("paused")
	})

	out := d.Dispatch(context.Background(), types.NormalizedEvent{DomainType: types.DomainSubscriptionUpdated})
	assert.Equal(t, Ignored("paused"), out)
}

func TestOutcome_Token(t *testing.T) {
	assert.Equal(t, "handled", Handled().Token())
	assert.Equal(t, "ignored: payment pending", Ignored("payment pending").Token())
	assert.Equal(t, "failed: x", Failed("x").Token())
}
