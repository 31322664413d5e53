package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"paybridge/internal/ingest"
	"paybridge/internal/types"
)

// --- AccountRepo Tests ---

func TestAccountRepo_ProcessPurchase(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepo(db, nil)

	db.On("Exec", mock.Anything, sqlContains("INSERT INTO credit_grants"),
		[]any{"u1", "cs_1", int64(500), "usd", map[string]string{}, "stripe", "evt_1"},
	).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.ProcessPurchase(context.Background(), ingest.Purchase{
		ActorID:       "u1",
		TransactionID: "cs_1",
		Amount:        types.NewMoney(500, "usd"),
		SourceEventID: "evt_1",
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestAccountRepo_ProcessPurchase_AlreadyGranted(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	err := repo.ProcessPurchase(context.Background(), ingest.Purchase{
		ActorID: "u1", TransactionID: "cs_1", Amount: types.NewMoney(500, "usd"),
	})
	assert.NoError(t, err, "a second grant for the same session is a no-op")
}

func TestAccountRepo_ProcessPurchase_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.ProcessPurchase(context.Background(), ingest.Purchase{ActorID: "u1", TransactionID: "cs_1"})
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestAccountRepo_ActivateSubscription(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepo(db, nil)
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	db.On("Exec", mock.Anything, sqlContains("INSERT INTO subscriptions"),
		[]any{"sub_1", "u1", "pro", "active", map[string]string{"plan_id": "pro"}, at, "evt_1"},
	).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.ActivateSubscription(context.Background(), ingest.Activation{
		ActorID:        "u1",
		SubscriptionID: "sub_1",
		PlanID:         "pro",
		Metadata:       map[string]string{"plan_id": "pro"},
		SourceEventID:  "evt_1",
		OccurredAt:     at,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestAccountRepo_ActivateSubscription_MergesIntoNewerRow(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepo(db, nil)

	// One statement: a row written first by a newer event still receives the
	// owner, plan and metadata.
	db.On("Exec", mock.Anything, sqlContains("COALESCE(NULLIF(subscriptions.plan_id, ''), EXCLUDED.plan_id)"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()

	err := repo.ActivateSubscription(context.Background(), ingest.Activation{
		ActorID: "u1", SubscriptionID: "sub_1", PlanID: "pro", OccurredAt: time.Now(),
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
	db.AssertNumberOfCalls(t, "Exec", 1)
}

func TestAccountRepo_UpdateSubscription(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepo(db, nil)
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	end := at.AddDate(0, 1, 0)
	cancel := true

	db.On("Exec", mock.Anything, sqlContains("subscriptions.status <> 'canceled'"),
		[]any{"sub_1", "past_due", &cancel, &end, at, "evt_2"},
	).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.UpdateSubscription(context.Background(), ingest.SubscriptionUpdate{
		SubscriptionID:    "sub_1",
		Status:            "past_due",
		CancelAtPeriodEnd: &cancel,
		PeriodEnd:         &end,
		SourceEventID:     "evt_2",
		OccurredAt:        at,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestAccountRepo_UpdateSubscription_NilCancelFlagKeepsStored(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepo(db, nil)
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	db.On("Exec", mock.Anything, sqlContains("COALESCE($3::boolean, subscriptions.cancel_at_period_end)"),
		[]any{"sub_1", "active", (*bool)(nil), (*time.Time)(nil), at, "evt_inv"},
	).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.UpdateSubscription(context.Background(), ingest.SubscriptionUpdate{
		SubscriptionID: "sub_1", Status: "active", SourceEventID: "evt_inv", OccurredAt: at,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestAccountRepo_UpdateSubscription_StaleIsNoOp(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	err := repo.UpdateSubscription(context.Background(), ingest.SubscriptionUpdate{
		SubscriptionID: "sub_1", Status: "active", OccurredAt: time.Now(),
	})
	assert.NoError(t, err)
}

func TestAccountRepo_DeactivateSubscription(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepo(db, nil)
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	db.On("Exec", mock.Anything, sqlContains("INSERT INTO subscriptions"),
		[]any{"sub_1", "u1", "canceled", at, "evt_3"},
	).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.DeactivateSubscription(context.Background(), ingest.Deactivation{
		ActorID: "u1", SubscriptionID: "sub_1", SourceEventID: "evt_3", OccurredAt: at,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}
