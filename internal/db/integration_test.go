//go:build integration

package db

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"paybridge/internal/ingest"
	"paybridge/internal/ledger"
	"paybridge/internal/types"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("paybridge"),
		postgres.WithUsername("paybridge"),
		postgres.WithPassword("paybridge"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, MigrateUp("file://../../migrations", dsn))

	pool, err := NewPool(ctx, PoolConfig{URL: dsn, MaxConns: 20})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestIntegration_LedgerRepo(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	repo, err := NewLedgerRepo(pool, ledger.Options{LeaseTTL: time.Minute}, nil)
	require.NoError(t, err)

	t.Run("concurrent reserve has one winner", func(t *testing.T) {
		var fresh atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := repo.Reserve(ctx, "evt_concurrent")
				if err == nil && res.Result == ledger.Fresh {
					fresh.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), fresh.Load())
	})

	t.Run("commit, release and reserve", func(t *testing.T) {
		res, err := repo.Reserve(ctx, "evt_lifecycle")
		require.NoError(t, err)
		require.Equal(t, ledger.Fresh, res.Result)

		require.NoError(t, repo.Release(ctx, "evt_lifecycle", res.Token))
		res, err = repo.Reserve(ctx, "evt_lifecycle")
		require.NoError(t, err)
		require.Equal(t, ledger.Fresh, res.Result)

		require.NoError(t, repo.Commit(ctx, "evt_lifecycle", res.Token, "handled"))
		require.NoError(t, repo.Release(ctx, "evt_lifecycle", res.Token))

		again, err := repo.Reserve(ctx, "evt_lifecycle")
		require.NoError(t, err)
		assert.Equal(t, ledger.Duplicate, again.Result)

		rec, err := repo.Get(ctx, "evt_lifecycle")
		require.NoError(t, err)
		assert.Equal(t, ledger.StateCommitted, rec.State)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		res, err := repo.Reserve(ctx, "evt_claimed")
		require.NoError(t, err)
		require.NoError(t, repo.HandOff(ctx, "evt_claimed", res.Token))

		again, err := repo.Reserve(ctx, "evt_claimed")
		require.NoError(t, err)
		assert.Equal(t, ledger.Duplicate, again.Result)

		var claimed atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c, err := repo.Claim(ctx, "evt_claimed")
				if err == nil && c.Claimed() {
					claimed.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), claimed.Load())
	})

	t.Run("stale token cannot commit", func(t *testing.T) {
		res, err := repo.Reserve(ctx, "evt_fenced")
		require.NoError(t, err)
		require.NoError(t, repo.HandOff(ctx, "evt_fenced", res.Token))
		c, err := repo.Claim(ctx, "evt_fenced")
		require.NoError(t, err)
		require.True(t, c.Claimed())

		assert.ErrorIs(t, repo.Commit(ctx, "evt_fenced", res.Token, "handled"), ledger.ErrLeaseLost)
		require.NoError(t, repo.Release(ctx, "evt_fenced", res.Token))
		require.NoError(t, repo.Commit(ctx, "evt_fenced", c.Token, "handled"))

		rec, err := repo.Get(ctx, "evt_fenced")
		require.NoError(t, err)
		assert.Equal(t, ledger.StateCommitted, rec.State)
	})

	t.Run("archive round trip", func(t *testing.T) {
		payload := []byte(`{"id":"evt_archived","object":"event"}`)
		require.NoError(t, repo.ArchivePayload(ctx, "evt_archived", "invoice.paid", payload))
		got, err := repo.LoadPayload(ctx, "evt_archived")
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})
}

func TestIntegration_AccountRepo(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	repo := NewAccountRepo(pool, nil)

	purchase := ingest.Purchase{
		ActorID: "u1", TransactionID: "cs_1", Amount: types.NewMoney(500, "usd"), SourceEventID: "evt_1",
	}
	require.NoError(t, repo.ProcessPurchase(ctx, purchase))
	purchase.SourceEventID = "evt_1b"
	require.NoError(t, repo.ProcessPurchase(ctx, purchase))

	var grants int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM credit_grants WHERE transaction_id = 'cs_1'`).Scan(&grants))
	assert.Equal(t, 1, grants)

	t0 := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.ActivateSubscription(ctx, ingest.Activation{
		ActorID: "u1", SubscriptionID: "sub_1", PlanID: "pro", SourceEventID: "evt_2", OccurredAt: t0,
	}))
	require.NoError(t, repo.DeactivateSubscription(ctx, ingest.Deactivation{
		SubscriptionID: "sub_1", SourceEventID: "evt_4", OccurredAt: t0.Add(2 * time.Minute),
	}))
	// Delivered late: must not resurrect the subscription.
	require.NoError(t, repo.UpdateSubscription(ctx, ingest.SubscriptionUpdate{
		SubscriptionID: "sub_1", Status: "active", SourceEventID: "evt_3", OccurredAt: t0.Add(time.Minute),
	}))

	var status, userID string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT status, user_id FROM subscriptions WHERE subscription_id = 'sub_1'`,
	).Scan(&status, &userID))
	assert.Equal(t, "canceled", status)
	assert.Equal(t, "u1", userID)
}

func TestIntegration_AccountRepo_OutOfOrderSubscriptionEvents(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	repo := NewAccountRepo(pool, nil)
	t0 := time.Now().UTC().Truncate(time.Second)
	cancel := true

	// The update lands first in the same second as the checkout.
	require.NoError(t, repo.UpdateSubscription(ctx, ingest.SubscriptionUpdate{
		SubscriptionID: "sub_2", Status: "active", CancelAtPeriodEnd: &cancel, SourceEventID: "evt_upd", OccurredAt: t0,
	}))
	require.NoError(t, repo.ActivateSubscription(ctx, ingest.Activation{
		ActorID: "u2", SubscriptionID: "sub_2", PlanID: "pro",
		Metadata: map[string]string{"plan_id": "pro"}, SourceEventID: "evt_act", OccurredAt: t0,
	}))

	// A renewal must not clear the scheduled cancellation.
	periodEnd := t0.AddDate(0, 1, 0)
	require.NoError(t, repo.UpdateSubscription(ctx, ingest.SubscriptionUpdate{
		SubscriptionID: "sub_2", Status: "active", PeriodEnd: &periodEnd, SourceEventID: "evt_inv", OccurredAt: t0.Add(time.Minute),
	}))

	var userID, planID, metadata, lastEventID string
	var cancelAtPeriodEnd bool
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT user_id, plan_id, metadata::text, cancel_at_period_end, last_event_id
		 FROM subscriptions WHERE subscription_id = 'sub_2'`,
	).Scan(&userID, &planID, &metadata, &cancelAtPeriodEnd, &lastEventID))
	assert.Equal(t, "u2", userID)
	assert.Equal(t, "pro", planID)
	assert.JSONEq(t, `{"plan_id":"pro"}`, metadata)
	assert.True(t, cancelAtPeriodEnd)
	assert.Equal(t, "evt_inv", lastEventID)
}
