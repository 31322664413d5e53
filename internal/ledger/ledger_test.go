package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLease = time.Minute

// fakeClock is a manually advanced clock shared between a test and a ledger.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ledgerFactory returns a fresh ledger and a function that moves its time
// forward.
type ledgerFactory func(t *testing.T) (Ledger, func(time.Duration))

func backends() map[string]ledgerFactory {
	return map[string]ledgerFactory{
		"memory": func(t *testing.T) (Ledger, func(time.Duration)) {
			clock := newFakeClock()
			return NewMemory(Options{LeaseTTL: testLease, Now: clock.Now}), clock.Advance
		},
		"bolt": func(t *testing.T) (Ledger, func(time.Duration)) {
			clock := newFakeClock()
			l, err := OpenBolt(filepath.Join(t.TempDir(), "ledger.db"), Options{LeaseTTL: testLease, Now: clock.Now})
			require.NoError(t, err)
			t.Cleanup(func() { _ = l.Close() })
			return l, clock.Advance
		},
		"redis": func(t *testing.T) (Ledger, func(time.Duration)) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })

			clock := newFakeClock()
			l := NewRedis(client, RedisOptions{
				Options:   Options{LeaseTTL: testLease, Now: clock.Now},
				Retention: 24 * time.Hour,
			})
			return l, func(d time.Duration) {
				clock.Advance(d)
				mr.FastForward(d)
			}
		},
	}
}

func TestLedger_Backends(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			runLedgerSuite(t, factory)
		})
	}
}

func runLedgerSuite(t *testing.T, factory ledgerFactory) {
	ctx := context.Background()

	t.Run("reserve then duplicate", func(t *testing.T) {
		l, _ := factory(t)

		res, err := l.Reserve(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, Fresh, res.Result)
		assert.NotEmpty(t, res.Token)

		dup, err := l.Reserve(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, Duplicate, dup.Result)
		assert.Empty(t, dup.Token)

		rec, err := l.Get(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, StateInFlight, rec.State)
		assert.Equal(t, "evt_1", rec.Key)
		assert.Equal(t, res.Token, rec.Token)
	})

	t.Run("committed stays duplicate past the lease", func(t *testing.T) {
		l, advance := factory(t)

		res, err := l.Reserve(ctx, "evt_2")
		require.NoError(t, err)
		require.Equal(t, Fresh, res.Result)
		require.NoError(t, l.Commit(ctx, "evt_2", res.Token, "handled"))

		advance(2 * testLease)

		again, err := l.Reserve(ctx, "evt_2")
		require.NoError(t, err)
		assert.Equal(t, Duplicate, again.Result)

		rec, err := l.Get(ctx, "evt_2")
		require.NoError(t, err)
		assert.Equal(t, StateCommitted, rec.State)
		assert.Equal(t, "handled", rec.Outcome)
		assert.NotNil(t, rec.CommittedAt)
	})

	t.Run("commit is idempotent", func(t *testing.T) {
		l, _ := factory(t)

		res, err := l.Reserve(ctx, "evt_3")
		require.NoError(t, err)
		require.NoError(t, l.Commit(ctx, "evt_3", res.Token, "handled"))
		require.NoError(t, l.Commit(ctx, "evt_3", res.Token, "ignored"))

		rec, err := l.Get(ctx, "evt_3")
		require.NoError(t, err)
		assert.Equal(t, "handled", rec.Outcome)
	})

	t.Run("release allows a retry", func(t *testing.T) {
		l, _ := factory(t)

		res, err := l.Reserve(ctx, "evt_4")
		require.NoError(t, err)
		require.NoError(t, l.Release(ctx, "evt_4", res.Token))

		_, err = l.Get(ctx, "evt_4")
		assert.ErrorIs(t, err, ErrNotFound)

		again, err := l.Reserve(ctx, "evt_4")
		require.NoError(t, err)
		assert.Equal(t, Fresh, again.Result)
	})

	t.Run("release does not undo a commit", func(t *testing.T) {
		l, _ := factory(t)

		res, err := l.Reserve(ctx, "evt_5")
		require.NoError(t, err)
		require.NoError(t, l.Commit(ctx, "evt_5", res.Token, "handled"))
		require.NoError(t, l.Release(ctx, "evt_5", res.Token))
		require.NoError(t, l.Release(ctx, "evt_unknown", "tok"))

		again, err := l.Reserve(ctx, "evt_5")
		require.NoError(t, err)
		assert.Equal(t, Duplicate, again.Result)
	})

	t.Run("expired lease is taken over", func(t *testing.T) {
		l, advance := factory(t)

		res, err := l.Reserve(ctx, "evt_6")
		require.NoError(t, err)
		require.Equal(t, Fresh, res.Result)

		advance(testLease - time.Second)
		again, err := l.Reserve(ctx, "evt_6")
		require.NoError(t, err)
		assert.Equal(t, Duplicate, again.Result)

		advance(2 * time.Second)
		again, err = l.Reserve(ctx, "evt_6")
		require.NoError(t, err)
		assert.Equal(t, Fresh, again.Result)
		assert.NotEqual(t, res.Token, again.Token)
	})

	t.Run("stale holder cannot touch the new reservation", func(t *testing.T) {
		l, advance := factory(t)

		first, err := l.Reserve(ctx, "evt_fence")
		require.NoError(t, err)
		advance(2 * testLease)
		second, err := l.Reserve(ctx, "evt_fence")
		require.NoError(t, err)
		require.Equal(t, Fresh, second.Result)

		require.NoError(t, l.Release(ctx, "evt_fence", first.Token))
		assert.ErrorIs(t, l.Commit(ctx, "evt_fence", first.Token, "handled"), ErrLeaseLost)
		assert.ErrorIs(t, l.HandOff(ctx, "evt_fence", first.Token), ErrLeaseLost)

		rec, err := l.Get(ctx, "evt_fence")
		require.NoError(t, err)
		assert.Equal(t, StateInFlight, rec.State)
		assert.Equal(t, second.Token, rec.Token)

		require.NoError(t, l.Commit(ctx, "evt_fence", second.Token, "handled"))
	})

	t.Run("commit after lease expiry still records", func(t *testing.T) {
		l, advance := factory(t)

		res, err := l.Reserve(ctx, "evt_7")
		require.NoError(t, err)
		advance(2 * testLease)

		require.NoError(t, l.Commit(ctx, "evt_7", res.Token, "handled"))

		again, err := l.Reserve(ctx, "evt_7")
		require.NoError(t, err)
		assert.Equal(t, Duplicate, again.Result)
	})

	t.Run("handed off record never expires", func(t *testing.T) {
		l, advance := factory(t)

		res, err := l.Reserve(ctx, "evt_h")
		require.NoError(t, err)
		require.NoError(t, l.HandOff(ctx, "evt_h", res.Token))

		advance(10 * testLease)

		again, err := l.Reserve(ctx, "evt_h")
		require.NoError(t, err)
		assert.Equal(t, Duplicate, again.Result)

		rec, err := l.Get(ctx, "evt_h")
		require.NoError(t, err)
		assert.Equal(t, StateHandedOff, rec.State)
	})

	t.Run("claim lifecycle", func(t *testing.T) {
		l, advance := factory(t)

		c, err := l.Claim(ctx, "evt_missing")
		require.NoError(t, err)
		assert.False(t, c.Claimed())
		assert.Empty(t, c.State)

		res, err := l.Reserve(ctx, "evt_c")
		require.NoError(t, err)

		c, err = l.Claim(ctx, "evt_c")
		require.NoError(t, err)
		assert.False(t, c.Claimed(), "an in-flight reservation is not claimable")
		assert.Equal(t, StateInFlight, c.State)

		require.NoError(t, l.HandOff(ctx, "evt_c", res.Token))
		first, err := l.Claim(ctx, "evt_c")
		require.NoError(t, err)
		require.True(t, first.Claimed())

		c, err = l.Claim(ctx, "evt_c")
		require.NoError(t, err)
		assert.False(t, c.Claimed())
		assert.Equal(t, StateProcessing, c.State)

		// A failed attempt hands the record back for the next queue delivery.
		require.NoError(t, l.HandOff(ctx, "evt_c", first.Token))
		second, err := l.Claim(ctx, "evt_c")
		require.NoError(t, err)
		require.True(t, second.Claimed())

		// A crashed worker's claim is taken over once its lease passes.
		advance(2 * testLease)
		again, err := l.Reserve(ctx, "evt_c")
		require.NoError(t, err)
		assert.Equal(t, Duplicate, again.Result, "a processing record blocks redelivery")

		third, err := l.Claim(ctx, "evt_c")
		require.NoError(t, err)
		require.True(t, third.Claimed())
		assert.ErrorIs(t, l.Commit(ctx, "evt_c", second.Token, "handled"), ErrLeaseLost)

		require.NoError(t, l.Commit(ctx, "evt_c", third.Token, "handled"))
		c, err = l.Claim(ctx, "evt_c")
		require.NoError(t, err)
		assert.False(t, c.Claimed())
		assert.Equal(t, StateCommitted, c.State)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		l, _ := factory(t)

		res, err := l.Reserve(ctx, "evt_claim_race")
		require.NoError(t, err)
		require.NoError(t, l.HandOff(ctx, "evt_claim_race", res.Token))

		const workers = 16
		var claimed atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				c, err := l.Claim(ctx, "evt_claim_race")
				if err == nil && c.Claimed() {
					claimed.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), claimed.Load())
	})

	t.Run("empty key", func(t *testing.T) {
		l, _ := factory(t)

		_, err := l.Reserve(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyKey)
		_, err = l.Claim(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyKey)
	})

	t.Run("concurrent reserve has one winner", func(t *testing.T) {
		l, _ := factory(t)

		const callers = 32
		var fresh atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				res, err := l.Reserve(ctx, "evt_race")
				if err == nil && res.Result == Fresh {
					fresh.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), fresh.Load())
	})

	t.Run("prune removes old committed records", func(t *testing.T) {
		l, advance := factory(t)

		old, err := l.Reserve(ctx, "evt_old")
		require.NoError(t, err)
		require.NoError(t, l.Commit(ctx, "evt_old", old.Token, "handled"))

		advance(time.Hour)

		fresh, err := l.Reserve(ctx, "evt_new")
		require.NoError(t, err)
		require.NoError(t, l.Commit(ctx, "evt_new", fresh.Token, "handled"))

		n, err := l.Prune(ctx, time.Time{})
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = l.Prune(ctx, testEpoch.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = l.Get(ctx, "evt_old")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = l.Get(ctx, "evt_new")
		assert.NoError(t, err)
	})
}
