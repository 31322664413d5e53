package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

var boltBucket = []byte("ledger")

// Bolt is a Ledger stored in a single bolt file. Bolt holds an exclusive file
// lock, so it serves single-host deployments only. Every operation is one
// bolt transaction, which makes Reserve atomic.
type Bolt struct {
	db   *bolt.DB
	opts Options
}

// OpenBolt opens (or creates) the ledger file at path.
func OpenBolt(path string, opts Options) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt ledger %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger bucket: %w", err)
	}

	return &Bolt{db: db, opts: opts.withDefaults()}, nil
}

// Close releases the file lock.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// load decodes the record stored under key, or returns nil.
func load(bucket *bolt.Bucket, key string) (*Record, error) {
	v := bucket.Get([]byte(key))
	if v == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func store(bucket *bolt.Bucket, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(rec.Key), data)
}

func (b *Bolt) Reserve(_ context.Context, key string) (Reservation, error) {
	if key == "" {
		return Reservation{}, ErrEmptyKey
	}
	res := Reservation{Result: Duplicate}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		now := b.opts.Now().UTC()

		existing, err := load(bucket, key)
		if err != nil {
			return err
		}
		if existing != nil && !(existing.State == StateInFlight && existing.Expired(now)) {
			return nil
		}

		token := NewToken()
		err = store(bucket, &Record{
			Key:            key,
			State:          StateInFlight,
			Token:          token,
			ReservedAt:     now,
			LeaseExpiresAt: now.Add(b.opts.LeaseTTL),
		})
		if err != nil {
			return err
		}
		res = Reservation{Result: Fresh, Token: token}
		return nil
	})
	if err != nil {
		return Reservation{}, fmt.Errorf("bolt reserve %s: %w", key, err)
	}
	return res, nil
}

func (b *Bolt) HandOff(_ context.Context, key, token string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		rec, err := load(bucket, key)
		if err != nil {
			return err
		}
		if rec == nil || rec.Token != token || (rec.State != StateInFlight && rec.State != StateProcessing) {
			return ErrLeaseLost
		}
		rec.State = StateHandedOff
		rec.LeaseExpiresAt = b.opts.Now().UTC()
		return store(bucket, rec)
	})
}

func (b *Bolt) Claim(_ context.Context, key string) (Claim, error) {
	if key == "" {
		return Claim{}, ErrEmptyKey
	}
	var claim Claim

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		now := b.opts.Now().UTC()

		rec, err := load(bucket, key)
		if err != nil || rec == nil {
			return err
		}
		if rec.State != StateHandedOff && !(rec.State == StateProcessing && rec.Expired(now)) {
			claim.State = rec.State
			return nil
		}
		rec.State = StateProcessing
		rec.Token = NewToken()
		rec.LeaseExpiresAt = now.Add(b.opts.LeaseTTL)
		if err := store(bucket, rec); err != nil {
			return err
		}
		claim = Claim{Token: rec.Token, State: StateProcessing}
		return nil
	})
	if err != nil {
		return Claim{}, fmt.Errorf("bolt claim %s: %w", key, err)
	}
	return claim, nil
}

func (b *Bolt) Commit(_ context.Context, key, token, outcome string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		now := b.opts.Now().UTC()

		rec, err := load(bucket, key)
		if err != nil {
			return err
		}
		switch {
		case rec == nil:
			rec = &Record{Key: key, Token: token, ReservedAt: now, LeaseExpiresAt: now}
		case rec.State == StateCommitted:
			return nil
		case rec.Token != token:
			return ErrLeaseLost
		}

		rec.State = StateCommitted
		rec.Outcome = outcome
		rec.CommittedAt = &now
		return store(bucket, rec)
	})
}

func (b *Bolt) Release(_ context.Context, key, token string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		rec, err := load(bucket, key)
		if err != nil || rec == nil {
			return err
		}
		if rec.State == StateCommitted || rec.Token != token {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (b *Bolt) Get(_ context.Context, key string) (*Record, error) {
	var rec Record
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *Bolt) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)

		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if prunable(&rec, olderThan) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Keys are deleted after the walk; bolt cursors skip entries when
		// mutated mid-iteration.
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bolt prune: %w", err)
	}
	return n, nil
}
