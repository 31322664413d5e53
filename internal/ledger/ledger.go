// Package ledger records which provider events have been acted upon.
//
// Every backend implements Reserve as a single atomic operation: under
// concurrent calls for the same key at most one caller observes Fresh. An
// in-flight reservation carries a lease; once the lease expires the key is
// treated as absent so a crashed worker cannot strand an event.
//
// A reservation destined for an asynchronous worker is moved to handed_off
// before the event leaves the process. A handed-off record never expires, so
// a redelivery cannot start a second hand-off. The worker takes it with
// Claim, which is the only way out of handed_off besides Release.
//
// Each reservation and claim carries a token. Commit, Release and HandOff
// act only for the current token holder, so a holder whose lease was taken
// over cannot finalize or delete the newer reservation.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ReserveResult is the outcome of Reserve.
type ReserveResult string

const (
	Fresh     ReserveResult = "fresh"
	Duplicate ReserveResult = "duplicate"
)

// State is the lifecycle state of a record.
type State string

const (
	StateInFlight   State = "in_flight"
	StateHandedOff  State = "handed_off"
	StateProcessing State = "processing"
	StateCommitted  State = "committed"
)

var (
	// ErrNotFound is returned by Get for unknown keys.
	ErrNotFound = errors.New("ledger record not found")
	// ErrEmptyKey is returned for an empty idempotency key.
	ErrEmptyKey = errors.New("ledger key is empty")
	// ErrLeaseLost is returned by Commit and HandOff when the record is held
	// under a different token.
	ErrLeaseLost = errors.New("ledger reservation held by another owner")
)

// Reservation is returned by Reserve. Token is set only for Fresh.
type Reservation struct {
	Result ReserveResult
	Token  string
}

// Claim is returned by Ledger.Claim. Token is set when the caller now holds
// the record; otherwise State reports what blocked it, empty for an absent
// key.
type Claim struct {
	Token string
	State State
}

// Claimed reports whether the claim succeeded.
func (c Claim) Claimed() bool { return c.Token != "" }

// Record is the stored state for one idempotency key.
type Record struct {
	Key            string     `json:"key"`
	State          State      `json:"state"`
	Token          string     `json:"token,omitempty"`
	Outcome        string     `json:"outcome,omitempty"`
	ReservedAt     time.Time  `json:"reserved_at"`
	LeaseExpiresAt time.Time  `json:"lease_expires_at"`
	CommittedAt    *time.Time `json:"committed_at,omitempty"`
}

// Expired reports whether r is a leased record whose lease has passed.
// Handed-off and committed records never expire.
func (r *Record) Expired(now time.Time) bool {
	return (r.State == StateInFlight || r.State == StateProcessing) && !now.Before(r.LeaseExpiresAt)
}

// Ledger is the idempotency store.
type Ledger interface {
	// Reserve atomically checks key and, when absent or an expired in-flight
	// lease, marks it in flight under a new token.
	Reserve(ctx context.Context, key string) (Reservation, error)
	// HandOff moves an in-flight or processing record held under token to
	// handed_off. It returns ErrLeaseLost when token no longer holds it.
	HandOff(ctx context.Context, key, token string) error
	// Claim atomically takes a handed-off record, or a processing record
	// whose lease expired, and marks it processing under a new token.
	Claim(ctx context.Context, key string) (Claim, error)
	// Commit finalizes key with an outcome token. An absent key is committed
	// anyway since the side effect already happened. Committing an already
	// committed key is a no-op. A record held under another token is left
	// alone and ErrLeaseLost is returned.
	Commit(ctx context.Context, key, token, outcome string) error
	// Release removes an uncommitted record held under token. Releasing a
	// committed, unknown or foreign-held key is a no-op.
	Release(ctx context.Context, key, token string) error
	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)
	// Prune deletes committed records committed before olderThan, leased
	// records whose lease expired before it and handed-off records reserved
	// before it. It returns the number removed.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// NewToken returns a fresh reservation token.
func NewToken() string {
	return uuid.NewString()
}

// prunable applies the Prune cutoff to one record.
func prunable(rec *Record, olderThan time.Time) bool {
	switch rec.State {
	case StateCommitted:
		return rec.CommittedAt != nil && rec.CommittedAt.Before(olderThan)
	case StateHandedOff:
		return rec.ReservedAt.Before(olderThan)
	default:
		return rec.LeaseExpiresAt.Before(olderThan)
	}
}

// Options are shared by every backend.
type Options struct {
	// LeaseTTL bounds how long an in-flight reservation blocks redelivery.
	LeaseTTL time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultLeaseTTL is used when Options.LeaseTTL is not positive.
const DefaultLeaseTTL = 5 * time.Minute

func (o Options) withDefaults() Options {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
