package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"paybridge/internal/ledger"
	"paybridge/internal/types"
)

// LedgerRepo is the PostgreSQL idempotency ledger. It also archives verified
// webhook payloads for replay.
//
// Reserve is one INSERT ... ON CONFLICT DO UPDATE whose WHERE clause only
// matches an expired in-flight lease, so Postgres row locking serializes
// concurrent reservations of the same event. HandOff, Claim, Commit and
// Release are single statements guarded by the row's token.
type LedgerRepo struct {
	db       DBTX
	leaseTTL time.Duration
	now      func() time.Time
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	logger   *slog.Logger
}

// NewLedgerRepo creates a LedgerRepo. opts.LeaseTTL and opts.Now default as
// in the other ledger backends.
func NewLedgerRepo(db DBTX, opts ledger.Options, logger *slog.Logger) (*LedgerRepo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = ledger.DefaultLeaseTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &LedgerRepo{
		db:       db,
		leaseTTL: opts.LeaseTTL,
		now:      opts.Now,
		encoder:  enc,
		decoder:  dec,
		logger:   logger,
	}, nil
}

// Reserve implements ledger.Ledger.
func (r *LedgerRepo) Reserve(ctx context.Context, key string) (ledger.Reservation, error) {
	if key == "" {
		return ledger.Reservation{}, ledger.ErrEmptyKey
	}
	now := r.now().UTC()
	token := ledger.NewToken()

	tag, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (event_id, state, token, reserved_at, lease_expires_at)
		 VALUES ($1, 'in_flight', $4, $2, $3)
		 ON CONFLICT (event_id) DO UPDATE
		 SET token = EXCLUDED.token,
		     reserved_at = EXCLUDED.reserved_at,
		     lease_expires_at = EXCLUDED.lease_expires_at
		 WHERE webhook_events.state = 'in_flight'
		   AND webhook_events.lease_expires_at <= $2`,
		key,
		now,
		now.Add(r.leaseTTL),
		token,
	)
	if err != nil {
		return ledger.Reservation{}, types.NewAppError(types.ErrCodeInternalDB, "failed to reserve webhook event", err)
	}

	if tag.RowsAffected() == 0 {
		return ledger.Reservation{Result: ledger.Duplicate}, nil
	}
	return ledger.Reservation{Result: ledger.Fresh, Token: token}, nil
}

// HandOff implements ledger.Ledger.
func (r *LedgerRepo) HandOff(ctx context.Context, key, token string) error {
	if key == "" {
		return ledger.ErrEmptyKey
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET state = 'handed_off', lease_expires_at = $3
		 WHERE event_id = $1
		   AND token = $2
		   AND state IN ('in_flight', 'processing')`,
		key,
		token,
		r.now().UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to hand off webhook event", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrLeaseLost
	}
	return nil
}

// Claim implements ledger.Ledger. The UPDATE takes the row lock, so two
// workers racing on one event cannot both match.
func (r *LedgerRepo) Claim(ctx context.Context, key string) (ledger.Claim, error) {
	if key == "" {
		return ledger.Claim{}, ledger.ErrEmptyKey
	}
	now := r.now().UTC()
	token := ledger.NewToken()

	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET state = 'processing', token = $2, lease_expires_at = $4
		 WHERE event_id = $1
		   AND (state = 'handed_off'
		        OR (state = 'processing' AND lease_expires_at <= $3))`,
		key,
		token,
		now,
		now.Add(r.leaseTTL),
	)
	if err != nil {
		return ledger.Claim{}, types.NewAppError(types.ErrCodeInternalDB, "failed to claim webhook event", err)
	}
	if tag.RowsAffected() == 1 {
		return ledger.Claim{Token: token, State: ledger.StateProcessing}, nil
	}

	rec, err := r.Get(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Claim{}, nil
	}
	if err != nil {
		return ledger.Claim{}, err
	}
	return ledger.Claim{State: rec.State}, nil
}

// Commit implements ledger.Ledger.
func (r *LedgerRepo) Commit(ctx context.Context, key, token, outcome string) error {
	if key == "" {
		return ledger.ErrEmptyKey
	}
	now := r.now().UTC()

	tag, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (event_id, state, token, outcome, reserved_at, lease_expires_at, committed_at)
		 VALUES ($1, 'committed', $2, $3, $4, $4, $4)
		 ON CONFLICT (event_id) DO UPDATE
		 SET state = 'committed',
		     outcome = EXCLUDED.outcome,
		     committed_at = EXCLUDED.committed_at
		 WHERE webhook_events.state <> 'committed'
		   AND webhook_events.token = EXCLUDED.token`,
		key,
		token,
		outcome,
		now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit webhook event", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	rec, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec.State == ledger.StateCommitted {
		return nil
	}
	return ledger.ErrLeaseLost
}

// Release implements ledger.Ledger.
func (r *LedgerRepo) Release(ctx context.Context, key, token string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM webhook_events
		 WHERE event_id = $1 AND token = $2 AND state <> 'committed'`,
		key,
		token,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release webhook event", err)
	}
	return nil
}

// Get implements ledger.Ledger.
func (r *LedgerRepo) Get(ctx context.Context, key string) (*ledger.Record, error) {
	var (
		rec     ledger.Record
		state   string
		outcome *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT event_id, state, token, outcome, reserved_at, lease_expires_at, committed_at
		 FROM webhook_events
		 WHERE event_id = $1`,
		key,
	).Scan(&rec.Key, &state, &rec.Token, &outcome, &rec.ReservedAt, &rec.LeaseExpiresAt, &rec.CommittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundEvent, "webhook event not found", ledger.ErrNotFound)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load webhook event", err)
	}

	rec.State = ledger.State(state)
	if outcome != nil {
		rec.Outcome = *outcome
	}
	return &rec, nil
}

// Prune implements ledger.Ledger. Archived payloads received before the
// cutoff are removed in the same pass.
func (r *LedgerRepo) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_events
		 WHERE (state = 'committed' AND committed_at < $1)
		    OR (state = 'handed_off' AND reserved_at < $1)
		    OR (state IN ('in_flight', 'processing') AND lease_expires_at < $1)`,
		olderThan,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune webhook events", err)
	}

	payloads, err := r.db.Exec(ctx,
		`DELETE FROM webhook_payloads WHERE received_at < $1`,
		olderThan,
	)
	if err != nil {
		return tag.RowsAffected(), types.NewAppError(types.ErrCodeInternalDB, "failed to prune webhook payloads", err)
	}

	r.logger.Info("ledger pruned",
		slog.Time("older_than", olderThan),
		slog.Int64("events", tag.RowsAffected()),
		slog.Int64("payloads", payloads.RowsAffected()),
	)
	return tag.RowsAffected(), nil
}

// ArchivePayload stores a compressed copy of a verified payload. The first
// delivery wins; redeliveries carry identical bytes.
func (r *LedgerRepo) ArchivePayload(ctx context.Context, eventID, eventType string, payload []byte) error {
	compressed := r.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))

	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_payloads (event_id, event_type, payload, received_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID,
		eventType,
		compressed,
		r.now().UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to archive webhook payload", err)
	}
	return nil
}

// LoadPayload returns the decompressed payload archived for eventID.
func (r *LedgerRepo) LoadPayload(ctx context.Context, eventID string) ([]byte, error) {
	var compressed []byte
	err := r.db.QueryRow(ctx,
		`SELECT payload FROM webhook_payloads WHERE event_id = $1`,
		eventID,
	).Scan(&compressed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundEvent, "archived payload not found", ledger.ErrNotFound)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load archived payload", err)
	}

	payload, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "archived payload is corrupt", err)
	}
	return payload, nil
}
