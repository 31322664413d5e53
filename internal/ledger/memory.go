package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Ledger. It is only correct when a single
// process receives every delivery.
type Memory struct {
	mu      sync.Mutex
	records map[string]*Record
	opts    Options
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(opts Options) *Memory {
	return &Memory{
		records: make(map[string]*Record),
		opts:    opts.withDefaults(),
	}
}

func (m *Memory) Reserve(_ context.Context, key string) (Reservation, error) {
	if key == "" {
		return Reservation{}, ErrEmptyKey
	}
	now := m.opts.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[key]; ok && !(rec.State == StateInFlight && rec.Expired(now)) {
		return Reservation{Result: Duplicate}, nil
	}
	token := NewToken()
	m.records[key] = &Record{
		Key:            key,
		State:          StateInFlight,
		Token:          token,
		ReservedAt:     now,
		LeaseExpiresAt: now.Add(m.opts.LeaseTTL),
	}
	return Reservation{Result: Fresh, Token: token}, nil
}

func (m *Memory) HandOff(_ context.Context, key, token string) error {
	if key == "" {
		return ErrEmptyKey
	}
	now := m.opts.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || rec.Token != token || (rec.State != StateInFlight && rec.State != StateProcessing) {
		return ErrLeaseLost
	}
	rec.State = StateHandedOff
	rec.LeaseExpiresAt = now
	return nil
}

func (m *Memory) Claim(_ context.Context, key string) (Claim, error) {
	if key == "" {
		return Claim{}, ErrEmptyKey
	}
	now := m.opts.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return Claim{}, nil
	}
	if rec.State != StateHandedOff && !(rec.State == StateProcessing && rec.Expired(now)) {
		return Claim{State: rec.State}, nil
	}
	rec.State = StateProcessing
	rec.Token = NewToken()
	rec.LeaseExpiresAt = now.Add(m.opts.LeaseTTL)
	return Claim{Token: rec.Token, State: StateProcessing}, nil
}

func (m *Memory) Commit(_ context.Context, key, token, outcome string) error {
	now := m.opts.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if key == "" {
		return ErrEmptyKey
	}
	rec, ok := m.records[key]
	if !ok {
		rec = &Record{Key: key, Token: token, ReservedAt: now, LeaseExpiresAt: now}
		m.records[key] = rec
	}
	if rec.State == StateCommitted {
		return nil
	}
	if rec.Token != token {
		return ErrLeaseLost
	}
	rec.State = StateCommitted
	rec.Outcome = outcome
	rec.CommittedAt = &now
	return nil
}

func (m *Memory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[key]; ok && rec.State != StateCommitted && rec.Token == token {
		delete(m.records, key)
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, rec := range m.records {
		if prunable(rec, olderThan) {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}
