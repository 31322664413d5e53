package core

import (
	"context"
	"sync"
	"time"
)

// MockAuthenticator implements Authenticator for tests. AuthenticateFunc
// takes precedence over UserID and Err.
type MockAuthenticator struct {
	UserID           string
	Err              error
	AuthenticateFunc func(ctx context.Context, token string) (string, error)

	mu    sync.Mutex
	Calls []string
}

func (m *MockAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(ctx, token)
	}
	if m.Err != nil {
		return "", m.Err
	}
	return m.UserID, nil
}

// MockRateLimitStore implements RateLimitStore for tests.
type MockRateLimitStore struct {
	Result RateLimitResult
	Err    error

	mu    sync.Mutex
	Calls []MockRateLimitCall
}

// MockRateLimitCall records the arguments of one IncrementAndCheck call.
type MockRateLimitCall struct {
	Key    string
	Limit  int
	Window time.Duration
}

func (m *MockRateLimitStore) IncrementAndCheck(_ context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockRateLimitCall{Key: key, Limit: limit, Window: window})
	m.mu.Unlock()

	if m.Err != nil {
		return RateLimitResult{}, m.Err
	}
	return m.Result, nil
}

// Compile-time interface assertions.
var (
	_ Authenticator  = (*MockAuthenticator)(nil)
	_ RateLimitStore = (*MockRateLimitStore)(nil)
	_ Authenticator  = (*JWTAuthenticator)(nil)
	_ RateLimitStore = (*MemoryRateLimitStore)(nil)
	_ RateLimitStore = (*RedisRateLimitStore)(nil)
)
