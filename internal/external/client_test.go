package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"paybridge/internal/types"
)

// recordWaits collects backoff durations instead of sleeping.
type recordWaits struct {
	waits []time.Duration
}

func (r *recordWaits) wait(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func noWait(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	t.Helper()
	opts = append([]BaseClientOption{WithWaitFunc(noWait)}, opts...)
	return NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-breaker",
		policy,
		"paybridge-test/1.0",
		opts...,
	)
}

func mustRequest(t *testing.T, ctx context.Context, method, url, body string) *http.Request {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	return req
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())

	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, ""))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDo_InjectsHeaders(t *testing.T) {
	var requestID, userAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID = r.Header.Get("X-Request-ID")
		userAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())

	ctx := types.WithRequestID(context.Background(), "req-abc-123")
	resp, err := client.Do(mustRequest(t, ctx, http.MethodGet, server.URL, ""))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	resp.Body.Close()

	if requestID != "req-abc-123" {
		t.Errorf("expected request id 'req-abc-123', got '%s'", requestID)
	}
	if userAgent != "paybridge-test/1.0" {
		t.Errorf("expected User-Agent 'paybridge-test/1.0', got '%s'", userAgent)
	}
}

func TestDo_RetriesOn5xxAndReplaysBody(t *testing.T) {
	var calls atomic.Int32
	var bodies []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	waits := &recordWaits{}
	client := newTestClient(t, RetryPolicy{MaxRetries: 3, MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond},
		WithWaitFunc(waits.wait))

	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodPost, server.URL, "mode=payment"))
	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	resp.Body.Close()

	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
	if len(waits.waits) != 2 {
		t.Errorf("expected 2 waits, got %d", len(waits.waits))
	}
	for i, b := range bodies {
		if b != "mode=payment" {
			t.Errorf("attempt %d saw body %q", i, b)
		}
	}
}

func TestDo_ExhaustedRetriesMapToUpstream(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   types.ErrorCode
	}{
		{"server error", http.StatusServiceUnavailable, types.ErrCodeUpstreamUnavailable},
		{"rate limited", http.StatusTooManyRequests, types.ErrCodeUpstreamRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := newTestClient(t, RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond})

			_, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, ""))
			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected AppError, got %T: %v", err, err)
			}
			if appErr.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, appErr.Code)
			}
			if got := calls.Load(); got != 3 {
				t.Errorf("expected 3 attempts, got %d", got)
			}
		})
	}
}

func TestDo_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t, DefaultRetryPolicy())

	resp, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, ""))
	if err != nil {
		t.Fatalf("4xx should be returned as a response, got error: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
}

func TestDo_BreakerOpensAndShortCircuits(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, RetryPolicy{MaxRetries: 0},
		WithBreakerSettings("tight", BreakerSettings{ConsecutiveFailures: 1, OpenTimeout: time.Minute}))

	for i := 0; i < 2; i++ {
		_, _ = client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, ""))
	}
	before := calls.Load()

	_, err := client.Do(mustRequest(t, context.Background(), http.MethodGet, server.URL, ""))
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeUpstreamUnavailable {
		t.Errorf("expected %s, got %s", types.ErrCodeUpstreamUnavailable, appErr.Code)
	}
	if calls.Load() != before {
		t.Error("open breaker should not reach the server")
	}
}

func TestDo_StopsWhenContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(t, RetryPolicy{MaxRetries: 5, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		WithWaitFunc(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}))

	_, err := client.Do(mustRequest(t, ctx, http.MethodGet, server.URL, ""))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
}

func TestComputeBackoff(t *testing.T) {
	c := newTestClient(t, RetryPolicy{MaxRetries: 3, MinWait: 100 * time.Millisecond, MaxWait: time.Second})

	t.Run("retry-after seconds is capped", func(t *testing.T) {
		resp := &http.Response{Header: http.Header{"Retry-After": []string{"30"}}}
		if got := c.computeBackoff(0, resp); got != time.Second {
			t.Errorf("expected cap of 1s, got %v", got)
		}
	})

	t.Run("retry-after seconds within cap", func(t *testing.T) {
		c := newTestClient(t, RetryPolicy{MinWait: time.Millisecond, MaxWait: time.Minute})
		resp := &http.Response{Header: http.Header{"Retry-After": []string{"2"}}}
		if got := c.computeBackoff(0, resp); got != 2*time.Second {
			t.Errorf("expected 2s, got %v", got)
		}
	})

	t.Run("exponential stays in bounds", func(t *testing.T) {
		for attempt := 0; attempt < 6; attempt++ {
			got := c.computeBackoff(attempt, nil)
			if got < 100*time.Millisecond || got > time.Second {
				t.Errorf("attempt %d: backoff %v out of bounds", attempt, got)
			}
		}
	})
}
