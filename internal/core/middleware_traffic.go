package core

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"paybridge/internal/types"
)

// RateLimitResult is the outcome of one IncrementAndCheck call.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimitStore counts requests per key within a window.
type RateLimitStore interface {
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimit limits the wrapped routes per authenticated user. It must run
// after RequireUser. A nil store or a non-positive limit disables it, and
// store errors fail open.
//
// Every limited response carries X-RateLimit-Limit, X-RateLimit-Remaining
// and X-RateLimit-Reset; a 429 also carries Retry-After.
func (s *Server) RateLimit(scope string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.RateLimitStore == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			userID, ok := types.GetUserID(r.Context())
			if !ok || userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := s.RateLimitStore.IncrementAndCheck(r.Context(), scope+":"+userID, limit, window)
			if err != nil {
				s.Logger.Error("rate limit store error",
					slog.String("scope", scope),
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, limit, result)

			if !result.Allowed {
				s.Logger.Warn("rate limit exceeded",
					slog.String("scope", scope),
					slog.String("user_id", userID),
					slog.String("path", r.URL.Path),
				)

				retryAfter := int(time.Until(result.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				Error(w, r, types.NewAppError(
					types.ErrCodeRateLimit,
					"rate limit exceeded, retry after the reset time",
					nil,
				))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, limit int, result RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}
