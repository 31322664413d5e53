package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"paybridge/internal/types"
)

// adminKeyHeader carries the operator key on admin routes.
const adminKeyHeader = "X-Admin-Key"

// Authenticator resolves a bearer token to the id of the user it was issued
// for. Failures should be AppErrors with an auth_token_* code.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// RequireUser rejects requests without a valid bearer token and stores the
// resolved user id in the request context. Without an Authenticator every
// request is rejected.
func (s *Server) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		if s.Authenticator == nil {
			s.Logger.Error("authenticated route mounted without an authenticator",
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		userID, err := s.Authenticator.Authenticate(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if userID == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithUserID(r.Context(), userID)))
	})
}

// RequireAdminKey guards operator routes with a shared key compared against
// a bcrypt hash. An unset hash rejects every request.
func (s *Server) RequireAdminKey(hash types.SecretString) func(http.Handler) http.Handler {
	hashed := []byte(hash.Unmask())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(adminKeyHeader)
			if key == "" || len(hashed) == 0 {
				s.writeAdminError(w, r)
				return
			}
			if err := bcrypt.CompareHashAndPassword(hashed, []byte(key)); err != nil {
				s.Logger.Warn("admin key rejected",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				s.writeAdminError(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken returns the token of a "Bearer <token>" header value.
// The scheme is matched case-insensitively.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeAuthTokenExpired {
		s.Logger.Warn("authentication failed: token expired",
			slog.String("path", r.URL.Path),
		)
		s.writeAuthError(w, r, types.ErrCodeAuthTokenExpired, "Authentication token has expired")
		return
	}

	s.Logger.Warn("authentication failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="paybridge"`)
	Error(w, r, types.NewAppError(code, message, nil))
}

func (s *Server) writeAdminError(w http.ResponseWriter, r *http.Request) {
	Error(w, r, types.NewAppError(types.ErrCodePermissionAdmin, "a valid admin key is required", nil))
}
