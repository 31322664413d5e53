package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"paybridge/internal/types"
)

// JWTAuthenticator verifies HS256 tokens issued by the host application.
// The subject claim is the user id.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTAuthenticator returns an authenticator for secret. A non-empty
// issuer is enforced on every token.
func NewJWTAuthenticator(secret types.SecretString, issuer string) (*JWTAuthenticator, error) {
	if !secret.IsSet() {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &JWTAuthenticator{
		secret: []byte(secret.Unmask()),
		issuer: issuer,
		now:    time.Now,
	}, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", types.NewAppError(types.ErrCodeAuthTokenExpired, "token has expired", err)
		}
		return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "token is invalid", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "token has no subject", nil)
	}
	return claims.Subject, nil
}

// IssueToken signs a token for userID valid for ttl. Used by operator
// tooling and tests; production tokens come from the host application.
func (a *JWTAuthenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
