// Package auth protects the admin HTTP surface with a single signed bearer
// token for the operator running the fleet. There are no accounts, roles,
// or a backing store, only "does this request carry a token this host
// signed".
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned by ValidateToken for any token that does
	// not parse or verify against the configured secret.
	ErrInvalidToken = errors.New("invalid token")
)

type contextKey string

// OperatorContextKey is the request context key Middleware stores the
// validated claims under.
const OperatorContextKey contextKey = "operator"

// Claims identifies the operator token holder. There is exactly one
// operator per host process; Subject exists so a token can be revoked by
// rotating the secret without otherwise changing the claim shape.
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// GenerateToken issues an operator bearer token signed with secret, valid
// for 30 days. fleetctl and other operator tooling call this once and reuse
// the token; there is no refresh flow.
func GenerateToken(secret []byte, subject string) (string, error) {
	claims := &Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(30 * 24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken verifies tokenString against secret and returns its claims.
func ValidateToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware validates the Authorization header's bearer token against
// secret. When secret is empty, auth is skipped entirely (local-dev mode).
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := ValidateToken(secret, parts[1])
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), OperatorContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext retrieves the validated claims a successful Middleware check
// stored on the request context.
func FromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(OperatorContextKey).(*Claims)
	return claims
}
