package middleware

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type authCtxKey int

const operatorKey authCtxKey = 7

type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

var configuredSecret []byte

// SetSecret installs the signing secret from configuration. Falls back to the
// env var / dev default when never called (tests, tools).
func SetSecret(secret string) {
	if strings.TrimSpace(secret) != "" {
		configuredSecret = []byte(secret)
	}
}

func secret() []byte {
	if len(configuredSecret) > 0 {
		return configuredSecret
	}
	s := os.Getenv("RATERHUB_JWT_SECRET")
	if s == "" {
		s = "raterhub-dev-secret"
	}
	return []byte(s)
}

func SignToken(email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{Email: email, RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now), ExpiresAt: jwt.NewNumericDate(now.Add(ttl))}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret())
}

func parseToken(tok string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tok, &Claims{}, func(token *jwt.Token) (interface{}, error) { return secret(), nil })
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*Claims); ok && t.Valid {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

// WithAuth attaches operator claims to the context when a valid Authorization
// header is present. Rater session tokens are not JWTs and pass through
// untouched.
func WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			if c, err := parseToken(tok); err == nil {
				ctx := context.WithValue(r.Context(), operatorKey, c)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireOperator guards operator-only endpoints such as the reconciliation
// trigger.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(operatorKey).(*Claims); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func OperatorFromContext(ctx context.Context) (string, bool) {
	if c, ok := ctx.Value(operatorKey).(*Claims); ok && c.Email != "" {
		return c.Email, true
	}
	return "", false
}
