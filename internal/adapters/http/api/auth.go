package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const workerIDKey = contextKey("workerID")

// Authenticator issues and checks HS256 bearer tokens whose subject is a
// worker id.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. ttl <= 0 issues tokens valid
// for 24 hours.
func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for workerID.
func (a *Authenticator) Issue(workerID string) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   workerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify checks a token's signature and expiry and returns its subject.
func (a *Authenticator) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", errors.Join(ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// token's worker id on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(authz, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "unauthorized", Message: "missing bearer token"})
			return
		}
		sub, err := a.Verify(strings.TrimSpace(strings.TrimPrefix(authz, "Bearer ")))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "unauthorized", Message: "invalid token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), workerIDKey, sub)))
	})
}

// authorize checks that the authenticated worker, if any, is workerID.
func authorize(ctx context.Context, workerID string) error {
	sub, ok := ctx.Value(workerIDKey).(string)
	if ok && sub != workerID {
		return ErrForbidden
	}
	return nil
}
