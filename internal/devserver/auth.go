package devserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionCookie = "labcourse_session"

type ctxKey int

const tutorKey ctxKey = iota

// NewSecret returns a random HMAC key for a server that does not persist tokens.
func NewSecret() ([]byte, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	return []byte(base64.RawURLEncoding.EncodeToString(raw)), nil
}

// IssueToken signs a tutor token valid for ttl.
func IssueToken(secret []byte, tutor string, ttl time.Duration) (string, error) {
	tutor = strings.TrimSpace(tutor)
	if tutor == "" {
		return "", errors.New("missing tutor name")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   tutor,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func verifyToken(secret []byte, token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token missing sub")
	}
	return claims.Subject, nil
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// requireTutor rejects requests without a valid token. A bearer token is mirrored into a
// session cookie so cookie-only clients (the push stream) stay authenticated. With an empty
// secret every request is accepted as tutor "dev".
func requireTutor(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tutorKey, "dev")))
				return
			}
			token := tokenFromRequest(r)
			tutor, err := verifyToken(secret, token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if _, err := r.Cookie(sessionCookie); err != nil {
				http.SetCookie(w, &http.Cookie{
					Name:     sessionCookie,
					Value:    token,
					Path:     "/",
					HttpOnly: true,
					SameSite: http.SameSiteStrictMode,
				})
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tutorKey, tutor)))
		})
	}
}

func tutorFrom(ctx context.Context) string {
	if t, ok := ctx.Value(tutorKey).(string); ok {
		return t
	}
	return "unknown"
}
