// Package auth protects the admin API with a bearer token whose bcrypt hash
// is the only form of it the gateway stores.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidHash  = errors.New("admin token hash is not a bcrypt hash")
)

type TokenVerifier struct {
	hash []byte
}

// NewTokenVerifier accepts the bcrypt hash of the admin token, as produced by
// HashToken or `htpasswd -bnBC 12`.
func NewTokenVerifier(hash string) (*TokenVerifier, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return &TokenVerifier{hash: []byte(hash)}, nil
}

func (v *TokenVerifier) Verify(token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// RequireToken rejects requests without a valid bearer token.
func (v *TokenVerifier) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Verify(ExtractBearerToken(r)); err != nil {
			slog.Warn("admin request rejected", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
