// Package auth guards mutating routes with HS256 bearer tokens.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("authentication required: bearer token")
	ErrForbidden    = errors.New("missing required scope")
)

// Verifier checks bearer tokens signed with a shared secret. A Verifier with no secret
// accepts every request.
type Verifier struct {
	secret     []byte
	writeScope string
}

func NewVerifier(secret, writeScope string) *Verifier {
	if writeScope == "" {
		writeScope = "training:write"
	}
	return &Verifier{secret: []byte(secret), writeScope: writeScope}
}

func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// VerifyRequest requires a token whose space separated scope claim, or roles array,
// contains the write scope.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	if !v.Enabled() {
		return nil
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ErrMissingToken
	}
	token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("token parse error: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid claims")
	}
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			if s == v.writeScope {
				return nil
			}
		}
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, role := range roles {
			if s, ok := role.(string); ok && s == v.writeScope {
				return nil
			}
		}
	}
	return ErrForbidden
}

// RequireWrite rejects unauthenticated requests with 401 and under-scoped ones with 403.
func (v *Verifier) RequireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.VerifyRequest(r); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrForbidden) {
				status = http.StatusForbidden
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}
