// Package authentication guards the MCP endpoints with bearer tokens.
package authentication

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrInvalidToken           = errors.New("invalid token")
	ErrTokenExpired           = errors.New("token expired")
)

const bearerPrefix = "Bearer "

// Guard validates the Authorization header of incoming requests.
//
// In production a token is accepted when it equals the shared secret or is a token
// signed with it (see NewBearerToken). Outside production any well formed bearer
// token is accepted.
type Guard struct {
	secret     string
	production bool
}

func NewGuard(secret string, production bool) *Guard {
	return &Guard{secret: secret, production: production}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(h http.Header) (string, bool) {
	v := h.Get("Authorization")
	if len(v) <= len(bearerPrefix) || !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(v[len(bearerPrefix):])
	return token, token != ""
}

// Authenticate returns nil when r carries an acceptable bearer token.
func (g *Guard) Authenticate(r *http.Request) error {
	token, ok := BearerToken(r.Header)
	if !ok {
		return ErrAuthenticationRequired
	}
	if !g.production {
		return nil
	}
	return g.check(token)
}

func (g *Guard) check(token string) error {
	if g.secret == "" {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(g.secret)) == 1 {
		return nil
	}
	return ValidateToken(g.secret, token)
}
