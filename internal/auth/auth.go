// Package auth resolves panel credential tokens to operator identities.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/craftctl/craftctl/internal/common/config"
	"github.com/craftctl/craftctl/internal/common/logger"
)

const identityKey = "craftctl.identity"

// Identity is the authenticated operator.
type Identity struct {
	Name string `json:"name"`
}

// Authenticator validates a presented token.
type Authenticator interface {
	Authenticate(token string) (Identity, bool)
}

// TokenAuthenticator checks tokens against the configured list.
type TokenAuthenticator struct {
	tokens []config.TokenConfig
}

// NewTokenAuthenticator builds an authenticator from config. Entries with an
// empty token are ignored.
func NewTokenAuthenticator(cfg config.AuthConfig) *TokenAuthenticator {
	tokens := make([]config.TokenConfig, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		if t.Token == "" {
			continue
		}
		if t.Name == "" {
			t.Name = "operator"
		}
		tokens = append(tokens, t)
	}
	return &TokenAuthenticator{tokens: tokens}
}

// Authenticate compares token against every configured token in constant time.
func (a *TokenAuthenticator) Authenticate(token string) (Identity, bool) {
	if token == "" {
		return Identity{}, false
	}
	var (
		match Identity
		found bool
	)
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t.Token)) == 1 {
			match, found = Identity{Name: t.Name}, true
		}
	}
	return match, found
}

// TokenFromRequest reads "Authorization: Bearer <token>", falling back to the
// token query parameter used by websocket clients.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid token and stores the identity
// on both the gin context and the request context.
func Middleware(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := a.Authenticate(TokenFromRequest(c.Request))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(identityKey, identity)
		ctx := context.WithValue(c.Request.Context(), logger.ActorKey, identity.Name)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// FromContext returns the identity stored by Middleware.
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	identity, ok := v.(Identity)
	return identity, ok
}
