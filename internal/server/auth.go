package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"TradeLedger/internal/apperr"

	"github.com/google/uuid"
)

// Authenticator resolves a bearer token to the user it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (uuid.UUID, error)
}

// StaticTokenAuthenticator serves a fixed token table. Meant for development
// and tests; production deployments put a real identity provider behind the
// same interface.
type StaticTokenAuthenticator struct {
	tokens map[string]uuid.UUID
}

// NewStaticTokenAuthenticator parses a token -> user id table.
func NewStaticTokenAuthenticator(tokens map[string]string) (*StaticTokenAuthenticator, error) {
	a := &StaticTokenAuthenticator{tokens: make(map[string]uuid.UUID, len(tokens))}
	for token, raw := range tokens {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: token user id %q: %v", apperr.ErrValidation, raw, err)
		}
		if token == "" || id == uuid.Nil {
			return nil, fmt.Errorf("%w: empty token or nil user id", apperr.ErrValidation)
		}
		a.tokens[token] = id
	}
	return a, nil
}

func (a *StaticTokenAuthenticator) Authenticate(_ context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, fmt.Errorf("%w: missing bearer token", apperr.ErrUnauthenticated)
	}
	id, ok := a.tokens[token]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: unknown token", apperr.ErrUnauthenticated)
	}
	return id, nil
}

// bearerToken reads "Authorization: Bearer <t>". Browsers cannot set headers
// on a websocket handshake, so the token query parameter is accepted too.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// adminAuthorized checks the X-Admin-Token header. An empty configured token
// disables admin routes.
func adminAuthorized(r *http.Request, adminToken string) bool {
	if adminToken == "" {
		return false
	}
	got := r.Header.Get("X-Admin-Token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(adminToken)) == 1
}
