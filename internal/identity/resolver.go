// Package identity maps transport credentials to bidder ids.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver turns a raw credential into a bidder id.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (uuid.UUID, error)
}

// BearerResolver trusts "Bearer <bidder-uuid>". Development only; it is the
// seam where a real identity provider plugs in.
type BearerResolver struct{}

func (BearerResolver) Resolve(_ context.Context, credential string) (uuid.UUID, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(credential), "Bearer ")
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: expected bearer credential", ErrUnauthenticated)
	}
	id, err := uuid.Parse(strings.TrimSpace(token))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: malformed bearer token", ErrUnauthenticated)
	}
	return id, nil
}

// TokenTable resolves opaque API tokens from a static table, e.g. loaded
// from config for service-to-service callers.
type TokenTable struct {
	mu     sync.RWMutex
	tokens map[string]uuid.UUID
}

func NewTokenTable(tokens map[string]uuid.UUID) *TokenTable {
	t := &TokenTable{tokens: make(map[string]uuid.UUID, len(tokens))}
	for k, v := range tokens {
		t.tokens[k] = v
	}
	return t
}

func (t *TokenTable) Add(token string, bidderID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[token] = bidderID
}

func (t *TokenTable) Resolve(_ context.Context, credential string) (uuid.UUID, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(credential), "Bearer "))
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.tokens[token]
	if !ok {
		return uuid.Nil, ErrUnauthenticated
	}
	return id, nil
}

// Chain tries each resolver in order and returns the first success.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, credential string) (uuid.UUID, error) {
	for _, r := range c {
		if id, err := r.Resolve(ctx, credential); err == nil {
			return id, nil
		}
	}
	return uuid.Nil, ErrUnauthenticated
}

// FromRequest resolves the Authorization header, falling back to the
// access_token query parameter used by browser websocket clients.
func FromRequest(ctx context.Context, r Resolver, req *http.Request) (uuid.UUID, error) {
	cred := req.Header.Get("Authorization")
	if cred == "" {
		if tok := req.URL.Query().Get("access_token"); tok != "" {
			cred = "Bearer " + tok
		}
	}
	if cred == "" {
		return uuid.Nil, ErrUnauthenticated
	}
	return r.Resolve(ctx, cred)
}
