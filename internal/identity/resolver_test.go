package identity_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"BidLedger/internal/identity"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerResolver(t *testing.T) {
	id := uuid.New()
	got, err := identity.BearerResolver{}.Resolve(context.Background(), "Bearer "+id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	for _, cred := range []string{"", "Basic abc", "Bearer not-a-uuid", "Bearer " + uuid.Nil.String()} {
		_, err := identity.BearerResolver{}.Resolve(context.Background(), cred)
		assert.ErrorIs(t, err, identity.ErrUnauthenticated, cred)
	}
}

func TestChain_FallsBackToTokenTable(t *testing.T) {
	svc := uuid.New()
	r := identity.Chain{identity.BearerResolver{}, identity.NewTokenTable(map[string]uuid.UUID{"svc-key": svc})}

	got, err := r.Resolve(context.Background(), "Bearer svc-key")
	require.NoError(t, err)
	assert.Equal(t, svc, got)

	_, err = r.Resolve(context.Background(), "Bearer other")
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}

func TestFromRequest_QueryToken(t *testing.T) {
	id := uuid.New()
	req := httptest.NewRequest("GET", "/ws/auctions/x?access_token="+id.String(), nil)
	got, err := identity.FromRequest(context.Background(), identity.BearerResolver{}, req)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = identity.FromRequest(context.Background(), identity.BearerResolver{}, httptest.NewRequest("GET", "/", nil))
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)
}
