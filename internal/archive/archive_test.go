package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/ledger"
	"BidLedger/internal/persistence"
	"BidLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource struct {
	mu       sync.Mutex
	snaps    []*persistence.Snapshot
	events   map[uuid.UUID][]persistence.EventRow
	archived map[uuid.UUID]time.Time
}

func (s *memSource) ListUnarchived(_ context.Context, limit int) ([]*persistence.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*persistence.Snapshot
	for _, snap := range s.snaps {
		if _, ok := s.archived[snap.AuctionID]; !ok && len(out) < limit {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *memSource) LoadEvents(_ context.Context, id uuid.UUID) ([]persistence.EventRow, error) {
	return s.events[id], nil
}

func (s *memSource) MarkArchived(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived[id] = at
	return nil
}

type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func (b *memBucket) Put(_ context.Context, key string, data []byte) error {
	if b.fail {
		return errors.New("bucket unavailable")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

// chain builds a valid n-event log for id and its closing snapshot.
func chain(id uuid.UUID, n int) ([]persistence.EventRow, *persistence.Snapshot) {
	prev := ledger.Genesis(id)
	events := make([]persistence.EventRow, n)
	for i := range events {
		payload := []byte(`{"n":` + string(rune('0'+i)) + `}`)
		hash := ledger.ChainLink(prev, int64(i+1), payload)
		events[i] = persistence.EventRow{
			AuctionID: id,
			Sequence:  int64(i + 1),
			Payload:   payload,
			PrevHash:  append([]byte(nil), prev[:]...),
			StateHash: append([]byte(nil), hash[:]...),
		}
		prev = hash
	}
	snap := &persistence.Snapshot{
		AuctionID: id,
		Sequence:  int64(n),
		StateHash: append([]byte(nil), prev[:]...),
		State:     &auction.State{Listing: testutil.NewListing()},
		CreatedAt: testutil.Epoch,
	}
	return events, snap
}

func newSource() *memSource {
	return &memSource{events: map[uuid.UUID][]persistence.EventRow{}, archived: map[uuid.UUID]time.Time{}}
}

func TestArchiver_UploadsVerifiedAuctions(t *testing.T) {
	src := newSource()
	good, bad := uuid.New(), uuid.New()

	events, snap := chain(good, 4)
	src.events[good], src.snaps = events, append(src.snaps, snap)

	badEvents, badSnap := chain(bad, 3)
	badEvents[1].Payload = []byte(`{"tampered":true}`)
	src.events[bad], src.snaps = badEvents, append(src.snaps, badSnap)

	bucket := &memBucket{objects: map[string][]byte{}}
	a := NewArchiver(src, bucket, time.Minute, 10, 2, nil)

	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, ok := bucket.objects[Key(good, testutil.Epoch)]
	require.True(t, ok)
	var bundle Bundle
	require.NoError(t, json.Unmarshal(data, &bundle))
	assert.Len(t, bundle.Events, 4)
	assert.Equal(t, snap.StateHash, bundle.ChainTip)

	assert.Contains(t, src.archived, good)
	assert.NotContains(t, src.archived, bad, "a broken chain is never archived")
}

func TestArchiver_RetriesAfterUploadFailure(t *testing.T) {
	src := newSource()
	id := uuid.New()
	events, snap := chain(id, 2)
	src.events[id], src.snaps = events, []*persistence.Snapshot{snap}

	bucket := &memBucket{objects: map[string][]byte{}, fail: true}
	a := NewArchiver(src, bucket, time.Minute, 10, 1, nil)

	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, src.archived)

	bucket.fail = false
	n, err = a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestKey(t *testing.T) {
	id := uuid.MustParse("7d3c0f4e-6a52-4f7e-9d61-2f1f9f0a1b2c")
	assert.Equal(t, "auctions/2026/03/7d3c0f4e-6a52-4f7e-9d61-2f1f9f0a1b2c.json", Key(id, testutil.Epoch))
}
