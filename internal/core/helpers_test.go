package core_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/core"
	"BidLedger/internal/fence"
	"BidLedger/internal/funds"
	"BidLedger/internal/money"
	"BidLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// memStore keeps the latest listing checkpoint per auction.
type memStore struct {
	mu       sync.Mutex
	listings map[uuid.UUID]*auction.Listing
}

func newMemStore() *memStore {
	return &memStore{listings: make(map[uuid.UUID]*auction.Listing)}
}

func (s *memStore) LoadAuction(_ context.Context, id uuid.UUID) (*auction.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", auction.ErrNotFound, id)
	}
	return &auction.State{Listing: l.Clone()}, nil
}

func (s *memStore) CreateListing(_ context.Context, l *auction.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[l.ID]; ok {
		return fmt.Errorf("listing %s exists", l.ID)
	}
	s.listings[l.ID] = l.Clone()
	return nil
}

func (s *memStore) ListOpen(context.Context) ([]*auction.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auction.Listing
	for _, l := range s.listings {
		if l.Status == auction.StatusScheduled || l.Status == auction.StatusActive {
			out = append(out, l.Clone())
		}
	}
	return out, nil
}

func (s *memStore) apply(out core.Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.listings[out.Listing.ID]; !ok || out.Listing.Version >= cur.Version {
		s.listings[out.Listing.ID] = out.Listing.Clone()
	}
}

// syncDispatcher runs escrow actions inline so tests can assert wallet state.
type syncDispatcher struct {
	provider funds.Provider
	mu       sync.Mutex
	releases []string
	refunds  []string
}

func (d *syncDispatcher) Release(_ uuid.UUID, ref string) {
	d.mu.Lock()
	d.releases = append(d.releases, ref)
	d.mu.Unlock()
	_ = d.provider.Release(context.Background(), ref)
}

func (d *syncDispatcher) Refund(_ uuid.UUID, ref string) {
	d.mu.Lock()
	d.refunds = append(d.refunds, ref)
	d.mu.Unlock()
	_ = d.provider.Refund(context.Background(), ref)
}

type harness struct {
	t        *testing.T
	engine   *core.Engine
	clock    *core.ManualClock
	store    *memStore
	wallet   *funds.Wallet
	dispatch *syncDispatcher
	persist  chan core.Output
	outputs  []core.Output
}

func newHarness(t *testing.T, configure ...func(*core.Config, *core.Deps)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   core.NewManualClock(testutil.Epoch.Add(-time.Hour)),
		store:   newMemStore(),
		wallet:  funds.NewWallet(money.Zero),
		persist: make(chan core.Output, 16384),
	}
	h.dispatch = &syncDispatcher{provider: h.wallet}

	cfg := core.DefaultConfig()
	cfg.HoldBackoff = time.Millisecond
	cfg.SettleAcquireTimeout = 50 * time.Millisecond
	cfg.RegistryShards = 4
	deps := core.Deps{
		Store:       h.store,
		Funds:       h.wallet,
		Dispatcher:  h.dispatch,
		Fence:       fence.NewMemory(),
		Clock:       h.clock,
		PersistChan: h.persist,
	}
	for _, c := range configure {
		c(&cfg, &deps)
	}
	h.engine = core.NewEngine(cfg, deps)
	t.Cleanup(h.engine.Close)
	return h
}

// open creates, schedules and activates a listing at testutil.Epoch.
func (h *harness) open(opts ...testutil.ListingOption) uuid.UUID {
	h.t.Helper()
	ctx := context.Background()
	l, err := h.engine.CreateListing(ctx, testutil.NewListing(opts...))
	require.NoError(h.t, err)
	_, err = h.engine.Schedule(ctx, l.ID)
	require.NoError(h.t, err)
	h.clock.Set(l.StartsAt)
	_, err = h.engine.Activate(ctx, l.ID)
	require.NoError(h.t, err)
	return l.ID
}

func (h *harness) bid(auctionID, bidderID uuid.UUID, amount string) core.BidResult {
	h.t.Helper()
	res, err := h.engine.PlaceBid(context.Background(), core.PlaceBidRequest{
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    money.MustParse(amount),
	})
	require.NoError(h.t, err)
	return res
}

func (h *harness) autoBid(auctionID, bidderID uuid.UUID, max string) uuid.UUID {
	h.t.Helper()
	id, err := h.engine.RegisterAutoBid(context.Background(), core.AutoBidRequest{
		AuctionID: auctionID,
		BidderID:  bidderID,
		MaxAmount: money.MustParse(max),
	})
	require.NoError(h.t, err)
	return id
}

func (h *harness) state(auctionID uuid.UUID) *auction.State {
	h.t.Helper()
	st, err := h.engine.Snapshot(context.Background(), auctionID)
	require.NoError(h.t, err)
	return st
}

// drain collects every Output emitted so far and applies listing
// checkpoints to the store. Emission completes before a command replies,
// so this is deterministic after a call returns.
func (h *harness) drain() []core.Output {
	for {
		select {
		case out := <-h.persist:
			h.store.apply(out)
			h.outputs = append(h.outputs, out)
		default:
			return h.outputs
		}
	}
}

// final returns the closing state emitted for the auction.
func (h *harness) final(auctionID uuid.UUID) *auction.State {
	h.t.Helper()
	for _, out := range h.drain() {
		if out.Final != nil && out.Listing.ID == auctionID {
			return out.Final
		}
	}
	h.t.Fatalf("no final state emitted for %s", auctionID)
	return nil
}

func leader(st *auction.State) *auction.Bid {
	for _, b := range st.Bids {
		if b.Status == auction.BidWinning || b.Status == auction.BidWon {
			return b
		}
	}
	return nil
}

func heldEscrows(st *auction.State) []*auction.Escrow {
	var out []*auction.Escrow
	for _, e := range st.Escrows {
		if e.Status == auction.EscrowHeld {
			out = append(out, e)
		}
	}
	return out
}
