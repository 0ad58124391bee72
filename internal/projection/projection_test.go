package projection

import (
	"context"
	"sync"
	"testing"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/core"
	"BidLedger/internal/event"
	"BidLedger/internal/fence"
	"BidLedger/internal/funds"
	"BidLedger/internal/money"
	"BidLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listingStore struct {
	mu       sync.Mutex
	listings map[uuid.UUID]*auction.Listing
}

func (s *listingStore) LoadAuction(_ context.Context, id uuid.UUID) (*auction.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, auction.ErrNotFound
	}
	return &auction.State{Listing: l.Clone()}, nil
}

func (s *listingStore) CreateListing(_ context.Context, l *auction.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = l.Clone()
	return nil
}

func (s *listingStore) ListOpen(context.Context) ([]*auction.Listing, error) { return nil, nil }

type driver struct {
	t      *testing.T
	engine *core.Engine
	clock  *core.ManualClock
	out    chan core.Output
}

func newDriver(t *testing.T) *driver {
	t.Helper()
	d := &driver{
		t:     t,
		clock: core.NewManualClock(testutil.Epoch.Add(-time.Hour)),
		out:   make(chan core.Output, 1024),
	}
	d.engine = core.NewEngine(core.DefaultConfig(), core.Deps{
		Store:          &listingStore{listings: map[uuid.UUID]*auction.Listing{}},
		Funds:          funds.NewWallet(money.Zero),
		Fence:          fence.NewMemory(),
		Clock:          d.clock,
		ProjectionChan: d.out,
	})
	t.Cleanup(d.engine.Close)
	return d
}

func (d *driver) open(opts ...testutil.ListingOption) uuid.UUID {
	ctx := context.Background()
	l, err := d.engine.CreateListing(ctx, testutil.NewListing(opts...))
	require.NoError(d.t, err)
	_, err = d.engine.Schedule(ctx, l.ID)
	require.NoError(d.t, err)
	d.clock.Set(l.StartsAt)
	_, err = d.engine.Activate(ctx, l.ID)
	require.NoError(d.t, err)
	return l.ID
}

func (d *driver) bid(id, bidder uuid.UUID, amount string) {
	res, err := d.engine.PlaceBid(context.Background(), core.PlaceBidRequest{AuctionID: id, BidderID: bidder, Amount: money.MustParse(amount)})
	require.NoError(d.t, err)
	require.True(d.t, res.Accepted, res.Reason)
}

func (d *driver) drain() []core.Output {
	var outs []core.Output
	for {
		select {
		case o := <-d.out:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

func TestBoard_EnglishAuction(t *testing.T) {
	d := newDriver(t)
	id := d.open(testutil.WithReserve("180"))
	a, b := uuid.New(), uuid.New()
	d.bid(id, a, "120")
	d.bid(id, b, "150")

	board := NewBoard(10, 10)
	for _, o := range d.drain() {
		board.Apply(o)
	}

	v, ok := board.Get(id)
	require.True(t, ok)
	assert.Equal(t, auction.StatusActive, v.Status)
	require.NotNil(t, v.CurrentPrice)
	assert.Equal(t, "150", v.CurrentPrice.String())
	require.NotNil(t, v.NextMinimum)
	assert.Equal(t, "160", v.NextMinimum.String())
	require.NotNil(t, v.LeaderID)
	assert.Equal(t, b, *v.LeaderID)
	assert.True(t, v.HasReserve)
	assert.False(t, v.ReserveMet)
	assert.Len(t, v.RecentBids, 2)
	assert.Equal(t, 2, v.TotalBids)

	d.bid(id, a, "200")
	for _, o := range d.drain() {
		board.Apply(o)
	}
	v, _ = board.Get(id)
	assert.True(t, v.ReserveMet)
}

func TestBoard_SealedHidesPriceUntilSettled(t *testing.T) {
	d := newDriver(t)
	id := d.open(testutil.WithType(auction.TypeSealed))
	d.bid(id, uuid.New(), "300")
	d.bid(id, uuid.New(), "250")

	board := NewBoard(10, 10)
	for _, o := range d.drain() {
		board.Apply(o)
	}
	v, _ := board.Get(id)
	assert.Nil(t, v.CurrentPrice)
	assert.Nil(t, v.LeaderID)
	require.Len(t, v.RecentBids, 2)
	for _, bid := range v.RecentBids {
		assert.Nil(t, bid.Amount)
	}

	d.clock.Set(testutil.Epoch.Add(time.Hour))
	_, err := d.engine.Settle(context.Background(), id)
	require.NoError(t, err)
	for _, o := range d.drain() {
		board.Apply(o)
	}

	v, _ = board.Get(id)
	assert.Equal(t, auction.StatusEnded, v.Status)
	require.True(t, v.FinalPrice.Valid)
	assert.Equal(t, "300", v.FinalPrice.Decimal.String())
	require.NotNil(t, v.RecentBids[0].Amount)
}

func TestBoard_IgnoresStaleAndEvictsClosed(t *testing.T) {
	d := newDriver(t)
	first := d.open()
	d.bid(first, uuid.New(), "110")
	outs := d.drain()

	board := NewBoard(1, 1)
	for _, o := range outs {
		_, ok := board.Apply(o)
		require.True(t, ok)
	}
	_, ok := board.Apply(outs[0])
	assert.False(t, ok, "replayed event must be ignored")

	for _, id := range []uuid.UUID{first, d.open()} {
		_, err := d.engine.Cancel(context.Background(), id)
		if err != nil {
			// An auction with bids cannot be cancelled; settle it instead.
			d.clock.Set(testutil.Epoch.Add(time.Hour))
			_, err = d.engine.Settle(context.Background(), id)
		}
		require.NoError(t, err)
	}
	for _, o := range d.drain() {
		board.Apply(o)
	}
	_, ok = board.Get(first)
	assert.False(t, ok, "oldest closed auction is evicted")
	assert.Equal(t, 1, board.Len())
}

func TestBoard_LoadFromState(t *testing.T) {
	l := testutil.NewListing(testutil.WithType(auction.TypeSealed))
	l.Status = auction.StatusActive
	l.TotalBids = 1
	st := &auction.State{
		Listing:  l,
		Bids:     []*auction.Bid{{ID: uuid.New(), BidderID: uuid.New(), Amount: money.MustParse("400"), Status: auction.BidWinning}},
		Sequence: 5,
	}

	board := NewBoard(10, 10)
	v := board.Load(st)
	assert.Equal(t, int64(5), v.Sequence)
	assert.Nil(t, v.CurrentPrice)
	require.Len(t, v.RecentBids, 1)
	assert.Nil(t, v.RecentBids[0].Amount)
}

func TestHub_FanOutAndDrop(t *testing.T) {
	hub := NewHub(1, nil)
	id := uuid.New()
	view := AuctionView{AuctionID: id}

	s1 := hub.Subscribe(id, &view)
	s2 := hub.Subscribe(id, nil)
	other := hub.Subscribe(uuid.New(), nil)
	assert.Equal(t, 2, hub.Subscribers(id))

	hub.Publish(Update{Type: "update", Auction: view})

	// s1's buffer still holds the snapshot, so the update is dropped.
	u := <-s1.C
	assert.Equal(t, "snapshot", u.Type)
	select {
	case <-s1.C:
		t.Fatal("s1 should have dropped the update")
	default:
	}
	u = <-s2.C
	assert.Equal(t, "update", u.Type)
	select {
	case <-other.C:
		t.Fatal("update leaked to another auction")
	default:
	}

	s1.Close()
	s1.Close()
	_, open := <-s1.C
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers(id))
}

func TestProjectionWorker_PublishesViews(t *testing.T) {
	d := newDriver(t)
	id := d.open()

	board := NewBoard(10, 10)
	hub := NewHub(16, nil)
	in := make(chan core.Output, 16)
	for _, o := range d.drain() {
		in <- o
	}
	sub := hub.Subscribe(id, nil)
	close(in)

	require.NoError(t, NewProjectionWorker(board, hub, in).Run(context.Background()))

	var events []string
	for len(sub.C) > 0 {
		u := <-sub.C
		events = append(events, u.Event)
	}
	assert.Equal(t, []string{
		event.EventTypeListingCreated.String(),
		event.EventTypeListingScheduled.String(),
		event.EventTypeAuctionActivated.String(),
	}, events)
}
