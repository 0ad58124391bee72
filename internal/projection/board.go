// Package projection maintains the public live view of every auction the
// engine has touched and fans updates out to websocket subscribers.
package projection

import (
	"sync"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/core"
	"BidLedger/internal/event"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BidView is one entry of an auction's recent bid history.
type BidView struct {
	BidID     uuid.UUID        `json:"bid_id"`
	BidderID  uuid.UUID        `json:"bidder_id"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	IsAutoBid bool             `json:"is_auto_bid"`
	PlacedAt  time.Time        `json:"placed_at"`
}

// AuctionView is the public board entry for one auction. Sealed auctions
// hide the price and leader until they settle; reserve auctions expose only
// whether the reserve is met.
type AuctionView struct {
	AuctionID     uuid.UUID           `json:"auction_id"`
	Type          auction.Type        `json:"type"`
	Status        auction.Status      `json:"status"`
	StartingPrice decimal.Decimal     `json:"starting_price"`
	CurrentPrice  *decimal.Decimal    `json:"current_price,omitempty"`
	NextMinimum   *decimal.Decimal    `json:"next_minimum,omitempty"`
	BuyNowPrice   decimal.NullDecimal `json:"buy_now_price"`
	HasReserve    bool                `json:"has_reserve"`
	ReserveMet    bool                `json:"reserve_met"`
	LeaderID      *uuid.UUID          `json:"leader_id,omitempty"`
	TotalBids     int                 `json:"total_bids"`
	StartsAt      time.Time           `json:"starts_at"`
	EndsAt        time.Time           `json:"ends_at"`
	WinnerID      *uuid.UUID          `json:"winner_id,omitempty"`
	FinalPrice    decimal.NullDecimal `json:"final_price"`
	RecentBids    []BidView           `json:"recent_bids"`
	Sequence      int64               `json:"sequence"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type entry struct {
	listing  auction.Listing
	leader   uuid.UUID
	leading  decimal.Decimal
	recent   *deque.Deque[BidView]
	winner   *uuid.UUID
	final    decimal.NullDecimal
	sequence int64
	updated  time.Time
}

// Board is the in-memory read model. It is rebuilt from events and may lag
// or miss events under load; the event log stays authoritative.
type Board struct {
	mu        sync.RWMutex
	entries   map[uuid.UUID]*entry
	closed    *deque.Deque[uuid.UUID]
	recentCap int
	closedCap int
}

// NewBoard keeps recentCap bids per auction and at most closedCap settled
// or cancelled auctions.
func NewBoard(recentCap, closedCap int) *Board {
	return &Board{
		entries:   make(map[uuid.UUID]*entry),
		closed:    deque.New[uuid.UUID](),
		recentCap: max(recentCap, 1),
		closedCap: max(closedCap, 1),
	}
}

// Apply folds one committed event into the board and returns the updated
// view. Events at or below the stored sequence are ignored.
func (b *Board) Apply(out core.Output) (AuctionView, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := out.Envelope.AuctionID
	e, ok := b.entries[id]
	if !ok {
		if out.Listing == nil {
			return AuctionView{}, false
		}
		e = &entry{recent: deque.New[BidView]()}
		b.entries[id] = e
	}
	if out.Envelope.Sequence <= e.sequence {
		return AuctionView{}, false
	}
	e.sequence = out.Envelope.Sequence
	e.updated = out.Envelope.Timestamp
	if out.Listing != nil {
		e.listing = *out.Listing
	}

	switch evt := out.Event.(type) {
	case *event.BidPlaced:
		e.leader, e.leading = evt.LeaderID, evt.LeadingAmount
		for _, bid := range evt.Bids {
			e.recent.PushBack(BidView{
				BidID:     bid.ID,
				BidderID:  bid.BidderID,
				Amount:    ptr(bid.Amount),
				IsAutoBid: bid.IsAutoBid,
				PlacedAt:  bid.PlacedAt,
			})
			for e.recent.Len() > b.recentCap {
				e.recent.PopFront()
			}
		}
	case *event.AuctionSettled:
		e.winner, e.final = evt.WinnerID, evt.FinalPrice
		b.retire(id)
	case *event.AuctionCancelled:
		b.retire(id)
	}
	return e.view(), true
}

// Load seeds the board from a full auction state, typically after a miss.
func (b *Board) Load(st *auction.State) AuctionView {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[st.Listing.ID]
	if ok && e.sequence >= st.Sequence {
		return e.view()
	}
	e = &entry{listing: *st.Listing.Clone(), recent: deque.New[BidView](), sequence: st.Sequence, updated: st.Listing.UpdatedAt}
	start := max(len(st.Bids)-b.recentCap, 0)
	for _, bid := range st.Bids[start:] {
		e.recent.PushBack(BidView{BidID: bid.ID, BidderID: bid.BidderID, Amount: ptr(bid.Amount), IsAutoBid: bid.IsAutoBid, PlacedAt: bid.PlacedAt})
	}
	for _, bid := range st.Bids {
		if bid.Status == auction.BidWinning || bid.Status == auction.BidWon {
			e.leader, e.leading = bid.BidderID, bid.Amount
		}
	}
	if st.Result != nil {
		w := st.Result.WinnerID
		e.winner, e.final = &w, decimal.NewNullDecimal(st.Result.FinalPrice)
	}
	b.entries[st.Listing.ID] = e
	if st.Listing.Status.Terminal() {
		b.retire(st.Listing.ID)
	}
	return e.view()
}

// Get returns the current view of an auction.
func (b *Board) Get(id uuid.UUID) (AuctionView, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[id]
	if !ok {
		return AuctionView{}, false
	}
	return e.view(), true
}

// Len is the number of auctions on the board.
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// retire queues a closed auction for FIFO eviction. Caller holds mu.
func (b *Board) retire(id uuid.UUID) {
	b.closed.PushBack(id)
	for b.closed.Len() > b.closedCap {
		delete(b.entries, b.closed.PopFront())
	}
}

func (e *entry) view() AuctionView {
	l := &e.listing
	v := AuctionView{
		AuctionID:     l.ID,
		Type:          l.Type,
		Status:        l.Status,
		StartingPrice: l.StartingPrice,
		BuyNowPrice:   l.BuyNowPrice,
		HasReserve:    l.ReservePrice.Valid,
		TotalBids:     l.TotalBids,
		StartsAt:      l.StartsAt,
		EndsAt:        l.EndsAt,
		WinnerID:      e.winner,
		FinalPrice:    e.final,
		Sequence:      e.sequence,
		UpdatedAt:     e.updated,
		RecentBids:    make([]BidView, 0, e.recent.Len()),
	}

	hidden := l.Type == auction.TypeSealed && !l.Status.Terminal()
	if !hidden {
		v.CurrentPrice = ptr(l.CurrentPrice)
		if e.leader != uuid.Nil {
			leader := e.leader
			v.LeaderID = &leader
		}
		v.ReserveMet = l.TotalBids > 0 && l.ReserveMet(e.leading)
		if l.Status == auction.StatusActive && l.Type.Ascending() {
			next := l.StartingPrice
			if l.TotalBids > 0 {
				next = l.NextMinimum()
			}
			v.NextMinimum = &next
		}
	}

	for i := 0; i < e.recent.Len(); i++ {
		bid := e.recent.At(i)
		if hidden {
			bid.Amount = nil
		}
		v.RecentBids = append(v.RecentBids, bid)
	}
	return v
}

func ptr[T any](v T) *T { return &v }
