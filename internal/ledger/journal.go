package ledger

import (
	"fmt"

	"BidLedger/internal/auction"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BidLedger is the append-only record of admitted bids for one auction.
// Not thread-safe: owned by the auction's serialization unit.
type BidLedger struct {
	auctionID uuid.UUID
	bids      []*auction.Bid
	byID      map[uuid.UUID]*auction.Bid
	byBidder  map[uuid.UUID][]*auction.Bid
}

func NewBidLedger(auctionID uuid.UUID) *BidLedger {
	return &BidLedger{
		auctionID: auctionID,
		byID:      make(map[uuid.UUID]*auction.Bid),
		byBidder:  make(map[uuid.UUID][]*auction.Bid),
	}
}

// RestoreBidLedger rebuilds a ledger from persisted bids ordered by sequence.
func RestoreBidLedger(auctionID uuid.UUID, bids []*auction.Bid) (*BidLedger, error) {
	l := NewBidLedger(auctionID)
	for i, b := range bids {
		if b.Sequence != int64(i+1) {
			return nil, fmt.Errorf("bid %s has sequence %d, want %d", b.ID, b.Sequence, i+1)
		}
		l.index(b)
	}
	return l, nil
}

// Append adds a bid, assigning its ledger sequence. Bids are never removed.
func (l *BidLedger) Append(b *auction.Bid) error {
	if b.AuctionID != l.auctionID {
		return fmt.Errorf("bid %s belongs to auction %s, not %s", b.ID, b.AuctionID, l.auctionID)
	}
	if _, dup := l.byID[b.ID]; dup {
		return fmt.Errorf("bid %s already recorded", b.ID)
	}
	b.Sequence = int64(len(l.bids) + 1)
	l.index(b)
	return nil
}

func (l *BidLedger) index(b *auction.Bid) {
	l.bids = append(l.bids, b)
	l.byID[b.ID] = b
	l.byBidder[b.BidderID] = append(l.byBidder[b.BidderID], b)
}

// Leader returns the bid currently marked winning, or nil.
func (l *BidLedger) Leader() *auction.Bid {
	for i := len(l.bids) - 1; i >= 0; i-- {
		if l.bids[i].Status == auction.BidWinning {
			return l.bids[i]
		}
	}
	return nil
}

// Get returns a bid by id.
func (l *BidLedger) Get(id uuid.UUID) (*auction.Bid, bool) {
	b, ok := l.byID[id]
	return b, ok
}

// HasBidFrom reports whether the bidder has any bid in the ledger.
func (l *BidLedger) HasBidFrom(bidderID uuid.UUID) bool {
	return len(l.byBidder[bidderID]) > 0
}

// Highest returns the highest bid, earliest on ties. Used for sealed
// auctions where ledger order is not price order.
func (l *BidLedger) Highest() *auction.Bid {
	var best *auction.Bid
	for _, b := range l.bids {
		if b.Status == auction.BidCancelled {
			continue
		}
		if best == nil || b.Amount.GreaterThan(best.Amount) {
			best = b
		}
	}
	return best
}

// LeadingAmount returns the leader's amount, or zero when there is no leader.
func (l *BidLedger) LeadingAmount() decimal.Decimal {
	if b := l.Leader(); b != nil {
		return b.Amount
	}
	return decimal.Zero
}

// Bids returns the ledger in sequence order. Callers must not mutate it.
func (l *BidLedger) Bids() []*auction.Bid {
	return l.bids
}

func (l *BidLedger) Len() int {
	return len(l.bids)
}
