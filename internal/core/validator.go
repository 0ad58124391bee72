package core

import (
	"fmt"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/ledger"
	"BidLedger/internal/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Verdict is the admission decision for one manual bid.
type Verdict struct {
	// Price is the amount recorded, which may be lower than offered
	// (buy-now and dutch acceptance record the posted price).
	Price decimal.Decimal
	// BuyNow: the bid met buy_now_price.
	BuyNow bool
	// Immediate: the auction settles in the same turn.
	Immediate bool
}

// ValidateBid applies the admission rules in order. It never mutates state.
func ValidateBid(l *auction.Listing, bids *ledger.BidLedger, bidderID uuid.UUID, amount decimal.Decimal, now time.Time) (Verdict, error) {
	if l.Status != auction.StatusActive {
		return Verdict{}, fmt.Errorf("%w: auction is %s", auction.ErrInvalidState, l.Status)
	}
	if now.After(l.EndsAt) {
		return Verdict{}, fmt.Errorf("%w: ended at %s", auction.ErrAuctionClosed, l.EndsAt.Format(time.RFC3339))
	}
	if !money.Positive(amount) {
		return Verdict{}, fmt.Errorf("%w: amount must be positive", auction.ErrBidTooLow)
	}

	switch l.Type {
	case auction.TypeDutch:
		ask := l.DutchAsk(now)
		if amount.LessThan(ask) {
			return Verdict{}, fmt.Errorf("%w: asking price is %s", auction.ErrBidTooLow, ask)
		}
		return Verdict{Price: ask, Immediate: true}, nil

	case auction.TypeSealed:
		if bids.HasBidFrom(bidderID) {
			return Verdict{}, auction.ErrSealedBidExists
		}
		if amount.LessThan(l.StartingPrice) {
			return Verdict{}, fmt.Errorf("%w: minimum is %s", auction.ErrBidTooLow, l.StartingPrice)
		}
		return Verdict{Price: amount}, nil

	default:
		if leader := bids.Leader(); leader != nil && leader.BidderID == bidderID {
			return Verdict{}, auction.ErrSelfOutbid
		}
		if l.BuyNowPrice.Valid && amount.GreaterThanOrEqual(l.BuyNowPrice.Decimal) {
			return Verdict{Price: l.BuyNowPrice.Decimal, BuyNow: true, Immediate: true}, nil
		}
		if floor := l.NextMinimum(); amount.LessThan(floor) {
			return Verdict{}, fmt.Errorf("%w: minimum is %s", auction.ErrBidTooLow, floor)
		}
		return Verdict{Price: amount}, nil
	}
}
