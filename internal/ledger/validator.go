package ledger

import (
	"fmt"

	"BidLedger/internal/auction"

	"github.com/shopspring/decimal"
)

// InvariantValidator checks the auction invariants that must hold after
// every committed event.
type InvariantValidator struct{}

func NewInvariantValidator() *InvariantValidator {
	return &InvariantValidator{}
}

// Validate runs every check against one auction's state.
func (v *InvariantValidator) Validate(l *auction.Listing, bids []*auction.Bid, rules []*auction.AutoBidRule, escrows []*auction.Escrow) error {
	if err := v.ValidateSingleWinning(bids); err != nil {
		return err
	}
	if err := v.ValidateSingleHeld(escrows); err != nil {
		return err
	}
	if l.Type.Ascending() {
		if err := v.ValidateIncrements(l, bids); err != nil {
			return err
		}
	}
	if err := v.ValidateRuleCeilings(bids, rules); err != nil {
		return err
	}
	return v.ValidateHeldBacksLeader(bids, escrows)
}

// ValidateSingleWinning: at most one bid per auction is winning or won.
func (v *InvariantValidator) ValidateSingleWinning(bids []*auction.Bid) error {
	n := 0
	for _, b := range bids {
		if b.Status == auction.BidWinning || b.Status == auction.BidWon {
			n++
		}
	}
	if n > 1 {
		return fmt.Errorf("%d bids marked winning", n)
	}
	return nil
}

// ValidateSingleHeld: at most one escrow is held per auction.
func (v *InvariantValidator) ValidateSingleHeld(escrows []*auction.Escrow) error {
	n := 0
	for _, e := range escrows {
		if e.Status == auction.EscrowHeld {
			n++
		}
	}
	if n > 1 {
		return fmt.Errorf("%d escrows held", n)
	}
	return nil
}

// ValidateIncrements: every ascending bid clears the previous one by at
// least the increment, and current_price never falls below the last bid.
// A bid at exactly buy_now_price only has to exceed the previous bid.
func (v *InvariantValidator) ValidateIncrements(l *auction.Listing, bids []*auction.Bid) error {
	prev := decimal.Zero
	for i, b := range bids {
		if b.Status == auction.BidCancelled {
			continue
		}
		buyNow := l.BuyNowPrice.Valid && b.Amount.Equal(l.BuyNowPrice.Decimal) && b.Amount.GreaterThan(prev)
		if i > 0 && !buyNow && b.Amount.LessThan(prev.Add(l.BidIncrement)) {
			return fmt.Errorf("bid %d amount %s below %s + increment %s", b.Sequence, b.Amount, prev, l.BidIncrement)
		}
		prev = b.Amount
	}
	if len(bids) > 0 && l.CurrentPrice.LessThan(prev) {
		return fmt.Errorf("current_price %s below last bid %s", l.CurrentPrice, prev)
	}
	return nil
}

// ValidateRuleCeilings: no auto-bid exceeds its bidder's rule ceiling.
func (v *InvariantValidator) ValidateRuleCeilings(bids []*auction.Bid, rules []*auction.AutoBidRule) error {
	for _, b := range bids {
		if !b.IsAutoBid || !b.MaxAutoBid.Valid {
			continue
		}
		if b.Amount.GreaterThan(b.MaxAutoBid.Decimal) {
			return fmt.Errorf("auto-bid %d amount %s exceeds ceiling %s", b.Sequence, b.Amount, b.MaxAutoBid.Decimal)
		}
	}
	return nil
}

// ValidateHeldBacksLeader: a held escrow must back the current leading bid.
func (v *InvariantValidator) ValidateHeldBacksLeader(bids []*auction.Bid, escrows []*auction.Escrow) error {
	var leader *auction.Bid
	for _, b := range bids {
		if b.Status == auction.BidWinning {
			leader = b
		}
	}
	for _, e := range escrows {
		if e.Status != auction.EscrowHeld {
			continue
		}
		if leader == nil {
			return fmt.Errorf("escrow %s held with no leading bid", e.ID)
		}
		if e.BidID != leader.ID || !e.Amount.Equal(leader.Amount) {
			return fmt.Errorf("escrow %s backs bid %s, leader is %s", e.ID, e.BidID, leader.ID)
		}
	}
	return nil
}
