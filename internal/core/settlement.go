package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/event"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// settle closes the auction exactly once. Guarded in order by the unit's
// settled flag, the cross-process fence, and the UNIQUE result row.
func (u *unit) settle(ctx context.Context, at time.Time) (SettleResult, error) {
	l := u.listing
	if u.settled || l.Status == auction.StatusEnded {
		return SettleResult{}, auction.ErrSettlementAlreadyRun
	}
	if l.Status != auction.StatusActive {
		return SettleResult{}, fmt.Errorf("%w: cannot settle from %s", auction.ErrInvalidState, l.Status)
	}
	if !u.settleDue && at.Before(l.EndsAt) {
		// Extended since the deadline was armed.
		return SettleResult{EndsAt: l.EndsAt}, nil
	}

	if f := u.engine.fence; f != nil {
		ok, err := f.Acquire(ctx, u.id)
		if err != nil {
			return SettleResult{}, err
		}
		if !ok {
			return SettleResult{}, u.fenceClaimed(ctx)
		}
	}

	winner := u.ledger.Leader()
	if l.Type == auction.TypeSealed {
		winner = u.ledger.Highest()
	}

	if err := l.End(at); err != nil {
		return SettleResult{}, err
	}

	ch := &changes{}
	reserveMet := winner != nil && l.ReserveMet(winner.Amount)
	sold := winner != nil && reserveMet

	evt := &event.AuctionSettled{
		AuctionID:  u.id,
		ReserveMet: reserveMet,
		BuyNow:     u.buyNow,
		TotalBids:  l.TotalBids,
		SettledAt:  at,
	}
	res := SettleResult{Settled: true, ReserveMet: reserveMet, EndsAt: l.EndsAt}

	if sold {
		winnerID, bidID := winner.BidderID, winner.ID
		l.WinnerID = &winnerID
		l.WinningBidID = &bidID
		l.CurrentPrice = winner.Amount

		u.result = &auction.Result{
			ID:            uuid.New(),
			AuctionID:     u.id,
			WinnerID:      winnerID,
			WinningBidID:  bidID,
			FinalPrice:    winner.Amount,
			PaymentStatus: auction.PaymentPending,
			SettledAt:     at,
		}
		ch.result = u.result

		evt.WinnerID = &winnerID
		evt.WinningBidID = &bidID
		evt.FinalPrice = decimal.NewNullDecimal(winner.Amount)
		res.WinnerID = &winnerID
		res.FinalPrice = evt.FinalPrice
	}

	for _, b := range u.ledger.Bids() {
		switch {
		case sold && b == winner:
			b.Status = auction.BidWon
		case b.Status == auction.BidCancelled || b.Status == auction.BidOutbid:
			continue
		default:
			b.Status = auction.BidOutbid
		}
		ch.bid(b)
	}

	u.closeHeld(ch, at, func(e *auction.Escrow) bool {
		return sold && e.BidID == winner.ID
	})

	for _, r := range u.rules {
		if r.IsActive {
			r.IsActive = false
			ch.rule(r)
		}
	}

	u.settled = true
	u.commit(ctx, evt, at, ch, true)

	outcome := "sold"
	switch {
	case winner == nil:
		outcome = "no_bids"
	case !reserveMet:
		outcome = "reserve_not_met"
	}
	if m := u.engine.metrics; m != nil {
		m.Settlements.WithLabelValues(outcome).Inc()
	}
	ev := u.logger.Info().Str("outcome", outcome).Int("total_bids", l.TotalBids)
	if sold {
		ev = ev.Str("winner_id", winner.BidderID.String()).Str("final_price", winner.Amount.String())
	}
	ev.Msg("auction settled")

	u.retire()
	return res, nil
}

// errFenceHeld means another claimant holds the settlement fence but no
// settlement has reached the store yet. The deadline stays armed.
var errFenceHeld = errors.New("settlement fence held without a durable settlement")

// fenceClaimed decides what a lost fence claim means. Only a durably ended
// listing or a stored result retires the unit; otherwise the claimant may
// have died before its batch was flushed.
func (u *unit) fenceClaimed(ctx context.Context) error {
	st, err := u.engine.store.LoadAuction(ctx, u.id)
	if err != nil {
		return fmt.Errorf("check durable settlement: %w", err)
	}
	if st.Result != nil || st.Listing.Status == auction.StatusEnded {
		u.settled = true
		u.logger.Info().Msg("settled elsewhere, retiring unit")
		u.retire()
		return auction.ErrSettlementAlreadyRun
	}
	u.logger.Error().Bool("alert", true).Msg("settlement fence claimed but nothing settled in store")
	if m := u.engine.metrics; m != nil {
		m.Settlements.WithLabelValues("fence_held").Inc()
	}
	return fmt.Errorf("%w: %s", errFenceHeld, u.id)
}
