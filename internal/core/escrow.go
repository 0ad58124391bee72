package core

import (
	"context"
	"fmt"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/funds"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// holdFor places the provider hold for a new leader. The only external call
// made inside a unit; bounded by the hold retry budget.
func (u *unit) holdFor(ctx context.Context, bidderID uuid.UUID, amount decimal.Decimal) (string, error) {
	e := u.engine
	if e.funds == nil {
		return "", nil
	}
	ref, err := funds.HoldWithRetry(ctx, e.funds, bidderID, amount, e.cfg.HoldAttempts, e.cfg.HoldBackoff)
	if e.metrics != nil {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		e.metrics.EscrowOps.WithLabelValues("hold", result).Inc()
	}
	if err != nil {
		u.logger.Warn().
			Err(err).
			Str("bidder_id", bidderID.String()).
			Str("amount", amount.String()).
			Msg("escrow hold failed, bid event discarded")
		return "", fmt.Errorf("%w: %v", auction.ErrEscrowUnavailable, err)
	}
	return ref, nil
}

// moveEscrow refunds the current held row and records a new one backing
// bid. Provider-side refunds are queued on ch and sent after commit.
func (u *unit) moveEscrow(ch *changes, bid *auction.Bid, ref string, at time.Time) {
	u.closeHeld(ch, at, func(*auction.Escrow) bool { return false })

	e := &auction.Escrow{
		ID:          uuid.New(),
		AuctionID:   u.id,
		BidderID:    bid.BidderID,
		BidID:       bid.ID,
		Amount:      bid.Amount,
		Status:      auction.EscrowHeld,
		ProviderRef: ref,
		HeldAt:      at,
	}
	u.escrows = append(u.escrows, e)
	ch.escrow(e)
}

// closeHeld settles every held row: release when keep reports true,
// refund otherwise.
func (u *unit) closeHeld(ch *changes, at time.Time, keep func(*auction.Escrow) bool) {
	for _, e := range u.escrows {
		if e.Status != auction.EscrowHeld {
			continue
		}
		ts := at
		e.ReleasedAt = &ts
		if keep(e) {
			e.Status = auction.EscrowReleased
			ch.releases = append(ch.releases, e.ProviderRef)
		} else {
			e.Status = auction.EscrowRefunded
			ch.refunds = append(ch.refunds, e.ProviderRef)
		}
		ch.escrow(e)
	}
}

// dispatchEscrow sends the provider calls for a committed change set.
func (u *unit) dispatchEscrow(ch *changes) {
	d := u.engine.dispatch
	if d == nil {
		return
	}
	for _, ref := range ch.refunds {
		d.Refund(u.id, ref)
	}
	for _, ref := range ch.releases {
		d.Release(u.id, ref)
	}
}
