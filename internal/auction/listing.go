package auction

import (
	"fmt"
	"time"

	"BidLedger/internal/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Validate checks the static fields of a listing.
func (l *Listing) Validate() error {
	if l.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", ErrInvalidListing)
	}
	if !l.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidListing, l.Type)
	}
	if !money.Positive(l.StartingPrice) {
		return fmt.Errorf("%w: starting_price must be positive", ErrInvalidListing)
	}
	if !money.Positive(l.BidIncrement) {
		return fmt.Errorf("%w: bid_increment must be positive", ErrInvalidListing)
	}
	if !l.StartsAt.Before(l.EndsAt) {
		return fmt.Errorf("%w: starts_at must precede ends_at", ErrInvalidListing)
	}
	if l.ReservePrice.Valid && l.ReservePrice.Decimal.Sign() < 0 {
		return fmt.Errorf("%w: reserve_price must not be negative", ErrInvalidListing)
	}
	if l.BuyNowPrice.Valid && !l.BuyNowPrice.Decimal.GreaterThan(l.StartingPrice) {
		return fmt.Errorf("%w: buy_now_price must exceed starting_price", ErrInvalidListing)
	}
	if l.BuyNowPrice.Valid && l.ReservePrice.Valid && l.BuyNowPrice.Decimal.LessThan(l.ReservePrice.Decimal) {
		return fmt.Errorf("%w: buy_now_price must not be below reserve_price", ErrInvalidListing)
	}
	if l.AutoExtend && l.ExtendMinutes <= 0 {
		return fmt.Errorf("%w: extend_minutes must be positive when auto_extend is set", ErrInvalidListing)
	}
	if l.Type == TypeDutch {
		if !money.Positive(l.PriceDropAmount) || l.PriceDropInterval <= 0 {
			return fmt.Errorf("%w: dutch auctions need price_drop_amount and price_drop_interval", ErrInvalidListing)
		}
		if l.BuyNowPrice.Valid {
			return fmt.Errorf("%w: dutch auctions do not take buy_now_price", ErrInvalidListing)
		}
	}
	return nil
}

// Schedule moves a draft listing to scheduled.
func (l *Listing) Schedule(now time.Time) error {
	if l.Status != StatusDraft {
		return fmt.Errorf("%w: cannot schedule from %s", ErrInvalidState, l.Status)
	}
	if err := l.Validate(); err != nil {
		return err
	}
	l.Status = StatusScheduled
	l.Touch(now)
	return nil
}

// Activate opens a scheduled listing for bidding.
func (l *Listing) Activate(now time.Time) error {
	if l.Status != StatusScheduled {
		return fmt.Errorf("%w: cannot activate from %s", ErrInvalidState, l.Status)
	}
	if !now.Before(l.EndsAt) {
		return fmt.Errorf("%w: ends_at already passed", ErrInvalidState)
	}
	l.Status = StatusActive
	if l.CurrentPrice.IsZero() {
		l.CurrentPrice = l.StartingPrice
	}
	l.Touch(now)
	return nil
}

// End closes an active listing. Winner fields are set by the caller.
func (l *Listing) End(now time.Time) error {
	if l.Status != StatusActive {
		return fmt.Errorf("%w: cannot end from %s", ErrInvalidState, l.Status)
	}
	l.Status = StatusEnded
	l.Touch(now)
	return nil
}

// Cancel withdraws the listing. Active listings may only be cancelled before
// the first bid.
func (l *Listing) Cancel(now time.Time) error {
	switch l.Status {
	case StatusDraft, StatusScheduled:
	case StatusActive:
		if l.TotalBids > 0 {
			return ErrAlreadyHasBids
		}
	default:
		return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidState, l.Status)
	}
	l.Status = StatusCancelled
	l.Touch(now)
	return nil
}

// ExtendTo moves ends_at forward. It never moves it back.
func (l *Listing) ExtendTo(t time.Time) bool {
	if !t.After(l.EndsAt) {
		return false
	}
	l.EndsAt = t
	return true
}

// ExtendWindow is extend_minutes as a duration.
func (l *Listing) ExtendWindow() time.Duration {
	return time.Duration(l.ExtendMinutes) * time.Minute
}

// ReserveMet reports whether amount satisfies the reserve, if any.
func (l *Listing) ReserveMet(amount decimal.Decimal) bool {
	if !l.ReservePrice.Valid {
		return true
	}
	return money.MeetsFloor(amount, l.ReservePrice.Decimal)
}

// NextMinimum is the lowest admissible amount for the next ascending bid.
func (l *Listing) NextMinimum() decimal.Decimal {
	return l.CurrentPrice.Add(l.BidIncrement)
}

// DutchAsk returns the descending asking price at now. The price drops by
// PriceDropAmount every PriceDropInterval since StartsAt and stops at the
// larger of the reserve and one increment.
func (l *Listing) DutchAsk(now time.Time) decimal.Decimal {
	ask := l.StartingPrice
	if l.PriceDropInterval > 0 && now.After(l.StartsAt) {
		steps := int64(now.Sub(l.StartsAt) / l.PriceDropInterval)
		ask = ask.Sub(l.PriceDropAmount.Mul(decimal.NewFromInt(steps)))
	}
	floor := l.BidIncrement
	if l.ReservePrice.Valid {
		floor = money.Max(floor, l.ReservePrice.Decimal)
	}
	return money.Max(ask, floor)
}

// Clone returns a deep copy.
func (l *Listing) Clone() *Listing {
	cp := *l
	if l.WinnerID != nil {
		w := *l.WinnerID
		cp.WinnerID = &w
	}
	if l.WinningBidID != nil {
		b := *l.WinningBidID
		cp.WinningBidID = &b
	}
	return &cp
}

// Touch stamps UpdatedAt and bumps Version for a committed change.
func (l *Listing) Touch(now time.Time) {
	l.UpdatedAt = now
	l.Version++
}
