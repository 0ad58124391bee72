package funds

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet is an in-memory Provider with a credit limit per bidder. Used for
// local runs and tests.
type Wallet struct {
	mu           sync.Mutex
	defaultLimit decimal.Decimal
	limits       map[uuid.UUID]decimal.Decimal
	held         map[uuid.UUID]decimal.Decimal
	captured     map[uuid.UUID]decimal.Decimal
	holds        map[string]walletHold
}

type walletHold struct {
	bidderID uuid.UUID
	amount   decimal.Decimal
}

// NewWallet creates a wallet. Bidders without an explicit limit get
// defaultLimit; a zero defaultLimit means unlimited.
func NewWallet(defaultLimit decimal.Decimal) *Wallet {
	return &Wallet{
		defaultLimit: defaultLimit,
		limits:       make(map[uuid.UUID]decimal.Decimal),
		held:         make(map[uuid.UUID]decimal.Decimal),
		captured:     make(map[uuid.UUID]decimal.Decimal),
		holds:        make(map[string]walletHold),
	}
}

// SetLimit sets a bidder's credit limit.
func (w *Wallet) SetLimit(bidderID uuid.UUID, limit decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limits[bidderID] = limit
}

func (w *Wallet) Hold(_ context.Context, bidderID uuid.UUID, amount decimal.Decimal) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	limit, ok := w.limits[bidderID]
	if !ok {
		limit = w.defaultLimit
	}
	if !limit.IsZero() {
		used := w.held[bidderID].Add(w.captured[bidderID])
		if used.Add(amount).GreaterThan(limit) {
			return "", fmt.Errorf("%w: bidder %s needs %s, available %s",
				ErrInsufficientFunds, bidderID, amount, limit.Sub(used))
		}
	}

	ref := "hold_" + uuid.NewString()
	w.holds[ref] = walletHold{bidderID: bidderID, amount: amount}
	w.held[bidderID] = w.held[bidderID].Add(amount)
	return ref, nil
}

func (w *Wallet) Release(_ context.Context, ref string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.holds[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHold, ref)
	}
	delete(w.holds, ref)
	w.held[h.bidderID] = w.held[h.bidderID].Sub(h.amount)
	w.captured[h.bidderID] = w.captured[h.bidderID].Add(h.amount)
	return nil
}

func (w *Wallet) Refund(_ context.Context, ref string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.holds[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHold, ref)
	}
	delete(w.holds, ref)
	w.held[h.bidderID] = w.held[h.bidderID].Sub(h.amount)
	return nil
}

// Held returns the amount currently on hold for a bidder.
func (w *Wallet) Held(bidderID uuid.UUID) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.held[bidderID]
}

// Captured returns the amount released to the seller for a bidder.
func (w *Wallet) Captured(bidderID uuid.UUID) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.captured[bidderID]
}

// OpenHolds returns the number of outstanding holds.
func (w *Wallet) OpenHolds() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.holds)
}
