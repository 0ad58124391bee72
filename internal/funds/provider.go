// Package funds places, releases and refunds the holds that back leading bids.
package funds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownHold       = errors.New("unknown hold")
)

// Provider is the payments collaborator. Hold reserves amount for a bidder and
// returns an opaque reference used by Release (capture) and Refund.
type Provider interface {
	Hold(ctx context.Context, bidderID uuid.UUID, amount decimal.Decimal) (string, error)
	Release(ctx context.Context, ref string) error
	Refund(ctx context.Context, ref string) error
}

const maxBackoff = 30 * time.Second

// HoldWithRetry calls p.Hold up to attempts times, doubling the wait between
// tries. ErrInsufficientFunds is final and not retried.
func HoldWithRetry(ctx context.Context, p Provider, bidderID uuid.UUID, amount decimal.Decimal, attempts int, backoff time.Duration) (string, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("hold for %s: %w (last error: %v)", bidderID, ctx.Err(), lastErr)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		ref, err := p.Hold(ctx, bidderID, amount)
		if err == nil {
			return ref, nil
		}
		if errors.Is(err, ErrInsufficientFunds) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("hold for %s failed after %d attempts: %w", bidderID, attempts, lastErr)
}
