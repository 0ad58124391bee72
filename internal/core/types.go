package core

import (
	"context"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/event"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlaceBidRequest is a manual bid. RequestID is the client's idempotency key.
type PlaceBidRequest struct {
	AuctionID uuid.UUID
	BidderID  uuid.UUID
	Amount    decimal.Decimal
	RequestID string
}

// BidResult is what the bidder sees. Rejections come back with Accepted
// false and Reason set to the error code; the error return of PlaceBid is
// reserved for infrastructure failures.
type BidResult struct {
	Accepted      bool            `json:"accepted"`
	Duplicate     bool            `json:"duplicate,omitempty"`
	BidID         uuid.UUID       `json:"bid_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	LeaderID      uuid.UUID       `json:"leader_id,omitempty"`
	LeadingAmount decimal.Decimal `json:"leading_amount"`
	EndsAt        time.Time       `json:"ends_at"`
	Extended      bool            `json:"extended,omitempty"`
	Settled       bool            `json:"settled,omitempty"`
	AutoBids      int             `json:"auto_bids"`
	Reason        string          `json:"reason,omitempty"`
}

func rejected(err error) BidResult {
	return BidResult{Reason: auction.Code(err)}
}

// AutoBidRequest registers or replaces a bidder's proxy rule.
type AutoBidRequest struct {
	AuctionID uuid.UUID
	BidderID  uuid.UUID
	MaxAmount decimal.Decimal
	Increment decimal.NullDecimal
}

// SettleResult reports a settlement attempt. Settled is false when the
// deadline moved; EndsAt then holds the new deadline.
type SettleResult struct {
	Settled    bool
	WinnerID   *uuid.UUID
	FinalPrice decimal.NullDecimal
	ReserveMet bool
	EndsAt     time.Time
}

// Output is one committed event plus the rows it changed. Row pointers are
// copies owned by the receiver.
type Output struct {
	Envelope *event.Envelope
	Event    event.Event
	Listing  *auction.Listing
	Bids     []*auction.Bid
	Rules    []*auction.AutoBidRule
	Escrows  []*auction.Escrow
	Result   *auction.Result

	// Final is the full closing state, set on AuctionSettled and
	// AuctionCancelled.
	Final *auction.State
}

// Store is the listing storage collaborator.
type Store interface {
	// LoadAuction returns the auction with its bids (by sequence), rules,
	// escrows, result and event log tip. Missing auctions wrap
	// auction.ErrNotFound.
	LoadAuction(ctx context.Context, id uuid.UUID) (*auction.State, error)
	CreateListing(ctx context.Context, l *auction.Listing) error
	// ListOpen returns scheduled and active listings for deadline recovery.
	ListOpen(ctx context.Context) ([]*auction.Listing, error)
}

// Fence is the cross-process settlement claim.
type Fence interface {
	Acquire(ctx context.Context, auctionID uuid.UUID) (bool, error)
}

// EscrowDispatcher runs provider-side release and refund after commit.
type EscrowDispatcher interface {
	Release(auctionID uuid.UUID, ref string)
	Refund(auctionID uuid.UUID, ref string)
}

// Config tunes the engine.
type Config struct {
	HoldAttempts         int
	HoldBackoff          time.Duration
	SettleAcquireTimeout time.Duration
	SettleMaxAttempts    int
	// FenceRecheck is how long a settlement deadline waits before retrying
	// when the fence is held but the store shows no settlement.
	FenceRecheck         time.Duration
	SchedulerTick        time.Duration
	SchedulerWorkers     int
	UnitInbox            int
	IdempotencyCapacity  int
	RegistryShards       int
	TombstoneCapacity    int
}

func DefaultConfig() Config {
	return Config{
		HoldAttempts:         3,
		HoldBackoff:          50 * time.Millisecond,
		SettleAcquireTimeout: 5 * time.Second,
		SettleMaxAttempts:    5,
		FenceRecheck:         30 * time.Second,
		SchedulerTick:        250 * time.Millisecond,
		SchedulerWorkers:     16,
		UnitInbox:            64,
		IdempotencyCapacity:  100_000,
		RegistryShards:       32,
		TombstoneCapacity:    4096,
	}
}
