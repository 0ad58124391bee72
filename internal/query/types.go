package query

import (
	"time"

	"BidLedger/internal/auction"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BidResponse is one row of an auction's bid history for API queries.
// Amount and Status are omitted while a sealed auction is open.
type BidResponse struct {
	BidID     uuid.UUID         `json:"bid_id"`
	BidderID  uuid.UUID         `json:"bidder_id"`
	Amount    *decimal.Decimal  `json:"amount,omitempty"`
	IsAutoBid bool              `json:"is_auto_bid"`
	Status    auction.BidStatus `json:"status,omitempty"`
	Sequence  int64             `json:"sequence"`
	PlacedAt  time.Time         `json:"placed_at"`
}

// BidPage is a page of bid history in ascending sequence order.
type BidPage struct {
	AuctionID uuid.UUID     `json:"auction_id"`
	Bids      []BidResponse `json:"bids"`
	// NextAfter is the cursor for the following page; zero when exhausted.
	NextAfter int64 `json:"next_after,omitempty"`
}

// ResultResponse is the settled outcome of an auction.
type ResultResponse struct {
	AuctionID     uuid.UUID             `json:"auction_id"`
	WinnerID      uuid.UUID             `json:"winner_id"`
	WinningBidID  uuid.UUID             `json:"winning_bid_id"`
	FinalPrice    decimal.Decimal       `json:"final_price"`
	PaymentStatus auction.PaymentStatus `json:"payment_status"`
	SettledAt     time.Time             `json:"settled_at"`
}

// IntegrityReport is the result of verifying one auction's event chain.
type IntegrityReport struct {
	AuctionID uuid.UUID `json:"auction_id"`
	IsHealthy bool      `json:"is_healthy"`
	Events    int       `json:"events"`
	ChainTip  string    `json:"chain_tip,omitempty"`
	Error     string    `json:"error,omitempty"`
}
