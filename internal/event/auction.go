package event

import (
	"fmt"
	"time"

	"BidLedger/internal/auction"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ListingCreated records a new draft listing.
type ListingCreated struct {
	Listing auction.Listing `json:"listing"`
}

func (e *ListingCreated) IdempotencyKey() string { return fmt.Sprintf("created:%s", e.Listing.ID) }
func (e *ListingCreated) EventType() EventType   { return EventTypeListingCreated }
func (e *ListingCreated) AuctionRef() uuid.UUID  { return e.Listing.ID }

// ListingScheduled records draft -> scheduled.
type ListingScheduled struct {
	AuctionID uuid.UUID `json:"auction_id"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
}

func (e *ListingScheduled) IdempotencyKey() string { return fmt.Sprintf("scheduled:%s", e.AuctionID) }
func (e *ListingScheduled) EventType() EventType   { return EventTypeListingScheduled }
func (e *ListingScheduled) AuctionRef() uuid.UUID  { return e.AuctionID }

// AuctionActivated records scheduled -> active.
type AuctionActivated struct {
	AuctionID    uuid.UUID       `json:"auction_id"`
	ActivatedAt  time.Time       `json:"activated_at"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	EndsAt       time.Time       `json:"ends_at"`
}

func (e *AuctionActivated) IdempotencyKey() string { return fmt.Sprintf("activated:%s", e.AuctionID) }
func (e *AuctionActivated) EventType() EventType   { return EventTypeAuctionActivated }
func (e *AuctionActivated) AuctionRef() uuid.UUID  { return e.AuctionID }

// BidPlaced is one atomic bid event: the admitted bid plus any auto-bids the
// resolver placed in response.
type BidPlaced struct {
	AuctionID     uuid.UUID       `json:"auction_id"`
	RequestID     string          `json:"request_id,omitempty"`
	Bids          []auction.Bid   `json:"bids"`
	LeaderID      uuid.UUID       `json:"leader_id"`
	LeadingBidID  uuid.UUID       `json:"leading_bid_id"`
	LeadingAmount decimal.Decimal `json:"leading_amount"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	TotalBids     int             `json:"total_bids"`
	EndsAt        time.Time       `json:"ends_at"`
	Extended      bool            `json:"extended"`
	BuyNow        bool            `json:"buy_now"`
	Sealed        bool            `json:"sealed"`
}

func (e *BidPlaced) IdempotencyKey() string {
	if e.RequestID != "" {
		return fmt.Sprintf("bid:%s:%s", e.AuctionID, e.RequestID)
	}
	if len(e.Bids) > 0 {
		return fmt.Sprintf("bid:%s:%s", e.AuctionID, e.Bids[0].ID)
	}
	return fmt.Sprintf("bid:%s", e.AuctionID)
}
func (e *BidPlaced) EventType() EventType  { return EventTypeBidPlaced }
func (e *BidPlaced) AuctionRef() uuid.UUID { return e.AuctionID }

// AutoBidRegistered records a new or replaced auto-bid rule.
type AutoBidRegistered struct {
	Rule     auction.AutoBidRule `json:"rule"`
	Replaced *uuid.UUID          `json:"replaced,omitempty"`
}

func (e *AutoBidRegistered) IdempotencyKey() string { return fmt.Sprintf("autobid:%s", e.Rule.ID) }
func (e *AutoBidRegistered) EventType() EventType   { return EventTypeAutoBidRegistered }
func (e *AutoBidRegistered) AuctionRef() uuid.UUID  { return e.Rule.AuctionID }

// AuctionCancelled records a withdrawn listing.
type AuctionCancelled struct {
	AuctionID   uuid.UUID `json:"auction_id"`
	CancelledAt time.Time `json:"cancelled_at"`
}

func (e *AuctionCancelled) IdempotencyKey() string { return fmt.Sprintf("cancelled:%s", e.AuctionID) }
func (e *AuctionCancelled) EventType() EventType   { return EventTypeAuctionCancelled }
func (e *AuctionCancelled) AuctionRef() uuid.UUID  { return e.AuctionID }

// AuctionSettled is emitted exactly once per auction when it closes.
type AuctionSettled struct {
	AuctionID    uuid.UUID           `json:"auction_id"`
	WinnerID     *uuid.UUID          `json:"winner_id"`
	WinningBidID *uuid.UUID          `json:"winning_bid_id"`
	FinalPrice   decimal.NullDecimal `json:"final_price"`
	ReserveMet   bool                `json:"reserve_met"`
	BuyNow       bool                `json:"buy_now"`
	TotalBids    int                 `json:"total_bids"`
	SettledAt    time.Time           `json:"settled_at"`
}

func (e *AuctionSettled) IdempotencyKey() string { return fmt.Sprintf("settled:%s", e.AuctionID) }
func (e *AuctionSettled) EventType() EventType   { return EventTypeAuctionSettled }
func (e *AuctionSettled) AuctionRef() uuid.UUID  { return e.AuctionID }
