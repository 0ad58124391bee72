package auction

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type is the auction format.
type Type string

const (
	TypeEnglish Type = "english"
	TypeDutch   Type = "dutch"
	TypeSealed  Type = "sealed"
	TypeReserve Type = "reserve"
)

func (t Type) Valid() bool {
	switch t {
	case TypeEnglish, TypeDutch, TypeSealed, TypeReserve:
		return true
	}
	return false
}

// Ascending reports whether the type runs an open ascending-price contest
// where auto-bids and the increment floor apply.
func (t Type) Ascending() bool {
	return t == TypeEnglish || t == TypeReserve
}

// Status is the listing lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// BidStatus is the state of a single bid.
type BidStatus string

const (
	BidActive    BidStatus = "active"
	BidOutbid    BidStatus = "outbid"
	BidWinning   BidStatus = "winning"
	BidWon       BidStatus = "won"
	BidCancelled BidStatus = "cancelled"
)

// EscrowStatus is the state of a funds hold.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// PaymentStatus tracks capture of the winning amount after settlement.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentCaptured PaymentStatus = "captured"
	PaymentFailed   PaymentStatus = "failed"
)

// Listing is the authoritative auction record.
type Listing struct {
	ID                uuid.UUID           `json:"id"`
	TenantID          uuid.UUID           `json:"tenant_id"`
	ProductID         uuid.UUID           `json:"product_id"`
	Type              Type                `json:"type"`
	StartingPrice     decimal.Decimal     `json:"starting_price"`
	ReservePrice      decimal.NullDecimal `json:"reserve_price"`
	BuyNowPrice       decimal.NullDecimal `json:"buy_now_price"`
	CurrentPrice      decimal.Decimal     `json:"current_price"`
	BidIncrement      decimal.Decimal     `json:"bid_increment"`
	PriceDropAmount   decimal.Decimal     `json:"price_drop_amount"`
	PriceDropInterval time.Duration       `json:"price_drop_interval"`
	StartsAt          time.Time           `json:"starts_at"`
	EndsAt            time.Time           `json:"ends_at"`
	AutoExtend        bool                `json:"auto_extend"`
	ExtendMinutes     int                 `json:"extend_minutes"`
	Status            Status              `json:"status"`
	WinnerID          *uuid.UUID          `json:"winner_id,omitempty"`
	WinningBidID      *uuid.UUID          `json:"winning_bid_id,omitempty"`
	TotalBids         int                 `json:"total_bids"`
	Version           int64               `json:"version"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Bid is an entry in the auction's bid ledger.
type Bid struct {
	ID         uuid.UUID           `json:"id"`
	AuctionID  uuid.UUID           `json:"auction_id"`
	BidderID   uuid.UUID           `json:"bidder_id"`
	Amount     decimal.Decimal     `json:"amount"`
	IsAutoBid  bool                `json:"is_auto_bid"`
	MaxAutoBid decimal.NullDecimal `json:"max_auto_bid"`
	Status     BidStatus           `json:"status"`
	RequestID  string              `json:"request_id,omitempty"`
	Sequence   int64               `json:"sequence"`
	PlacedAt   time.Time           `json:"placed_at"`
}

// AutoBidRule is a bidder's standing instruction to outbid competitors up to
// MaxAmount.
type AutoBidRule struct {
	ID              uuid.UUID           `json:"id"`
	AuctionID       uuid.UUID           `json:"auction_id"`
	BidderID        uuid.UUID           `json:"bidder_id"`
	MaxAmount       decimal.Decimal     `json:"max_amount"`
	IncrementAmount decimal.NullDecimal `json:"increment_amount"`
	IsActive        bool                `json:"is_active"`
	BidsPlaced      int                 `json:"bids_placed"`
	RegisteredAt    time.Time           `json:"registered_at"`
	RegistrationSeq int64               `json:"registration_seq"`
}

// Escrow is a funds hold backing a bid.
type Escrow struct {
	ID          uuid.UUID       `json:"id"`
	AuctionID   uuid.UUID       `json:"auction_id"`
	BidderID    uuid.UUID       `json:"bidder_id"`
	BidID       uuid.UUID       `json:"bid_id"`
	Amount      decimal.Decimal `json:"amount"`
	Status      EscrowStatus    `json:"status"`
	ProviderRef string          `json:"provider_ref"`
	HeldAt      time.Time       `json:"held_at"`
	ReleasedAt  *time.Time      `json:"released_at,omitempty"`
}

// Result is the immutable outcome of a settled auction with a winner.
type Result struct {
	ID            uuid.UUID       `json:"id"`
	AuctionID     uuid.UUID       `json:"auction_id"`
	WinnerID      uuid.UUID       `json:"winner_id"`
	WinningBidID  uuid.UUID       `json:"winning_bid_id"`
	FinalPrice    decimal.Decimal `json:"final_price"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	SettledAt     time.Time       `json:"settled_at"`
}

// State is everything the engine needs to rebuild an auction's unit.
type State struct {
	Listing *Listing
	Bids    []*Bid
	Rules   []*AutoBidRule
	Escrows []*Escrow
	Result  *Result

	// Tip of the auction's event log: last sequence and its chain hash.
	Sequence int64
	ChainTip [32]byte
}
