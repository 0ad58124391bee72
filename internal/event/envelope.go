package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeListingCreated
	EventTypeListingScheduled
	EventTypeAuctionActivated
	EventTypeBidPlaced
	EventTypeAutoBidRegistered
	EventTypeAuctionCancelled
	EventTypeAuctionSettled
)

// Envelope wraps every event in the per-auction log
type Envelope struct {
	// Per-auction monotonic sequence assigned by the auction's unit
	Sequence int64

	// Stable idempotency key
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	AuctionID uuid.UUID

	// Time the triggering command was stamped at ingress
	Timestamp time.Time

	// Chain hash AFTER applying this event
	StateHash [32]byte

	// Previous event's chain hash
	PrevHash [32]byte
}

// Event is the interface all event payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// AuctionRef returns the auction the event belongs to
	AuctionRef() uuid.UUID
}

func (et EventType) String() string {
	switch et {
	case EventTypeListingCreated:
		return "ListingCreated"
	case EventTypeListingScheduled:
		return "ListingScheduled"
	case EventTypeAuctionActivated:
		return "AuctionActivated"
	case EventTypeBidPlaced:
		return "BidPlaced"
	case EventTypeAutoBidRegistered:
		return "AutoBidRegistered"
	case EventTypeAuctionCancelled:
		return "AuctionCancelled"
	case EventTypeAuctionSettled:
		return "AuctionSettled"
	default:
		return "Unknown"
	}
}

// Subject returns the NATS subject token for the type.
func (et EventType) Subject() string {
	switch et {
	case EventTypeListingCreated:
		return "created"
	case EventTypeListingScheduled:
		return "scheduled"
	case EventTypeAuctionActivated:
		return "activated"
	case EventTypeBidPlaced:
		return "bid"
	case EventTypeAutoBidRegistered:
		return "autobid"
	case EventTypeAuctionCancelled:
		return "cancelled"
	case EventTypeAuctionSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypeListingCreated; et <= EventTypeAuctionSettled; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
