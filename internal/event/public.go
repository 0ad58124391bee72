package event

import (
	"BidLedger/internal/auction"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Public returns the copy of evt that may leave the engine. Sealed bid
// amounts and leaders, auto-bid ceilings and hidden reserves are cleared.
// Events with nothing to hide are returned as is.
func Public(evt Event) Event {
	switch e := evt.(type) {
	case *ListingCreated:
		if e.Listing.Type != auction.TypeReserve && e.Listing.Type != auction.TypeSealed {
			return e
		}
		c := *e
		c.Listing.ReservePrice = decimal.NullDecimal{}
		if c.Listing.Type == auction.TypeSealed {
			c.Listing.CurrentPrice = decimal.Zero
		}
		return &c

	case *BidPlaced:
		if !e.Sealed {
			return e
		}
		c := *e
		c.Bids = make([]auction.Bid, 0, len(e.Bids))
		for _, b := range e.Bids {
			b.Amount = decimal.Zero
			b.MaxAutoBid = decimal.NullDecimal{}
			b.Status = ""
			c.Bids = append(c.Bids, b)
		}
		c.LeaderID = uuid.Nil
		c.LeadingBidID = uuid.Nil
		c.LeadingAmount = decimal.Zero
		c.CurrentPrice = decimal.Zero
		return &c

	case *AutoBidRegistered:
		c := *e
		c.Rule.MaxAmount = decimal.Zero
		c.Rule.IncrementAmount = decimal.NullDecimal{}
		return &c
	}
	return evt
}
