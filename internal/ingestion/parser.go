package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"BidLedger/internal/core"
	"BidLedger/internal/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CommandKind discriminates inbound commands.
type CommandKind int

const (
	KindBid CommandKind = iota + 1
	KindAutoBid
)

func (k CommandKind) String() string {
	switch k {
	case KindBid:
		return "bid"
	case KindAutoBid:
		return "autobid"
	default:
		return "unknown"
	}
}

// Command is a decoded inbound command. Exactly one of Bid and AutoBid is set.
type Command struct {
	Kind    CommandKind
	Bid     *core.PlaceBidRequest
	AutoBid *core.AutoBidRequest
}

// --- JSON wire formats ---
// Amounts travel as decimal strings; field names use snake_case to match
// upstream producers.

type bidJSON struct {
	AuctionID string `json:"auction_id"`
	BidderID  string `json:"bidder_id"`
	Amount    string `json:"amount"`
	RequestID string `json:"request_id"`
}

type autoBidJSON struct {
	AuctionID string `json:"auction_id"`
	BidderID  string `json:"bidder_id"`
	MaxAmount string `json:"max_amount"`
	Increment string `json:"increment,omitempty"`
}

// ParseCommand decodes a raw NATS command. The auction id is taken from the
// subject's last token; a body auction_id, when present, must agree.
func ParseCommand(raw RawCommand) (Command, error) {
	subjectID, err := auctionFromSubject(raw.Subject)
	if err != nil {
		return Command{}, err
	}

	switch raw.Kind {
	case KindBid:
		var j bidJSON
		if err := json.Unmarshal(raw.Data, &j); err != nil {
			return Command{}, fmt.Errorf("parse bid: %w", err)
		}
		auctionID, err := reconcile(subjectID, j.AuctionID)
		if err != nil {
			return Command{}, err
		}
		bidder, err := parseID("bidder_id", j.BidderID)
		if err != nil {
			return Command{}, err
		}
		amount, err := parseAmount("amount", j.Amount)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindBid, Bid: &core.PlaceBidRequest{
			AuctionID: auctionID,
			BidderID:  bidder,
			Amount:    amount,
			RequestID: j.RequestID,
		}}, nil

	case KindAutoBid:
		var j autoBidJSON
		if err := json.Unmarshal(raw.Data, &j); err != nil {
			return Command{}, fmt.Errorf("parse autobid: %w", err)
		}
		auctionID, err := reconcile(subjectID, j.AuctionID)
		if err != nil {
			return Command{}, err
		}
		bidder, err := parseID("bidder_id", j.BidderID)
		if err != nil {
			return Command{}, err
		}
		maxAmount, err := parseAmount("max_amount", j.MaxAmount)
		if err != nil {
			return Command{}, err
		}
		req := &core.AutoBidRequest{AuctionID: auctionID, BidderID: bidder, MaxAmount: maxAmount}
		if j.Increment != "" {
			inc, err := parseAmount("increment", j.Increment)
			if err != nil {
				return Command{}, err
			}
			req.Increment = decimal.NewNullDecimal(inc)
		}
		return Command{Kind: KindAutoBid, AutoBid: req}, nil

	default:
		return Command{}, fmt.Errorf("unknown command kind: %d", raw.Kind)
	}
}

func auctionFromSubject(subject string) (uuid.UUID, error) {
	i := strings.LastIndexByte(subject, '.')
	if i < 0 || i == len(subject)-1 {
		return uuid.Nil, fmt.Errorf("subject %q has no auction id", subject)
	}
	return parseID("subject auction id", subject[i+1:])
}

func reconcile(subjectID uuid.UUID, body string) (uuid.UUID, error) {
	if body == "" {
		return subjectID, nil
	}
	id, err := parseID("auction_id", body)
	if err != nil {
		return uuid.Nil, err
	}
	if id != subjectID {
		return uuid.Nil, fmt.Errorf("auction_id %s does not match subject %s", id, subjectID)
	}
	return id, nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("parse %s: nil uuid", field)
	}
	return id, nil
}

func parseAmount(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("missing %s", field)
	}
	d, err := money.Parse(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}
