package query

import (
	"context"
	"encoding/hex"
	"fmt"

	"BidLedger/internal/auction"
	"BidLedger/internal/persistence"
	"BidLedger/internal/projection"

	"github.com/google/uuid"
)

// Reader is the Postgres side of the read API.
type Reader interface {
	GetListing(ctx context.Context, id uuid.UUID) (*auction.Listing, error)
	ListBids(ctx context.Context, auctionID uuid.UUID) ([]*auction.Bid, error)
	GetResult(ctx context.Context, auctionID uuid.UUID) (*auction.Result, error)
}

// EventSource loads an auction's persisted event log.
type EventSource interface {
	LoadEvents(ctx context.Context, auctionID uuid.UUID) ([]persistence.EventRow, error)
}

// StateLoader returns the engine's current state for an auction.
type StateLoader interface {
	Snapshot(ctx context.Context, id uuid.UUID) (*auction.State, error)
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// QueryService provides read-only access to auctions. Live state is served
// from the board, falling back to the engine on a miss; history and
// results come from Postgres.
type QueryService struct {
	board  *projection.Board
	engine StateLoader
	reader Reader
	events EventSource
}

func NewQueryService(board *projection.Board, engine StateLoader, reader Reader, events EventSource) *QueryService {
	return &QueryService{board: board, engine: engine, reader: reader, events: events}
}

// GetAuction returns the public live view of an auction.
func (qs *QueryService) GetAuction(ctx context.Context, id uuid.UUID) (*projection.AuctionView, error) {
	if v, ok := qs.board.Get(id); ok {
		return &v, nil
	}
	st, err := qs.engine.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	v := qs.board.Load(st)
	return &v, nil
}

// ListBids returns bid history after the given sequence. Sealed auctions
// hide amounts until they close.
func (qs *QueryService) ListBids(ctx context.Context, id uuid.UUID, limit int, afterSequence int64) (*BidPage, error) {
	l, err := qs.reader.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	bids, err := qs.reader.ListBids(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}

	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	hidden := l.Type == auction.TypeSealed && !l.Status.Terminal()

	page := &BidPage{AuctionID: id, Bids: make([]BidResponse, 0, limit)}
	for _, b := range bids {
		if b.Sequence <= afterSequence {
			continue
		}
		if len(page.Bids) == limit {
			page.NextAfter = page.Bids[len(page.Bids)-1].Sequence
			break
		}
		r := BidResponse{
			BidID:     b.ID,
			BidderID:  b.BidderID,
			IsAutoBid: b.IsAutoBid,
			Sequence:  b.Sequence,
			PlacedAt:  b.PlacedAt,
		}
		if !hidden {
			amount := b.Amount
			r.Amount = &amount
			r.Status = b.Status
		}
		page.Bids = append(page.Bids, r)
	}
	return page, nil
}

// GetResult returns the settlement result. Auctions that ended without a
// winner, or have not ended, report NotFound.
func (qs *QueryService) GetResult(ctx context.Context, id uuid.UUID) (*ResultResponse, error) {
	r, err := qs.reader.GetResult(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ResultResponse{
		AuctionID:     r.AuctionID,
		WinnerID:      r.WinnerID,
		WinningBidID:  r.WinningBidID,
		FinalPrice:    r.FinalPrice,
		PaymentStatus: r.PaymentStatus,
		SettledAt:     r.SettledAt,
	}, nil
}

// --- Admin APIs ---

// VerifyIntegrity replays an auction's persisted hash chain.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, id uuid.UUID) (*IntegrityReport, error) {
	events, err := qs.events.LoadEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events for %s", auction.ErrNotFound, id)
	}

	report := &IntegrityReport{AuctionID: id, Events: len(events)}
	tip, err := persistence.VerifyChain(id, events)
	if err != nil {
		report.Error = err.Error()
		return report, nil
	}
	report.IsHealthy = true
	report.ChainTip = hex.EncodeToString(tip[:])
	return report, nil
}
