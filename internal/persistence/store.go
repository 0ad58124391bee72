package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"BidLedger/internal/auction"

	"github.com/google/uuid"
)

// Store is the Postgres-backed listing store the engine rebuilds units from.
type Store struct {
	db     *sql.DB
	writer *EventLogWriter
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, writer: NewEventLogWriter(db)}
}

// CreateListing inserts a new draft.
func (s *Store) CreateListing(ctx context.Context, l *auction.Listing) error {
	return s.writer.InsertListing(ctx, l)
}

const listingSelect = `SELECT ` + listingColumns + ` FROM auction.listings`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*auction.Listing, error) {
	var (
		l          auction.Listing
		typ        string
		status     string
		intervalMS int64
		winner     uuid.NullUUID
		winningBid uuid.NullUUID
	)
	err := row.Scan(
		&l.ID, &l.TenantID, &l.ProductID, &typ, &l.StartingPrice, &l.ReservePrice, &l.BuyNowPrice,
		&l.CurrentPrice, &l.BidIncrement, &l.PriceDropAmount, &intervalMS, &l.StartsAt, &l.EndsAt,
		&l.AutoExtend, &l.ExtendMinutes, &status, &winner, &winningBid, &l.TotalBids, &l.Version,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Type = auction.Type(typ)
	l.Status = auction.Status(status)
	l.PriceDropInterval = time.Duration(intervalMS) * time.Millisecond
	if winner.Valid {
		l.WinnerID = &winner.UUID
	}
	if winningBid.Valid {
		l.WinningBidID = &winningBid.UUID
	}
	l.StartsAt, l.EndsAt = l.StartsAt.UTC(), l.EndsAt.UTC()
	return &l, nil
}

// GetListing loads one listing row.
func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*auction.Listing, error) {
	l, err := scanListing(s.db.QueryRowContext(ctx, listingSelect+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", auction.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load listing %s: %w", id, err)
	}
	return l, nil
}

// ListOpen returns scheduled and active listings.
func (s *Store) ListOpen(ctx context.Context) ([]*auction.Listing, error) {
	rows, err := s.db.QueryContext(ctx, listingSelect+` WHERE status IN ('scheduled', 'active') ORDER BY ends_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auction.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LoadAuction rebuilds the full auction state from its rows and the tip of
// its event log.
func (s *Store) LoadAuction(ctx context.Context, id uuid.UUID) (*auction.State, error) {
	l, err := s.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &auction.State{Listing: l}

	if st.Bids, err = s.ListBids(ctx, id); err != nil {
		return nil, fmt.Errorf("load bids %s: %w", id, err)
	}
	if st.Rules, err = s.listRules(ctx, id); err != nil {
		return nil, fmt.Errorf("load rules %s: %w", id, err)
	}
	if st.Escrows, err = s.listEscrows(ctx, id); err != nil {
		return nil, fmt.Errorf("load escrows %s: %w", id, err)
	}
	if st.Result, err = s.GetResult(ctx, id); err != nil && !errors.Is(err, auction.ErrNotFound) {
		return nil, fmt.Errorf("load result %s: %w", id, err)
	}

	var tip []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM auction.events
		WHERE auction_id = $1
		ORDER BY sequence DESC
		LIMIT 1`, id).Scan(&st.Sequence, &tip)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load event tip %s: %w", id, err)
	default:
		copy(st.ChainTip[:], tip)
	}
	return st, nil
}

// ListBids returns the auction's bids in ledger order.
func (s *Store) ListBids(ctx context.Context, auctionID uuid.UUID) ([]*auction.Bid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, auction_id, bidder_id, amount, is_auto_bid, max_auto_bid, status,
		       COALESCE(request_id, ''), sequence, placed_at
		FROM auction.bids
		WHERE auction_id = $1
		ORDER BY sequence`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auction.Bid
	for rows.Next() {
		var b auction.Bid
		var status string
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.IsAutoBid, &b.MaxAutoBid,
			&status, &b.RequestID, &b.Sequence, &b.PlacedAt); err != nil {
			return nil, err
		}
		b.Status = auction.BidStatus(status)
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *Store) listRules(ctx context.Context, auctionID uuid.UUID) ([]*auction.AutoBidRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, auction_id, bidder_id, max_amount, increment_amount, is_active, bids_placed,
		       registered_at, registration_seq
		FROM auction.auto_bid_rules
		WHERE auction_id = $1
		ORDER BY registration_seq`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auction.AutoBidRule
	for rows.Next() {
		var r auction.AutoBidRule
		if err := rows.Scan(&r.ID, &r.AuctionID, &r.BidderID, &r.MaxAmount, &r.IncrementAmount,
			&r.IsActive, &r.BidsPlaced, &r.RegisteredAt, &r.RegistrationSeq); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Store) listEscrows(ctx context.Context, auctionID uuid.UUID) ([]*auction.Escrow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, auction_id, bidder_id, bid_id, amount, status, provider_ref, held_at, released_at
		FROM auction.escrows
		WHERE auction_id = $1
		ORDER BY held_at, id`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auction.Escrow
	for rows.Next() {
		var e auction.Escrow
		var status string
		var released sql.NullTime
		if err := rows.Scan(&e.ID, &e.AuctionID, &e.BidderID, &e.BidID, &e.Amount, &status,
			&e.ProviderRef, &e.HeldAt, &released); err != nil {
			return nil, err
		}
		e.Status = auction.EscrowStatus(status)
		if released.Valid {
			e.ReleasedAt = &released.Time
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// GetResult returns the settlement outcome, or ErrNotFound when the auction
// has not been sold.
func (s *Store) GetResult(ctx context.Context, auctionID uuid.UUID) (*auction.Result, error) {
	var r auction.Result
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, auction_id, winner_id, winning_bid_id, final_price, payment_status, settled_at
		FROM auction.auction_results
		WHERE auction_id = $1`, auctionID).
		Scan(&r.ID, &r.AuctionID, &r.WinnerID, &r.WinningBidID, &r.FinalPrice, &status, &r.SettledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no result for %s", auction.ErrNotFound, auctionID)
	}
	if err != nil {
		return nil, err
	}
	r.PaymentStatus = auction.PaymentStatus(status)
	return &r, nil
}
