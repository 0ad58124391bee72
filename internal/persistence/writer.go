package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/core"
	"BidLedger/internal/ledger"

	"github.com/google/uuid"
)

// EventLogWriter writes committed outputs to Postgres using multi-row
// upserts inside the caller's transaction. Every statement is idempotent so
// a retried batch converges on the same rows.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in auction.events
type EventRow struct {
	AuctionID      uuid.UUID
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Payload        []byte // JSON-encoded event payload; the chain digest
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// EventRowFrom converts an output envelope into its event_log row.
func EventRowFrom(out core.Output) EventRow {
	env := out.Envelope
	return EventRow{
		AuctionID:      env.AuctionID,
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        ledger.Digest(out.Event),
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
}

// multiRow builds "($1, $2), ($3, $4)" placeholders for n rows of width w.
func multiRow(n, w int) string {
	rows := make([]string, n)
	for i := range rows {
		ph := make([]string, w)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", i*w+j+1)
		}
		rows[i] = "(" + strings.Join(ph, ", ") + ")"
	}
	return strings.Join(rows, ", ")
}

// WriteEventBatch appends events to auction.events. Replays of an already
// written sequence are ignored.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(events)*8)
	for _, e := range events {
		args = append(args, e.AuctionID, e.Sequence, e.EventType, e.IdempotencyKey,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp)
	}
	query := `INSERT INTO auction.events
		(auction_id, sequence, event_type, idempotency_key, payload, state_hash, prev_hash, ts)
		VALUES ` + multiRow(len(events), 8) + ` ON CONFLICT DO NOTHING`
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertListings writes listing checkpoints. An older version never
// overwrites a newer one.
func (w *EventLogWriter) UpsertListings(ctx context.Context, tx *sql.Tx, listings []*auction.Listing) error {
	if len(listings) == 0 {
		return nil
	}
	const width = 22
	args := make([]any, 0, len(listings)*width)
	for _, l := range listings {
		args = append(args, listingArgs(l)...)
	}
	query := `INSERT INTO auction.listings (` + listingColumns + `) VALUES ` + multiRow(len(listings), width) + `
		ON CONFLICT (id) DO UPDATE SET
			current_price = EXCLUDED.current_price,
			ends_at = EXCLUDED.ends_at,
			starts_at = EXCLUDED.starts_at,
			status = EXCLUDED.status,
			winner_id = EXCLUDED.winner_id,
			winning_bid_id = EXCLUDED.winning_bid_id,
			total_bids = EXCLUDED.total_bids,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE auction.listings.version < EXCLUDED.version`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *EventLogWriter) UpsertBids(ctx context.Context, tx *sql.Tx, bids []*auction.Bid) error {
	if len(bids) == 0 {
		return nil
	}
	args := make([]any, 0, len(bids)*10)
	for _, b := range bids {
		args = append(args, b.ID, b.AuctionID, b.BidderID, b.Amount, b.IsAutoBid,
			b.MaxAutoBid, string(b.Status), nullString(b.RequestID), b.Sequence, b.PlacedAt)
	}
	query := `INSERT INTO auction.bids
		(id, auction_id, bidder_id, amount, is_auto_bid, max_auto_bid, status, request_id, sequence, placed_at)
		VALUES ` + multiRow(len(bids), 10) + `
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *EventLogWriter) UpsertRules(ctx context.Context, tx *sql.Tx, rules []*auction.AutoBidRule) error {
	if len(rules) == 0 {
		return nil
	}
	args := make([]any, 0, len(rules)*9)
	for _, r := range rules {
		args = append(args, r.ID, r.AuctionID, r.BidderID, r.MaxAmount, r.IncrementAmount,
			r.IsActive, r.BidsPlaced, r.RegisteredAt, r.RegistrationSeq)
	}
	query := `INSERT INTO auction.auto_bid_rules
		(id, auction_id, bidder_id, max_amount, increment_amount, is_active, bids_placed, registered_at, registration_seq)
		VALUES ` + multiRow(len(rules), 9) + `
		ON CONFLICT (id) DO UPDATE SET is_active = EXCLUDED.is_active, bids_placed = EXCLUDED.bids_placed`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *EventLogWriter) UpsertEscrows(ctx context.Context, tx *sql.Tx, escrows []*auction.Escrow) error {
	if len(escrows) == 0 {
		return nil
	}
	args := make([]any, 0, len(escrows)*9)
	for _, e := range escrows {
		args = append(args, e.ID, e.AuctionID, e.BidderID, e.BidID, e.Amount,
			string(e.Status), e.ProviderRef, e.HeldAt, e.ReleasedAt)
	}
	query := `INSERT INTO auction.escrows
		(id, auction_id, bidder_id, bid_id, amount, status, provider_ref, held_at, released_at)
		VALUES ` + multiRow(len(escrows), 9) + `
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, released_at = EXCLUDED.released_at`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// InsertResult writes the settlement outcome. The UNIQUE(auction_id)
// constraint is the last guard on exactly-once settlement; it reports false
// when another writer got there first.
func (w *EventLogWriter) InsertResult(ctx context.Context, tx *sql.Tx, r *auction.Result) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO auction.auction_results
			(id, auction_id, winner_id, winning_bid_id, final_price, payment_status, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (auction_id) DO NOTHING`,
		r.ID, r.AuctionID, r.WinnerID, r.WinningBidID, r.FinalPrice, string(r.PaymentStatus), r.SettledAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// InsertListing writes a brand-new draft outside the batch pipeline.
func (w *EventLogWriter) InsertListing(ctx context.Context, l *auction.Listing) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO auction.listings (`+listingColumns+`) VALUES `+multiRow(1, 22),
		listingArgs(l)...,
	)
	return err
}

const listingColumns = `id, tenant_id, product_id, type, starting_price, reserve_price, buy_now_price,
	current_price, bid_increment, price_drop_amount, price_drop_interval_ms, starts_at, ends_at,
	auto_extend, extend_minutes, status, winner_id, winning_bid_id, total_bids, version, created_at, updated_at`

func listingArgs(l *auction.Listing) []any {
	return []any{
		l.ID, l.TenantID, l.ProductID, string(l.Type), l.StartingPrice, l.ReservePrice, l.BuyNowPrice,
		l.CurrentPrice, l.BidIncrement, l.PriceDropAmount, l.PriceDropInterval.Milliseconds(), l.StartsAt, l.EndsAt,
		l.AutoExtend, l.ExtendMinutes, string(l.Status), l.WinnerID, l.WinningBidID, l.TotalBids, l.Version,
		l.CreatedAt, l.UpdatedAt,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
