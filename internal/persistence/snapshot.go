package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/ledger"

	"github.com/google/uuid"
)

// SnapshotManager stores the closing state of settled and cancelled
// auctions and verifies event chains against it.
type SnapshotManager struct {
	db *sql.DB
}

// Snapshot is one closed auction's state as written at its terminal event.
type Snapshot struct {
	AuctionID  uuid.UUID      `json:"auction_id"`
	Sequence   int64          `json:"sequence"`
	StateHash  []byte         `json:"state_hash"`
	State      *auction.State `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
	ArchivedAt *time.Time     `json:"archived_at,omitempty"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveTx writes the closing snapshot inside the batch transaction.
func (sm *SnapshotManager) SaveTx(ctx context.Context, tx *sql.Tx, sequence int64, hash [32]byte, st *auction.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO auction.snapshots (auction_id, sequence, state_hash, data, size_bytes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (auction_id) DO NOTHING
	`, st.Listing.ID, sequence, hash[:], data, len(data))
	return err
}

// Load returns the auction's closing snapshot.
func (sm *SnapshotManager) Load(ctx context.Context, auctionID uuid.UUID) (*Snapshot, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT auction_id, sequence, state_hash, data, created_at, archived_at
		FROM auction.snapshots
		WHERE auction_id = $1
	`, auctionID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no snapshot for %s", auction.ErrNotFound, auctionID)
	}
	return snap, err
}

// ListUnarchived returns up to limit snapshots not yet copied to the archive,
// oldest first.
func (sm *SnapshotManager) ListUnarchived(ctx context.Context, limit int) ([]*Snapshot, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT auction_id, sequence, state_hash, data, created_at, archived_at
		FROM auction.snapshots
		WHERE archived_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// MarkArchived records a successful archive upload.
func (sm *SnapshotManager) MarkArchived(ctx context.Context, auctionID uuid.UUID, at time.Time) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE auction.snapshots SET archived_at = $2 WHERE auction_id = $1
	`, auctionID, at)
	return err
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap     Snapshot
		data     []byte
		archived sql.NullTime
	)
	if err := row.Scan(&snap.AuctionID, &snap.Sequence, &snap.StateHash, &data, &snap.CreatedAt, &archived); err != nil {
		return nil, err
	}
	if archived.Valid {
		snap.ArchivedAt = &archived.Time
	}
	snap.State = &auction.State{}
	if err := json.Unmarshal(data, snap.State); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", snap.AuctionID, err)
	}
	return &snap, nil
}

// LoadEvents returns the auction's event log in sequence order.
func (sm *SnapshotManager) LoadEvents(ctx context.Context, auctionID uuid.UUID) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT auction_id, sequence, event_type, idempotency_key, payload, state_hash, prev_hash, ts
		FROM auction.events
		WHERE auction_id = $1
		ORDER BY sequence ASC
	`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.AuctionID, &e.Sequence, &e.EventType, &e.IdempotencyKey,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// VerifyChain recomputes the auction's hash chain from its stored payloads
// and returns the verified tip.
func VerifyChain(auctionID uuid.UUID, events []EventRow) ([32]byte, error) {
	prev := ledger.Genesis(auctionID)
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			return prev, fmt.Errorf("auction %s: gap at sequence %d (found %d)", auctionID, i+1, e.Sequence)
		}
		if !bytes.Equal(e.PrevHash, prev[:]) {
			return prev, fmt.Errorf("auction %s: seq %d prev_hash does not link", auctionID, e.Sequence)
		}
		want := ledger.ChainLink(prev, e.Sequence, e.Payload)
		if !bytes.Equal(e.StateHash, want[:]) {
			return prev, fmt.Errorf("auction %s: seq %d state_hash mismatch", auctionID, e.Sequence)
		}
		prev = want
	}
	return prev, nil
}
