package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/core"
	"BidLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel into Postgres, one
// transaction per batch. The engine's send on that channel blocks, so a
// slow worker stalls bidding instead of losing events.
type PersistenceWorker struct {
	writer       *EventLogWriter
	snapshots    *SnapshotManager
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		snapshots:    NewSnapshotManager(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// Run batches outputs and writes a batch when it reaches batchSize or
// when flushTimeout passes with events pending. A cancelled ctx or a
// closed input writes what is pending before returning.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.Output, 0, pw.batchSize)
	ticker := time.NewTicker(pw.flushTimeout)
	defer ticker.Stop()

	commit := func(reason string) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Str("trigger", reason).Int("events", len(batch)).Msg("batch lost")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			commit("shutdown")
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				commit("closed")
				return nil
			}
			batch = append(batch, out)
			if len(batch) >= pw.batchSize {
				commit("size")
			}

		case <-ticker.C:
			commit("timer")
		}
	}
}

// flushWithRetry writes batch, backing off up to 30s between attempts,
// until it succeeds. Once ctx is done it makes one last attempt on a
// fresh context and reports that attempt's error.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.Output) error {
	const maxBackoff = 30 * time.Second
	backoff := 100 * time.Millisecond

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			if err := pw.flush(context.Background(), batch); err != nil {
				return fmt.Errorf("flush on shutdown: %w", err)
			}
			return nil
		}
		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 1 {
				pw.logger.Info().Int("attempts", attempt).Msg("batch written after retry")
			}
			return nil
		}
		pw.countError("retry")
		pw.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(batch)).Msg("batch write failed")

		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// rows is one batch grouped by table, keeping only the latest copy of each
// row. A multi-row upsert may not touch the same row twice.
type rows struct {
	events   []EventRow
	listings []*auction.Listing
	bids     []*auction.Bid
	rules    []*auction.AutoBidRule
	escrows  []*auction.Escrow
	results  []*auction.Result
	finals   []core.Output
}

func collect(batch []core.Output) rows {
	var r rows
	listingIdx := map[uuid.UUID]int{}
	bidIdx := map[uuid.UUID]int{}
	ruleIdx := map[uuid.UUID]int{}
	escrowIdx := map[uuid.UUID]int{}

	for _, out := range batch {
		r.events = append(r.events, EventRowFrom(out))
		if i, ok := listingIdx[out.Listing.ID]; ok {
			if out.Listing.Version >= r.listings[i].Version {
				r.listings[i] = out.Listing
			}
		} else {
			listingIdx[out.Listing.ID] = len(r.listings)
			r.listings = append(r.listings, out.Listing)
		}
		for _, b := range out.Bids {
			r.bids = upsert(r.bids, bidIdx, b.ID, b)
		}
		for _, ru := range out.Rules {
			r.rules = upsert(r.rules, ruleIdx, ru.ID, ru)
		}
		for _, e := range out.Escrows {
			r.escrows = upsert(r.escrows, escrowIdx, e.ID, e)
		}
		if out.Result != nil {
			r.results = append(r.results, out.Result)
		}
		if out.Final != nil {
			r.finals = append(r.finals, out)
		}
	}
	return r
}

func upsert[T any](list []T, idx map[uuid.UUID]int, id uuid.UUID, v T) []T {
	if i, ok := idx[id]; ok {
		list[i] = v
		return list
	}
	idx[id] = len(list)
	return append(list, v)
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.Output) error {
	start := time.Now()
	r := collect(batch)

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	// Parents before children: escrows reference bids, results reference both.
	if err := pw.writer.UpsertListings(ctx, tx, r.listings); err != nil {
		pw.countError("write_listings")
		return err
	}
	if err := pw.writer.UpsertBids(ctx, tx, r.bids); err != nil {
		pw.countError("write_bids")
		return err
	}
	if err := pw.writer.UpsertRules(ctx, tx, r.rules); err != nil {
		pw.countError("write_rules")
		return err
	}
	if err := pw.writer.UpsertEscrows(ctx, tx, r.escrows); err != nil {
		pw.countError("write_escrows")
		return err
	}
	for _, res := range r.results {
		won, err := pw.writer.InsertResult(ctx, tx, res)
		if err != nil {
			pw.countError("write_result")
			return err
		}
		if !won {
			pw.logger.Warn().Str("auction_id", res.AuctionID.String()).Msg("result already recorded, keeping the first")
			if pw.metrics != nil {
				pw.metrics.PersistDuplicateWins.Inc()
			}
		}
	}
	written, err := pw.writer.WriteEventBatch(ctx, tx, r.events)
	if err != nil {
		pw.countError("write_events")
		return err
	}
	for _, out := range r.finals {
		if err := pw.snapshots.SaveTx(ctx, tx, out.Envelope.Sequence, out.Envelope.StateHash, out.Final); err != nil {
			pw.countError("write_snapshot")
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
		pw.metrics.PersistEventsWritten.Add(float64(written))
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
