package projection

import (
	"context"

	"BidLedger/internal/core"
	"BidLedger/internal/observability"
)

var logger = observability.NewLogger("projection")

// ProjectionWorker folds committed events into the board and notifies live
// subscribers. Its input is fed by a non-blocking send, so it may miss
// events under load; the board then lags until the next event or a reload
// from the store.
type ProjectionWorker struct {
	board     *Board
	hub       *Hub
	inputChan <-chan core.Output
}

func NewProjectionWorker(board *Board, hub *Hub, inputChan <-chan core.Output) *ProjectionWorker {
	return &ProjectionWorker{
		board:     board,
		hub:       hub,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.process(output)
		}
	}
}

func (pw *ProjectionWorker) process(output core.Output) {
	view, ok := pw.board.Apply(output)
	if !ok {
		logger.Debug().
			Str("auction_id", output.Envelope.AuctionID.String()).
			Int64("seq", output.Envelope.Sequence).
			Msg("stale or unknown event skipped")
		return
	}
	pw.hub.Publish(Update{Type: "update", Event: output.Envelope.EventType.String(), Auction: view})
}
