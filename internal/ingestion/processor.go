package ingestion

import (
	"context"

	"BidLedger/internal/auction"
	"BidLedger/internal/core"
	"BidLedger/internal/observability"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Engine is the part of core.Engine the processor drives.
type Engine interface {
	PlaceBid(ctx context.Context, req core.PlaceBidRequest) (core.BidResult, error)
	RegisterAutoBid(ctx context.Context, req core.AutoBidRequest) (uuid.UUID, error)
}

// CommandProcessor decodes raw commands and submits them to the engine with
// bounded concurrency. Commands for one auction serialize inside its unit, so
// workers only need to bound in-flight calls.
type CommandProcessor struct {
	engine  Engine
	input   <-chan RawCommand
	workers int
	metrics *observability.Metrics
}

func NewCommandProcessor(engine Engine, input <-chan RawCommand, workers int, metrics *observability.Metrics) *CommandProcessor {
	return &CommandProcessor{
		engine:  engine,
		input:   input,
		workers: max(workers, 1),
		metrics: metrics,
	}
}

// Run processes commands until ctx is cancelled or the input closes.
func (p *CommandProcessor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-p.input:
			if !ok {
				return nil
			}
			g.Go(func() error {
				p.Handle(gctx, raw)
				return nil
			})
		}
	}
}

// Outcome is how a command was settled with the broker.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeMalformed Outcome = "malformed"
	OutcomeRetry     Outcome = "retry"
)

// Handle processes one command and acks, naks or terminates it.
func (p *CommandProcessor) Handle(ctx context.Context, raw RawCommand) Outcome {
	outcome := p.handle(ctx, raw)
	switch outcome {
	case OutcomeAccepted, OutcomeRejected:
		call(raw.AckFunc)
	case OutcomeMalformed:
		call(raw.TermFunc)
	default:
		call(raw.NakFunc)
	}
	if p.metrics != nil {
		p.metrics.CommandsProcessed.WithLabelValues(raw.Kind.String(), string(outcome)).Inc()
	}
	return outcome
}

func (p *CommandProcessor) handle(ctx context.Context, raw RawCommand) Outcome {
	cmd, err := ParseCommand(raw)
	if err != nil {
		logger.Warn().Err(err).Str("subject", raw.Subject).Uint64("attempt", raw.Attempt).Msg("malformed command")
		return OutcomeMalformed
	}

	switch cmd.Kind {
	case KindBid:
		res, err := p.engine.PlaceBid(ctx, *cmd.Bid)
		log := logger.With().
			Str("auction_id", cmd.Bid.AuctionID.String()).
			Str("bidder_id", cmd.Bid.BidderID.String()).
			Str("request_id", cmd.Bid.RequestID).
			Logger()
		switch {
		case err != nil && res.Reason == "":
			log.Warn().Err(err).Uint64("attempt", raw.Attempt).Msg("bid command failed")
			return OutcomeRetry
		case !res.Accepted:
			log.Debug().Str("reason", res.Reason).Msg("bid command rejected")
			return OutcomeRejected
		default:
			log.Debug().Str("bid_id", res.BidID.String()).Bool("duplicate", res.Duplicate).Msg("bid command accepted")
			return OutcomeAccepted
		}

	case KindAutoBid:
		ruleID, err := p.engine.RegisterAutoBid(ctx, *cmd.AutoBid)
		log := logger.With().
			Str("auction_id", cmd.AutoBid.AuctionID.String()).
			Str("bidder_id", cmd.AutoBid.BidderID.String()).
			Logger()
		switch {
		case err == nil:
			log.Debug().Str("rule_id", ruleID.String()).Msg("auto-bid registered")
			return OutcomeAccepted
		case auction.IsRejection(err) || auction.Code(err) == "NotFound":
			log.Debug().Str("reason", auction.Code(err)).Msg("auto-bid command rejected")
			return OutcomeRejected
		default:
			log.Warn().Err(err).Uint64("attempt", raw.Attempt).Msg("auto-bid command failed")
			return OutcomeRetry
		}
	}
	return OutcomeMalformed
}

func call(f func()) {
	if f != nil {
		f()
	}
}
