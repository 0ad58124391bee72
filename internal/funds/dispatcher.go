package funds

import (
	"context"
	"time"

	"BidLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Op is a post-commit escrow action.
type Op string

const (
	OpRelease Op = "release"
	OpRefund  Op = "refund"
)

// Job is one queued provider call.
type Job struct {
	Op        Op
	AuctionID uuid.UUID
	Ref       string
}

// Dispatcher runs releases and refunds off the auction's unit with retry.
// The queue is bounded; Enqueue blocks when it is full so no job is lost.
type Dispatcher struct {
	provider    Provider
	jobs        chan Job
	workers     int
	maxAttempts int
	backoff     time.Duration
	metrics     *observability.Metrics
	logger      zerolog.Logger
	done        chan struct{}
}

func NewDispatcher(provider Provider, queueSize, workers, maxAttempts int, backoff time.Duration, metrics *observability.Metrics) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		provider:    provider,
		jobs:        make(chan Job, queueSize),
		workers:     workers,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		metrics:     metrics,
		logger:      observability.NewLogger("funds-dispatcher"),
		done:        make(chan struct{}),
	}
}

func (d *Dispatcher) Release(auctionID uuid.UUID, ref string) {
	d.enqueue(Job{Op: OpRelease, AuctionID: auctionID, Ref: ref})
}

func (d *Dispatcher) Refund(auctionID uuid.UUID, ref string) {
	d.enqueue(Job{Op: OpRefund, AuctionID: auctionID, Ref: ref})
}

func (d *Dispatcher) enqueue(j Job) {
	if j.Ref == "" {
		return
	}
	select {
	case d.jobs <- j:
	case <-d.done:
		d.logger.Error().
			Str("auction_id", j.AuctionID.String()).
			Str("op", string(j.Op)).
			Str("ref", j.Ref).
			Bool("alert", true).
			Msg("dispatcher stopped, escrow action not sent")
	}
}

// Run processes jobs until ctx is cancelled, then drains what is queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Int("workers", d.workers).Msg("funds dispatcher started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case j := <-d.jobs:
					d.execute(gctx, j)
				}
			}
		})
	}
	err := g.Wait()
	close(d.done)

	// Drain with a fresh context so shutdown does not strand holds.
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case j := <-d.jobs:
			d.execute(drainCtx, j)
		default:
			d.logger.Info().Msg("funds dispatcher stopped")
			return err
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, j Job) {
	backoff := d.backoff
	for attempt := 1; ; attempt++ {
		var err error
		switch j.Op {
		case OpRelease:
			err = d.provider.Release(ctx, j.Ref)
		case OpRefund:
			err = d.provider.Refund(ctx, j.Ref)
		}
		if err == nil {
			d.count(j.Op, "ok")
			return
		}

		if attempt >= d.maxAttempts || ctx.Err() != nil {
			d.count(j.Op, "failed")
			d.logger.Error().
				Err(err).
				Str("auction_id", j.AuctionID.String()).
				Str("op", string(j.Op)).
				Str("ref", j.Ref).
				Int("attempts", attempt).
				Bool("alert", true).
				Msg("escrow action failed")
			return
		}

		d.logger.Warn().Err(err).Str("op", string(j.Op)).Int("attempt", attempt).Msg("escrow action retry")
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (d *Dispatcher) count(op Op, result string) {
	if d.metrics != nil {
		d.metrics.EscrowDispatch.WithLabelValues(string(op), result).Inc()
	}
}
