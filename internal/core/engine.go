package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/funds"
	"BidLedger/internal/ledger"
	"BidLedger/internal/money"
	"BidLedger/internal/observability"

	"github.com/cespare/xxhash/v2"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// errRetired is returned for commands addressed to a settled or cancelled
// auction whose unit has been torn down.
var errRetired = fmt.Errorf("%w: auction is closed", auction.ErrInvalidState)

// Deps are the engine's collaborators. Only Store is required.
type Deps struct {
	Store      Store
	Funds      funds.Provider
	Dispatcher EscrowDispatcher
	Fence      Fence
	Dedup      DBIdempotencyChecker
	Clock      Clock
	Metrics    *observability.Metrics

	// PersistChan receives every Output with a blocking send.
	PersistChan chan<- Output
	// ProjectionChan receives Outputs with a non-blocking send; full means drop.
	ProjectionChan chan<- Output
}

// Engine routes commands to per-auction serialization units. Auctions are
// independent; one auction's commands run strictly one at a time.
type Engine struct {
	cfg       Config
	clock     Clock
	store     Store
	funds     funds.Provider
	dispatch  EscrowDispatcher
	fence     Fence
	idem      *IdempotencyChecker
	validator *ledger.InvariantValidator
	sched     *Scheduler
	metrics   *observability.Metrics
	logger    zerolog.Logger

	persistChan    chan<- Output
	projectionChan chan<- Output

	shards []*shard

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// shard is one slice of the unit registry. Tombstones remember recently
// retired auctions so a lagging store read cannot revive them.
type shard struct {
	mu         sync.Mutex
	units      map[uuid.UUID]*unit
	tombstones map[uuid.UUID]struct{}
	order      *deque.Deque[uuid.UUID]
}

func NewEngine(cfg Config, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if cfg.RegistryShards < 1 {
		cfg.RegistryShards = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:            cfg,
		clock:          deps.Clock,
		store:          deps.Store,
		funds:          deps.Funds,
		dispatch:       deps.Dispatcher,
		fence:          deps.Fence,
		idem:           NewIdempotencyChecker(cfg.IdempotencyCapacity, deps.Dedup, deps.Metrics),
		validator:      ledger.NewInvariantValidator(),
		sched:          NewScheduler(deps.Clock, cfg.SchedulerTick, cfg.SchedulerWorkers, deps.Metrics),
		metrics:        deps.Metrics,
		logger:         observability.NewLogger("engine"),
		persistChan:    deps.PersistChan,
		projectionChan: deps.ProjectionChan,
		shards:         make([]*shard, cfg.RegistryShards),
		ctx:            ctx,
		cancel:         cancel,
	}
	for i := range e.shards {
		e.shards[i] = &shard{
			units:      make(map[uuid.UUID]*unit),
			tombstones: make(map[uuid.UUID]struct{}),
			order:      deque.New[uuid.UUID](),
		}
	}
	e.sched.fire = e.fireDeadline
	return e
}

// Scheduler exposes the deadline scheduler so the caller can run it.
func (e *Engine) Scheduler() *Scheduler {
	return e.sched
}

// Recover arms deadlines for every open listing after a restart. Units are
// loaded lazily when their first command arrives.
func (e *Engine) Recover(ctx context.Context) error {
	open, err := e.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("list open auctions: %w", err)
	}
	for _, l := range open {
		switch l.Status {
		case auction.StatusScheduled:
			e.sched.Track(l.ID, deadlineActivate, l.StartsAt)
		case auction.StatusActive:
			e.sched.Track(l.ID, deadlineSettle, l.EndsAt)
		}
	}
	e.logger.Info().Int("open_auctions", len(open)).Msg("deadlines recovered")
	return nil
}

// Close stops every unit and waits for them to exit.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// CreateListing stores a new draft listing and starts its unit.
func (e *Engine) CreateListing(ctx context.Context, in *auction.Listing) (*auction.Listing, error) {
	now := e.clock.Now()
	l := in.Clone()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.StartingPrice = money.Round(l.StartingPrice)
	l.BidIncrement = money.Round(l.BidIncrement)
	l.PriceDropAmount = money.Round(l.PriceDropAmount)
	if l.ReservePrice.Valid {
		l.ReservePrice.Decimal = money.Round(l.ReservePrice.Decimal)
	}
	if l.BuyNowPrice.Valid {
		l.BuyNowPrice.Decimal = money.Round(l.BuyNowPrice.Decimal)
	}
	l.Status = auction.StatusDraft
	l.CurrentPrice = l.StartingPrice
	l.TotalBids = 0
	l.WinnerID, l.WinningBidID = nil, nil
	l.Version = 1
	l.CreatedAt, l.UpdatedAt = now, now

	if err := l.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.CreateListing(ctx, l); err != nil {
		return nil, fmt.Errorf("create listing %s: %w", l.ID, err)
	}

	u, err := e.install(&auction.State{Listing: l.Clone()})
	if err != nil {
		return nil, err
	}
	r, err := e.deliver(ctx, u, command{kind: cmdCreate, at: now}, 0)
	if err != nil {
		return nil, err
	}
	return r.listing, r.err
}

func (e *Engine) Schedule(ctx context.Context, id uuid.UUID) (*auction.Listing, error) {
	return e.lifecycle(ctx, id, cmdSchedule)
}

// Activate opens a scheduled auction ahead of (or at) starts_at.
func (e *Engine) Activate(ctx context.Context, id uuid.UUID) (*auction.Listing, error) {
	return e.lifecycle(ctx, id, cmdActivate)
}

func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*auction.Listing, error) {
	return e.lifecycle(ctx, id, cmdCancel)
}

func (e *Engine) lifecycle(ctx context.Context, id uuid.UUID, kind commandKind) (*auction.Listing, error) {
	r, err := e.send(ctx, id, command{kind: kind, at: e.clock.Now()}, 0)
	if err != nil {
		return nil, err
	}
	return r.listing, r.err
}

// PlaceBid submits a manual bid. Rejections are reported in the result;
// the error is reserved for infrastructure failures and EscrowUnavailable.
func (e *Engine) PlaceBid(ctx context.Context, req PlaceBidRequest) (BidResult, error) {
	at := e.clock.Now()

	key := ""
	if req.RequestID != "" {
		key = fmt.Sprintf("bid:%s:%s", req.AuctionID, req.RequestID)
		if r, found := e.idem.Lookup(ctx, key); found {
			r.Duplicate = true
			return r, nil
		}
	}

	r, err := e.send(ctx, req.AuctionID, command{kind: cmdPlaceBid, at: at, bid: req}, 0)
	if err != nil {
		if errors.Is(err, errRetired) || errors.Is(err, auction.ErrNotFound) {
			return rejected(err), nil
		}
		return BidResult{}, err
	}
	if key != "" && r.bid.Accepted && !r.bid.Duplicate {
		e.idem.MarkProcessed(key, r.bid)
	}
	return r.bid, r.err
}

// RegisterAutoBid registers or replaces the bidder's proxy rule and runs the
// resolver when another bidder leads.
func (e *Engine) RegisterAutoBid(ctx context.Context, req AutoBidRequest) (uuid.UUID, error) {
	r, err := e.send(ctx, req.AuctionID, command{kind: cmdRegisterAutoBid, at: e.clock.Now(), rule: req}, 0)
	if err != nil {
		return uuid.Nil, err
	}
	return r.ruleID, r.err
}

// Settle closes a due auction. Acquiring the auction is bounded by
// SettleAcquireTimeout; a timeout is alerted and reported as
// ErrSettlementTimeout.
func (e *Engine) Settle(ctx context.Context, id uuid.UUID) (SettleResult, error) {
	r, err := e.send(ctx, id, command{kind: cmdSettle, at: e.clock.Now()}, e.cfg.SettleAcquireTimeout)
	switch {
	case errors.Is(err, errRetired):
		return SettleResult{}, auction.ErrSettlementAlreadyRun
	case errors.Is(err, auction.ErrSettlementTimeout):
		if e.metrics != nil {
			e.metrics.SettlementTimeouts.Inc()
		}
		e.logger.Error().
			Str("auction_id", id.String()).
			Dur("acquire_timeout", e.cfg.SettleAcquireTimeout).
			Bool("alert", true).
			Msg("settlement could not acquire auction")
		return SettleResult{}, err
	case err != nil:
		return SettleResult{}, err
	}
	return r.settle, r.err
}

// Snapshot returns a deep copy of the auction's current state.
func (e *Engine) Snapshot(ctx context.Context, id uuid.UUID) (*auction.State, error) {
	r, err := e.send(ctx, id, command{kind: cmdSnapshot, at: e.clock.Now()}, 0)
	if errors.Is(err, errRetired) {
		return e.store.LoadAuction(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return r.state, nil
}

func (e *Engine) fireDeadline(ctx context.Context, d deadline) {
	log := e.logger.With().Str("auction_id", d.auctionID.String()).Str("deadline", d.kind.String()).Int("attempt", d.attempt).Logger()

	var err error
	switch d.kind {
	case deadlineActivate:
		_, err = e.Activate(ctx, d.auctionID)
		if err == nil {
			log.Info().Msg("auction activated")
			return
		}
	case deadlineSettle:
		var res SettleResult
		res, err = e.Settle(ctx, d.auctionID)
		if err == nil && !res.Settled {
			e.sched.Track(d.auctionID, deadlineSettle, res.EndsAt)
			return
		}
		if err == nil {
			return
		}
	}

	if errors.Is(err, errFenceHeld) {
		wait := e.cfg.FenceRecheck
		if wait <= 0 {
			wait = e.cfg.SchedulerTick
		}
		next := e.clock.Now().Add(wait)
		log.Warn().Time("recheck_at", next).Msg("settlement fenced elsewhere, keeping deadline armed")
		e.sched.Track(d.auctionID, deadlineSettle, next)
		return
	}
	if auction.IsRejection(err) || errors.Is(err, auction.ErrSettlementAlreadyRun) || errors.Is(err, auction.ErrNotFound) {
		log.Debug().Err(err).Msg("deadline no longer applies")
		return
	}
	if d.attempt+1 >= e.cfg.SettleMaxAttempts {
		log.Error().Err(err).Bool("alert", true).Msg("deadline abandoned after max attempts")
		return
	}
	log.Warn().Err(err).Msg("deadline failed, retrying")
	e.sched.retry(d)
}

// send routes cmd to the auction's unit, loading it on first use.
// acquireTimeout bounds loading and enqueueing when positive.
func (e *Engine) send(ctx context.Context, id uuid.UUID, cmd command, acquireTimeout time.Duration) (reply, error) {
	actx := ctx
	if acquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, acquireTimeout)
		defer cancel()
	}
	u, err := e.acquire(actx, id)
	if err != nil {
		if acquireTimeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return reply{}, fmt.Errorf("%w: %s", auction.ErrSettlementTimeout, id)
		}
		return reply{}, err
	}
	return e.deliver(ctx, u, cmd, acquireTimeout)
}

func (e *Engine) deliver(ctx context.Context, u *unit, cmd command, acquireTimeout time.Duration) (reply, error) {
	cmd.reply = make(chan reply, 1)

	var timeout <-chan time.Time
	if acquireTimeout > 0 {
		t := time.NewTimer(acquireTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case u.inbox <- cmd:
	case <-u.done:
		return reply{}, errRetired
	case <-timeout:
		return reply{}, fmt.Errorf("%w: %s", auction.ErrSettlementTimeout, u.id)
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}

	select {
	case r := <-cmd.reply:
		return r, nil
	case <-u.done:
		select {
		case r := <-cmd.reply:
			return r, nil
		default:
			return reply{}, errRetired
		}
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (e *Engine) shardFor(id uuid.UUID) *shard {
	return e.shards[xxhash.Sum64(id[:])%uint64(len(e.shards))]
}

// acquire returns the live unit for id, loading it from the store if needed.
func (e *Engine) acquire(ctx context.Context, id uuid.UUID) (*unit, error) {
	sh := e.shardFor(id)
	sh.mu.Lock()
	if u, ok := sh.units[id]; ok {
		sh.mu.Unlock()
		return u, nil
	}
	if _, dead := sh.tombstones[id]; dead {
		sh.mu.Unlock()
		return nil, errRetired
	}
	sh.mu.Unlock()

	st, err := e.store.LoadAuction(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Listing.Status.Terminal() {
		sh.mu.Lock()
		e.tombstone(sh, id)
		sh.mu.Unlock()
		return nil, errRetired
	}
	return e.install(st)
}

// install registers and starts a unit. Losing a load race returns the
// winner's unit.
func (e *Engine) install(st *auction.State) (*unit, error) {
	id := st.Listing.ID
	sh := e.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if u, ok := sh.units[id]; ok {
		return u, nil
	}
	if _, dead := sh.tombstones[id]; dead {
		return nil, errRetired
	}
	if e.ctx.Err() != nil {
		return nil, fmt.Errorf("engine closed")
	}

	u, err := newUnit(e, st)
	if err != nil {
		return nil, err
	}
	sh.units[id] = u
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		u.run(e.ctx)
	}()
	if e.metrics != nil {
		e.metrics.LiveUnits.Inc()
	}
	return u, nil
}

// retire is called by a unit after its terminal event.
func (e *Engine) retire(id uuid.UUID) {
	sh := e.shardFor(id)
	sh.mu.Lock()
	delete(sh.units, id)
	e.tombstone(sh, id)
	sh.mu.Unlock()

	e.sched.Untrack(id)
	if e.metrics != nil {
		e.metrics.LiveUnits.Dec()
	}
}

// tombstone must be called with sh.mu held.
func (e *Engine) tombstone(sh *shard, id uuid.UUID) {
	if _, ok := sh.tombstones[id]; ok {
		return
	}
	sh.tombstones[id] = struct{}{}
	sh.order.PushBack(id)
	for sh.order.Len() > e.cfg.TombstoneCapacity {
		delete(sh.tombstones, sh.order.PopFront())
	}
}

// emit hands an Output to the pipeline. Persistence blocks (backpressure);
// projection drops when full.
func (e *Engine) emit(ctx context.Context, out Output) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		case <-ctx.Done():
			e.logger.Error().
				Str("auction_id", out.Envelope.AuctionID.String()).
				Int64("sequence", out.Envelope.Sequence).
				Msg("shutdown before event was handed to persistence")
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}
