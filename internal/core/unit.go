package core

import (
	"context"
	"fmt"
	"slices"
	"time"

	"BidLedger/internal/auction"
	"BidLedger/internal/event"
	"BidLedger/internal/ledger"
	"BidLedger/internal/money"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type commandKind int

const (
	cmdCreate commandKind = iota
	cmdSchedule
	cmdActivate
	cmdCancel
	cmdPlaceBid
	cmdRegisterAutoBid
	cmdSettle
	cmdSnapshot
)

// command is one unit of work for an auction. at is stamped at ingress.
type command struct {
	kind  commandKind
	at    time.Time
	bid   PlaceBidRequest
	rule  AutoBidRequest
	reply chan reply
}

type reply struct {
	bid     BidResult
	ruleID  uuid.UUID
	settle  SettleResult
	listing *auction.Listing
	state   *auction.State
	err     error
}

// unit is the serialization unit of one auction: a goroutine that owns the
// auction's in-memory projection and runs its commands one at a time.
type unit struct {
	id     uuid.UUID
	engine *Engine
	logger zerolog.Logger
	inbox  chan command
	done   chan struct{}

	listing  *auction.Listing
	ledger   *ledger.BidLedger
	rules    []*auction.AutoBidRule
	escrows  []*auction.Escrow
	result   *auction.Result
	requests map[string]BidResult

	seq     int64
	hasher  *ledger.ChainHasher
	ruleSeq int64

	settled   bool
	settleDue bool
	buyNow    bool
	retired   bool
}

func newUnit(e *Engine, st *auction.State) (*unit, error) {
	id := st.Listing.ID
	bids, err := ledger.RestoreBidLedger(id, st.Bids)
	if err != nil {
		return nil, fmt.Errorf("restore ledger for %s: %w", id, err)
	}

	u := &unit{
		id:       id,
		engine:   e,
		logger:   e.logger.With().Str("auction_id", id.String()).Logger(),
		inbox:    make(chan command, e.cfg.UnitInbox),
		done:     make(chan struct{}),
		listing:  st.Listing,
		ledger:   bids,
		rules:    st.Rules,
		escrows:  st.Escrows,
		result:   st.Result,
		requests: make(map[string]BidResult),
		seq:      st.Sequence,
		settled:  st.Result != nil || st.Listing.Status == auction.StatusEnded,
	}
	if st.Sequence == 0 {
		u.hasher = ledger.NewChainHasher(id)
	} else {
		u.hasher = ledger.RestoreChainHasher(st.ChainTip)
	}
	slices.SortFunc(u.rules, func(a, b *auction.AutoBidRule) int {
		return int(a.RegistrationSeq - b.RegistrationSeq)
	})
	for _, r := range u.rules {
		u.ruleSeq = max(u.ruleSeq, r.RegistrationSeq)
	}
	for _, b := range st.Bids {
		if b.RequestID != "" {
			u.requests[b.RequestID] = BidResult{Accepted: true, BidID: b.ID, Amount: b.Amount}
		}
	}
	return u, nil
}

func (u *unit) run(ctx context.Context) {
	defer close(u.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-u.inbox:
			cmd.reply <- u.handle(ctx, cmd)
			if u.retired {
				return
			}
		}
	}
}

func (u *unit) handle(ctx context.Context, cmd command) reply {
	switch cmd.kind {
	case cmdCreate:
		u.commit(ctx, &event.ListingCreated{Listing: *u.listing.Clone()}, cmd.at, &changes{}, false)
		return reply{listing: u.listing.Clone()}

	case cmdSchedule:
		if err := u.listing.Schedule(cmd.at); err != nil {
			return reply{err: err}
		}
		u.commit(ctx, &event.ListingScheduled{
			AuctionID: u.id,
			StartsAt:  u.listing.StartsAt,
			EndsAt:    u.listing.EndsAt,
		}, cmd.at, &changes{}, false)
		u.engine.sched.Track(u.id, deadlineActivate, u.listing.StartsAt)
		return reply{listing: u.listing.Clone()}

	case cmdActivate:
		if err := u.listing.Activate(cmd.at); err != nil {
			return reply{err: err}
		}
		u.commit(ctx, &event.AuctionActivated{
			AuctionID:    u.id,
			ActivatedAt:  cmd.at,
			CurrentPrice: u.listing.CurrentPrice,
			EndsAt:       u.listing.EndsAt,
		}, cmd.at, &changes{}, false)
		u.engine.sched.Track(u.id, deadlineSettle, u.listing.EndsAt)
		return reply{listing: u.listing.Clone()}

	case cmdCancel:
		if err := u.cancel(ctx, cmd.at); err != nil {
			return reply{err: err}
		}
		return reply{listing: u.listing.Clone()}

	case cmdPlaceBid:
		res, err := u.placeBid(ctx, cmd.bid, cmd.at)
		return reply{bid: res, err: err}

	case cmdRegisterAutoBid:
		id, err := u.registerAutoBid(ctx, cmd.rule, cmd.at)
		return reply{ruleID: id, err: err}

	case cmdSettle:
		res, err := u.settle(ctx, cmd.at)
		return reply{settle: res, err: err}

	case cmdSnapshot:
		return reply{state: u.state()}
	}
	return reply{err: fmt.Errorf("unknown command %d", cmd.kind)}
}

func (u *unit) cancel(ctx context.Context, at time.Time) error {
	if err := u.listing.Cancel(at); err != nil {
		return err
	}
	ch := &changes{}
	u.closeHeld(ch, at, func(*auction.Escrow) bool { return false })
	u.commit(ctx, &event.AuctionCancelled{AuctionID: u.id, CancelledAt: at}, at, ch, true)
	u.logger.Info().Msg("auction cancelled")
	u.retire()
	return nil
}

// plannedBid is a bid decided but not yet applied. IDs are assigned up front
// so the escrow hold can reference the leading bid.
type plannedBid struct {
	id       uuid.UUID
	bidderID uuid.UUID
	amount   decimal.Decimal
	rule     *auction.AutoBidRule
}

// bidEvent is everything one atomic bid event will apply.
type bidEvent struct {
	requestID string
	bids      []plannedBid
	exhausted []*auction.AutoBidRule
	buyNow    bool
	immediate bool
	// before runs after the hold succeeds and before the bids apply.
	before func()
}

func (u *unit) placeBid(ctx context.Context, req PlaceBidRequest, at time.Time) (BidResult, error) {
	if req.RequestID != "" {
		if r, ok := u.requests[req.RequestID]; ok {
			r.Duplicate = true
			return r, nil
		}
	}

	amount := money.Round(req.Amount)
	v, err := ValidateBid(u.listing, u.ledger, req.BidderID, amount, at)
	if err != nil {
		u.countBid(auction.Code(err))
		u.logger.Debug().Err(err).Str("bidder_id", req.BidderID.String()).Str("amount", amount.String()).Msg("bid rejected")
		return rejected(err), nil
	}

	ev := bidEvent{
		requestID: req.RequestID,
		bids:      []plannedBid{{id: uuid.New(), bidderID: req.BidderID, amount: v.Price}},
		buyNow:    v.BuyNow,
		immediate: v.Immediate,
	}
	if u.listing.Type.Ascending() && !v.BuyNow {
		res := ResolveAutoBids(u.listing, req.BidderID, v.Price, u.rules)
		ev.add(res)
	}
	return u.commitBids(ctx, ev, at)
}

func (ev *bidEvent) add(res Resolution) {
	for _, pb := range res.Bids {
		ev.bids = append(ev.bids, plannedBid{id: uuid.New(), bidderID: pb.Rule.BidderID, amount: pb.Amount, rule: pb.Rule})
	}
	ev.exhausted = append(ev.exhausted, res.Exhausted...)
	if res.BuyNow {
		ev.buyNow = true
		ev.immediate = true
	}
}

// newLeader returns the index of the planned bid that leads after the event,
// or -1 when the leader does not change (a lower sealed bid).
func (u *unit) newLeader(planned []plannedBid) int {
	if u.listing.Type != auction.TypeSealed {
		return len(planned) - 1
	}
	if top := u.ledger.Highest(); top != nil && !planned[0].amount.GreaterThan(top.Amount) {
		return -1
	}
	return 0
}

// commitBids holds escrow for the resulting leader, then applies the whole
// event. A failed hold discards the event and leaves state untouched.
func (u *unit) commitBids(ctx context.Context, ev bidEvent, at time.Time) (BidResult, error) {
	start := time.Now()
	l := u.listing

	leaderIdx := u.newLeader(ev.bids)
	var ref string
	if leaderIdx >= 0 {
		lead := ev.bids[leaderIdx]
		var err error
		ref, err = u.holdFor(ctx, lead.bidderID, lead.amount)
		if err != nil {
			u.countBid(auction.Code(err))
			return rejected(err), err
		}
	}

	if ev.before != nil {
		ev.before()
	}

	ch := &changes{}
	applied := make([]*auction.Bid, 0, len(ev.bids))
	for i, pb := range ev.bids {
		b := &auction.Bid{
			ID:        pb.id,
			AuctionID: u.id,
			BidderID:  pb.bidderID,
			Amount:    pb.amount,
			Status:    auction.BidActive,
			PlacedAt:  at,
		}
		if i == 0 {
			b.RequestID = ev.requestID
		}
		if pb.rule != nil {
			b.IsAutoBid = true
			b.MaxAutoBid = decimal.NewNullDecimal(pb.rule.MaxAmount)
			pb.rule.BidsPlaced++
			ch.rule(pb.rule)
		}
		if l.Type != auction.TypeSealed || i == leaderIdx {
			if prev := u.ledger.Leader(); prev != nil {
				prev.Status = auction.BidOutbid
				ch.bid(prev)
			}
			b.Status = auction.BidWinning
		}
		if err := u.ledger.Append(b); err != nil {
			panic(fmt.Sprintf("FATAL: ledger append: %v", err))
		}
		ch.bid(b)
		applied = append(applied, b)
	}

	u.deactivate(ch, ev.exhausted)

	l.TotalBids += len(applied)
	if leaderIdx >= 0 && l.Type != auction.TypeSealed {
		l.CurrentPrice = applied[leaderIdx].Amount
	}
	if leaderIdx >= 0 {
		u.moveEscrow(ch, applied[leaderIdx], ref, at)
	}

	extended := false
	if !ev.immediate {
		extended = ApplyAntiSnipe(l, at)
	}
	if ev.buyNow {
		u.buyNow = true
	}
	if ev.immediate {
		u.settleDue = true
	}
	l.Touch(at)

	leader := u.ledger.Leader()
	evt := &event.BidPlaced{
		AuctionID:     u.id,
		RequestID:     ev.requestID,
		Bids:          make([]auction.Bid, len(applied)),
		LeaderID:      leader.BidderID,
		LeadingBidID:  leader.ID,
		LeadingAmount: leader.Amount,
		CurrentPrice:  l.CurrentPrice,
		TotalBids:     l.TotalBids,
		EndsAt:        l.EndsAt,
		Extended:      extended,
		BuyNow:        ev.buyNow,
		Sealed:        l.Type == auction.TypeSealed,
	}
	for i, b := range applied {
		evt.Bids[i] = *b
	}
	u.commit(ctx, evt, at, ch, false)

	if extended {
		u.engine.sched.Track(u.id, deadlineSettle, l.EndsAt)
		if m := u.engine.metrics; m != nil {
			m.Extensions.Inc()
		}
		u.logger.Info().Time("ends_at", l.EndsAt).Msg("auction extended")
	}

	first := applied[0]
	res := BidResult{
		Accepted: true,
		BidID:    first.ID,
		Amount:   first.Amount,
		EndsAt:   l.EndsAt,
		Extended: extended,
		AutoBids: len(applied) - 1,
	}
	if l.Type != auction.TypeSealed {
		res.LeaderID = leader.BidderID
		res.LeadingAmount = leader.Amount
	}
	if ev.requestID != "" {
		u.requests[ev.requestID] = res
	}

	u.countBid("accepted")
	if m := u.engine.metrics; m != nil {
		m.AutoBidsPlaced.Add(float64(len(applied) - 1))
		m.BidEventDuration.WithLabelValues(string(l.Type)).Observe(time.Since(start).Seconds())
	}

	if ev.immediate {
		sr, err := u.settle(ctx, at)
		if err != nil {
			// The scheduler retries; settleDue keeps the deadline due.
			u.logger.Error().Err(err).Msg("immediate settlement failed")
			u.engine.sched.Track(u.id, deadlineSettle, at)
		}
		res.Settled = sr.Settled
	}
	return res, nil
}

func (u *unit) registerAutoBid(ctx context.Context, req AutoBidRequest, at time.Time) (uuid.UUID, error) {
	l := u.listing
	if l.Status != auction.StatusActive {
		return uuid.Nil, fmt.Errorf("%w: auction is %s", auction.ErrInvalidState, l.Status)
	}
	if at.After(l.EndsAt) {
		return uuid.Nil, auction.ErrAuctionClosed
	}
	if !l.Type.Ascending() {
		return uuid.Nil, fmt.Errorf("%w: %s", auction.ErrAutoBidUnsupported, l.Type)
	}

	rule := &auction.AutoBidRule{
		ID:              uuid.New(),
		AuctionID:       u.id,
		BidderID:        req.BidderID,
		MaxAmount:       money.Round(req.MaxAmount),
		IsActive:        true,
		RegisteredAt:    at,
		RegistrationSeq: u.ruleSeq + 1,
	}
	if req.Increment.Valid {
		if !money.Positive(req.Increment.Decimal) {
			return uuid.Nil, fmt.Errorf("%w: increment must be positive", auction.ErrInvalidListing)
		}
		rule.IncrementAmount = decimal.NewNullDecimal(money.Round(req.Increment.Decimal))
	}
	if floor := l.CurrentPrice.Add(ruleStep(l, rule)); rule.MaxAmount.LessThan(floor) {
		return uuid.Nil, fmt.Errorf("%w: max %s below next price %s", auction.ErrRuleCeilingExceeded, rule.MaxAmount, floor)
	}

	var replaced *auction.AutoBidRule
	pool := make([]*auction.AutoBidRule, 0, len(u.rules)+1)
	for _, r := range u.rules {
		if r.IsActive && r.BidderID == req.BidderID {
			replaced = r
			continue
		}
		pool = append(pool, r)
	}
	pool = append(pool, rule)

	register := func(exhausted []*auction.AutoBidRule) {
		ch := &changes{}
		u.deactivate(ch, exhausted)
		evt := &event.AutoBidRegistered{Rule: *rule}
		if replaced != nil {
			replaced.IsActive = false
			ch.rule(replaced)
			id := replaced.ID
			evt.Replaced = &id
		}
		u.ruleSeq = rule.RegistrationSeq
		u.rules = append(u.rules, rule)
		ch.rule(rule)
		l.Touch(at)
		u.commit(ctx, evt, at, ch, false)
		u.logger.Debug().Str("bidder_id", rule.BidderID.String()).Str("max", rule.MaxAmount.String()).Msg("auto-bid registered")
	}

	leader := u.ledger.Leader()
	if leader == nil || leader.BidderID == req.BidderID {
		register(nil)
		return rule.ID, nil
	}

	var ev bidEvent
	ev.add(ResolveAutoBids(l, leader.BidderID, leader.Amount, pool))
	if len(ev.bids) == 0 {
		register(ev.exhausted)
		return rule.ID, nil
	}
	ev.before = func() { register(nil) }
	if _, err := u.commitBids(ctx, ev, at); err != nil {
		return uuid.Nil, err
	}
	return rule.ID, nil
}

// deactivate retires rules whose ceiling can no longer beat the price.
func (u *unit) deactivate(ch *changes, rules []*auction.AutoBidRule) {
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		r.IsActive = false
		ch.rule(r)
		u.logger.Debug().Str("bidder_id", r.BidderID.String()).Str("reason", auction.Code(auction.ErrRuleCeilingExceeded)).Msg("auto-bid rule exhausted")
		if m := u.engine.metrics; m != nil {
			m.AutoBidRulesDead.Inc()
		}
	}
}

// commit seals one event: sequence, chain hash, invariant check, emission,
// then post-commit escrow dispatch.
func (u *unit) commit(ctx context.Context, evt event.Event, at time.Time, ch *changes, final bool) {
	u.seq++
	prev := u.hasher.Tip()
	hash := u.hasher.ComputeHash(u.seq, ledger.Digest(evt))

	if err := u.engine.validator.Validate(u.listing, u.ledger.Bids(), u.rules, u.escrows); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: auction %s seq %d: %v", u.id, u.seq, err))
	}

	out := Output{
		Envelope: &event.Envelope{
			Sequence:       u.seq,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			AuctionID:      u.id,
			Timestamp:      at,
			StateHash:      hash,
			PrevHash:       prev,
		},
		Event:   evt,
		Listing: u.listing.Clone(),
	}
	for _, b := range ch.bids {
		cp := *b
		out.Bids = append(out.Bids, &cp)
	}
	for _, r := range ch.rules {
		cp := *r
		out.Rules = append(out.Rules, &cp)
	}
	for _, e := range ch.escrows {
		cp := *e
		out.Escrows = append(out.Escrows, &cp)
	}
	if ch.result != nil {
		cp := *ch.result
		out.Result = &cp
	}
	if final {
		out.Final = u.state()
	}

	u.engine.emit(ctx, out)
	u.dispatchEscrow(ch)
}

// state returns a deep copy of the unit's projection.
func (u *unit) state() *auction.State {
	st := &auction.State{
		Listing:  u.listing.Clone(),
		Sequence: u.seq,
		ChainTip: u.hasher.Tip(),
	}
	for _, b := range u.ledger.Bids() {
		cp := *b
		st.Bids = append(st.Bids, &cp)
	}
	for _, r := range u.rules {
		cp := *r
		st.Rules = append(st.Rules, &cp)
	}
	for _, e := range u.escrows {
		cp := *e
		st.Escrows = append(st.Escrows, &cp)
	}
	if u.result != nil {
		cp := *u.result
		st.Result = &cp
	}
	return st
}

func (u *unit) retire() {
	if u.retired {
		return
	}
	u.retired = true
	u.engine.retire(u.id)
}

func (u *unit) countBid(outcome string) {
	if m := u.engine.metrics; m != nil {
		m.BidsTotal.WithLabelValues(string(u.listing.Type), outcome).Inc()
	}
}

// changes collects the rows an event touched, deduplicated by identity.
type changes struct {
	bids     []*auction.Bid
	rules    []*auction.AutoBidRule
	escrows  []*auction.Escrow
	result   *auction.Result
	releases []string
	refunds  []string
}

func (c *changes) bid(b *auction.Bid) {
	if !slices.Contains(c.bids, b) {
		c.bids = append(c.bids, b)
	}
}

func (c *changes) rule(r *auction.AutoBidRule) {
	if !slices.Contains(c.rules, r) {
		c.rules = append(c.rules, r)
	}
}

func (c *changes) escrow(e *auction.Escrow) {
	if !slices.Contains(c.escrows, e) {
		c.escrows = append(c.escrows, e)
	}
}
