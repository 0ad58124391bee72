package core

import (
	"bytes"
	"context"
	"sync"
	"time"

	"BidLedger/internal/observability"

	"github.com/google/btree"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type deadlineKind int

const (
	deadlineActivate deadlineKind = iota
	deadlineSettle
)

func (k deadlineKind) String() string {
	if k == deadlineActivate {
		return "activate"
	}
	return "settle"
}

// deadline is one armed timer. An auction has at most one: activation while
// scheduled, settlement while active.
type deadline struct {
	at        time.Time
	auctionID uuid.UUID
	kind      deadlineKind
	attempt   int
}

func deadlineLess(a, b deadline) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return bytes.Compare(a.auctionID[:], b.auctionID[:]) < 0
}

// Scheduler keeps auction deadlines ordered by time and fires those that are
// due. Fired deadlines run concurrently, bounded by workers.
type Scheduler struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[deadline]
	byID    map[uuid.UUID]deadline
	clock   Clock
	tick    time.Duration
	workers int
	fire    func(ctx context.Context, d deadline)
	metrics *observability.Metrics
}

func NewScheduler(clock Clock, tick time.Duration, workers int, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		tree:    btree.NewG(2, btree.LessFunc[deadline](deadlineLess)),
		byID:    make(map[uuid.UUID]deadline),
		clock:   clock,
		tick:    tick,
		workers: workers,
		metrics: metrics,
	}
}

// Track arms (or re-arms) the auction's deadline.
func (s *Scheduler) Track(auctionID uuid.UUID, kind deadlineKind, at time.Time) {
	s.track(deadline{at: at, auctionID: auctionID, kind: kind})
}

func (s *Scheduler) track(d deadline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[d.auctionID]; ok {
		s.tree.Delete(old)
	}
	s.byID[d.auctionID] = d
	s.tree.ReplaceOrInsert(d)
	s.gauge()
}

// Untrack drops the auction's deadline.
func (s *Scheduler) Untrack(auctionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[auctionID]; ok {
		s.tree.Delete(old)
		delete(s.byID, auctionID)
		s.gauge()
	}
}

// Next returns the auction's armed deadline.
func (s *Scheduler) Next(auctionID uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[auctionID]
	return d.at, ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

// due pops every deadline at or before now.
func (s *Scheduler) due(now time.Time) []deadline {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []deadline
	for {
		d, ok := s.tree.Min()
		if !ok || d.at.After(now) {
			break
		}
		s.tree.DeleteMin()
		delete(s.byID, d.auctionID)
		out = append(out, d)
	}
	if len(out) > 0 {
		s.gauge()
	}
	return out
}

// RunDue fires every due deadline and waits for them. Returns how many fired.
func (s *Scheduler) RunDue(ctx context.Context) int {
	ready := s.due(s.clock.Now())
	if len(ready) == 0 || s.fire == nil {
		return len(ready)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, d := range ready {
		g.Go(func() error {
			s.fire(gctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return len(ready)
}

// Run polls every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// retry re-arms a failed deadline one tick later.
func (s *Scheduler) retry(d deadline) {
	d.attempt++
	d.at = s.clock.Now().Add(s.tick)
	s.track(d)
}

func (s *Scheduler) gauge() {
	if s.metrics != nil {
		s.metrics.SchedulerPending.Set(float64(s.tree.Len()))
	}
}
