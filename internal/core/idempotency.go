package core

import (
	"container/list"
	"context"
	"sync"

	"BidLedger/internal/observability"
)

// IdempotencyChecker implements two-tier deduplication of bid requests
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU of accepted results
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// Lookup returns the cached result for key. found is true when the request
// was already committed; cached is false when only tier 2 knew about it.
func (ic *IdempotencyChecker) Lookup(ctx context.Context, key string) (result BidResult, found bool) {
	// Tier 1: LRU check (hot path)
	if r, ok := ic.lru.Get(key); ok {
		ic.recordDuplicate("lru")
		return r, true
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker == nil {
		return BidResult{}, false
	}
	isDup, err := ic.dbChecker.IsDuplicate(ctx, key)
	if err != nil {
		// Assume not duplicate: the unit's request index still catches
		// in-memory repeats, and a DB outage must not block bidding.
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		return BidResult{}, false
	}
	if isDup {
		ic.recordDuplicate("postgres")
		r := BidResult{Accepted: true, Duplicate: true}
		ic.lru.Add(key, r)
		return r, true
	}
	return BidResult{}, false
}

// MarkProcessed caches an accepted result after commit
func (ic *IdempotencyChecker) MarkProcessed(key string, result BidResult) {
	ic.lru.Add(key, result)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues("bid", tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache from idempotency key to result.
// Safe for concurrent use: bids for different auctions consult it in parallel.
type IdempotencyLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key    string
	result BidResult
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Get returns the entry for key (promotes to front)
func (lru *IdempotencyLRU) Get(key string) (BidResult, bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	elem, exists := lru.cache[key]
	if !exists {
		return BidResult{}, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).result, true
}

// Add inserts a key (or refreshes it if present)
func (lru *IdempotencyLRU) Add(key string, result BidResult) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, exists := lru.cache[key]; exists {
		elem.Value.(*lruEntry).result = result
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, result: result})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		lru.lruList.Remove(oldest)
		delete(lru.cache, oldest.Value.(*lruEntry).key)
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.evictions
}
