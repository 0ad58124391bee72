package projection

import (
	"sync"

	"BidLedger/internal/observability"

	"github.com/google/uuid"
)

// Update is one message to a live subscriber.
type Update struct {
	Type    string      `json:"type"`
	Event   string      `json:"event,omitempty"`
	Auction AuctionView `json:"auction"`
}

// Subscription receives updates for one auction. C is closed when the
// subscription ends.
type Subscription struct {
	C         <-chan Update
	ch        chan Update
	auctionID uuid.UUID
	hub       *Hub
	once      sync.Once
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub fans board updates out to subscribers. Slow subscribers lose updates
// instead of holding up the worker.
type Hub struct {
	mu      sync.Mutex
	subs    map[uuid.UUID]map[*Subscription]struct{}
	buffer  int
	metrics *observability.Metrics
}

func NewHub(buffer int, metrics *observability.Metrics) *Hub {
	return &Hub{
		subs:    make(map[uuid.UUID]map[*Subscription]struct{}),
		buffer:  max(buffer, 1),
		metrics: metrics,
	}
}

// Subscribe registers for updates on auctionID. When initial is non-nil it
// is queued as the first message.
func (h *Hub) Subscribe(auctionID uuid.UUID, initial *AuctionView) *Subscription {
	ch := make(chan Update, h.buffer)
	if initial != nil {
		ch <- Update{Type: "snapshot", Auction: *initial}
	}
	s := &Subscription{C: ch, ch: ch, auctionID: auctionID, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[auctionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[auctionID] = set
	}
	set[s] = struct{}{}
	if h.metrics != nil {
		h.metrics.WebsocketConns.Inc()
	}
	return s
}

// Publish delivers u to every subscriber of its auction without blocking.
func (h *Hub) Publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[u.Auction.AuctionID] {
		select {
		case s.ch <- u:
		default:
			if h.metrics != nil {
				h.metrics.SubscriberDrops.Inc()
			}
		}
	}
}

// Subscribers is the number of live subscriptions on auctionID.
func (h *Hub) Subscribers(auctionID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[auctionID])
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[s.auctionID]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.auctionID)
	}
	close(s.ch)
	if h.metrics != nil {
		h.metrics.WebsocketConns.Dec()
	}
}
