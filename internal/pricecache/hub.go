// internal/pricecache/hub.go
package pricecache

import (
	"sync"

	"github.com/pricemesh/pricemesh/internal/domain"
)

// Subscription is one stream consumer. Records arrive on C in publish
// order, each at most once. C is closed when the subscriber is dropped
// or unsubscribed.
type Subscription struct {
	C chan domain.ConsensusRecord

	symbols map[string]struct{} // empty means all symbols
	closed  bool
}

func (s *Subscription) wants(symbol string) bool {
	if len(s.symbols) == 0 {
		return true
	}
	_, ok := s.symbols[symbol]
	return ok
}

// Hub fans consensus records out to subscribers. Delivery never blocks
// the publisher: a subscriber whose buffer is full is disconnected
// rather than slowing everyone else down.
type Hub struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	bufSize int
}

func newHub(bufSize int) *Hub {
	return &Hub{subs: make(map[*Subscription]struct{}), bufSize: bufSize}
}

// Subscribe registers a consumer for the given symbols; none means all.
func (h *Hub) Subscribe(symbols []string) *Subscription {
	sub := &Subscription{
		C:       make(chan domain.ConsensusRecord, h.bufSize),
		symbols: make(map[string]struct{}, len(symbols)),
	}
	for _, s := range symbols {
		sub.symbols[s] = struct{}{}
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	cacheMetrics.Subscribers.Inc()
	return sub
}

// Unsubscribe removes the consumer and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub)
}

func (h *Hub) dropLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub)
	close(sub.C)
	cacheMetrics.Subscribers.Dec()
}

// Broadcast delivers one record to every interested subscriber.
func (h *Hub) Broadcast(rec domain.ConsensusRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.wants(rec.Symbol) {
			continue
		}
		select {
		case sub.C <- rec:
			cacheMetrics.Broadcasts.Inc()
		default:
			cacheMetrics.Dropped.Inc()
			h.dropLocked(sub)
		}
	}
}

// Len reports the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
