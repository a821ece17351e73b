// internal/pricecache/cache.go

// Package pricecache keeps the hot read path in memory: the latest
// consensus per symbol, the latest feed per (symbol, source), and a
// fan-out hub for streaming subscribers. Staleness is decided at read
// time, so a dead publisher cannot serve frozen prices forever.
package pricecache

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pricemesh/pricemesh/internal/domain"
)

var cacheMetrics = struct {
	Hits        prometheus.Counter
	Misses      *prometheus.CounterVec
	Subscribers prometheus.Gauge
	Broadcasts  prometheus.Counter
	Dropped     prometheus.Counter
}{
	Hits: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "pricecache", Name: "hits_total",
		Help: "Consensus cache hits",
	}),
	Misses: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "pricecache", Name: "misses_total",
		Help: "Consensus cache misses by cause",
	}, []string{"cause"}),
	Subscribers: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pricemesh", Subsystem: "pricecache", Name: "subscribers",
		Help: "Active stream subscribers",
	}),
	Broadcasts: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "pricecache", Name: "broadcasts_total",
		Help: "Records broadcast to subscribers",
	}),
	Dropped: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pricemesh", Subsystem: "pricecache", Name: "subscribers_dropped_total",
		Help: "Subscribers disconnected for not keeping up",
	}),
}

// Config tunes the cache.
type Config struct {
	// Staleness is the maximum age of an entry before reads stop
	// returning it.
	Staleness time.Duration `mapstructure:"staleness"`

	// SubscriberBuffer is the per-subscriber channel depth; a subscriber
	// that falls this far behind is dropped.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

func (c *Config) applyDefaults() {
	if c.Staleness <= 0 {
		c.Staleness = 30 * time.Second
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
}

// Cache is the in-memory read model.
type Cache struct {
	cfg Config
	hub *Hub

	mu        sync.RWMutex
	consensus map[string]domain.ConsensusRecord
	feeds     map[string]map[string]domain.PriceFeed // symbol -> source -> feed

	now func() time.Time
}

// New builds the cache and its hub.
func New(cfg Config) *Cache {
	cfg.applyDefaults()
	return &Cache{
		cfg:       cfg,
		hub:       newHub(cfg.SubscriberBuffer),
		consensus: make(map[string]domain.ConsensusRecord),
		feeds:     make(map[string]map[string]domain.PriceFeed),
		now:       time.Now,
	}
}

// Hub exposes the streaming fan-out.
func (c *Cache) Hub() *Hub { return c.hub }

// Publish stores the record and broadcasts it. Satisfies the consensus
// sink contract.
func (c *Cache) Publish(rec domain.ConsensusRecord) {
	c.mu.Lock()
	c.consensus[rec.Symbol] = rec
	c.mu.Unlock()
	c.hub.Broadcast(rec)
}

// LatestConsensus returns the cached record unless it is absent or has
// gone stale by read time.
func (c *Cache) LatestConsensus(symbol string) (*domain.ConsensusRecord, bool) {
	c.mu.RLock()
	rec, ok := c.consensus[symbol]
	c.mu.RUnlock()
	if !ok {
		cacheMetrics.Misses.WithLabelValues("absent").Inc()
		return nil, false
	}
	if c.now().Sub(rec.Timestamp) > c.cfg.Staleness {
		cacheMetrics.Misses.WithLabelValues("stale").Inc()
		return nil, false
	}
	cacheMetrics.Hits.Inc()
	return &rec, true
}

// ObserveFeeds records the newest feed per (symbol, source). Satisfies
// the ingestion observer contract.
func (c *Cache) ObserveFeeds(feeds []domain.PriceFeed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range feeds {
		bySource, ok := c.feeds[f.Symbol]
		if !ok {
			bySource = make(map[string]domain.PriceFeed)
			c.feeds[f.Symbol] = bySource
		}
		if cur, ok := bySource[f.Source]; !ok || f.Timestamp.After(cur.Timestamp) {
			bySource[f.Source] = f
		}
	}
}

// LatestFeeds returns the fresh per-source feeds for a symbol.
func (c *Cache) LatestFeeds(symbol string) []domain.PriceFeed {
	cutoff := c.now().Add(-c.cfg.Staleness)
	c.mu.RLock()
	defer c.mu.RUnlock()
	bySource := c.feeds[symbol]
	out := make([]domain.PriceFeed, 0, len(bySource))
	for _, f := range bySource {
		if !f.Timestamp.Before(cutoff) {
			out = append(out, f)
		}
	}
	return out
}

// Symbols lists symbols with a fresh consensus entry.
func (c *Cache) Symbols() []string {
	cutoff := c.now().Add(-c.cfg.Staleness)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.consensus))
	for sym, rec := range c.consensus {
		if !rec.Timestamp.Before(cutoff) {
			out = append(out, sym)
		}
	}
	return out
}
