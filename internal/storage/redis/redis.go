// internal/storage/redis/redis.go

// Package redis caches the latest consensus record per symbol so read
// traffic does not hit TimescaleDB. Entries are written through on every
// publish and expire on TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pricemesh/pricemesh/internal/domain"
	"github.com/pricemesh/pricemesh/internal/storage"
	"github.com/pricemesh/pricemesh/pkg/backoff"
	"github.com/pricemesh/pricemesh/pkg/logger"
)

var (
	cacheMetrics = struct {
		GetErrors        prometheus.Counter
		SetErrors        prometheus.Counter
		Misses           prometheus.Counter
		OperationLatency prometheus.Histogram
	}{
		GetErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pricemesh", Subsystem: "redis", Name: "get_errors_total",
			Help: "Total number of errors on Redis GET",
		}),
		SetErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pricemesh", Subsystem: "redis", Name: "set_errors_total",
			Help: "Total number of errors on Redis SET",
		}),
		Misses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pricemesh", Subsystem: "redis", Name: "misses_total",
			Help: "Cache lookups that found no entry",
		}),
		OperationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pricemesh", Subsystem: "redis", Name: "operation_latency_seconds",
			Help:    "Latency of Redis operations",
			Buckets: prometheus.DefBuckets,
		}),
	}
	tracer = otel.Tracer("storage/redis")
)

// Config holds Redis connection parameters.
type Config struct {
	URL     string         `mapstructure:"url"` // e.g. "redis://host:6379/0"
	TTL     time.Duration  `mapstructure:"ttl"`
	Backoff backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
}

func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("redis: url is required")
	}
	return nil
}

// ConsensusCache is the go-redis backed cache.
type ConsensusCache struct {
	client     *redis.Client
	ttl        time.Duration
	log        *logger.Logger
	backoffCfg backoff.Config
}

// New connects to Redis with retries and returns the cache.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*ConsensusCache, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("redis")

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)

	op := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.String("url", cfg.URL)))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, op); err != nil {
		span.RecordError(err)
		span.End()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	span.End()
	log.Info("redis connected", zap.String("url", cfg.URL))

	return &ConsensusCache{
		client:     client,
		ttl:        cfg.TTL,
		log:        log,
		backoffCfg: cfg.Backoff,
	}, nil
}

func latestKey(symbol string) string { return "consensus:latest:" + symbol }

// SetLatest writes through the newest consensus record for a symbol.
func (c *ConsensusCache) SetLatest(ctx context.Context, rec domain.ConsensusRecord) error {
	ctxOp, span := tracer.Start(ctx, "SetLatest",
		trace.WithAttributes(attribute.String("symbol", rec.Symbol)))
	defer span.End()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal consensus: %w", err)
	}

	start := time.Now()
	op := func(ctx context.Context) error {
		return c.client.Set(ctx, latestKey(rec.Symbol), payload, c.ttl).Err()
	}
	if err := backoff.Execute(ctxOp, c.backoffCfg, c.log, op); err != nil {
		cacheMetrics.SetErrors.Inc()
		c.log.WithContext(ctx).Error("redis SET failed",
			zap.String("symbol", rec.Symbol), zap.Error(err))
		span.RecordError(err)
		return err
	}
	cacheMetrics.OperationLatency.Observe(time.Since(start).Seconds())
	return nil
}

// GetLatest returns the cached record for a symbol, or storage.ErrNotFound.
func (c *ConsensusCache) GetLatest(ctx context.Context, symbol string) (*domain.ConsensusRecord, error) {
	ctxOp, span := tracer.Start(ctx, "GetLatest",
		trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	start := time.Now()
	var data []byte
	op := func(ctx context.Context) error {
		val, err := c.client.Get(ctx, latestKey(symbol)).Bytes()
		if err == redis.Nil {
			return backoff.Permanent(storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		data = val
		return nil
	}
	if err := backoff.Execute(ctxOp, c.backoffCfg, c.log, op); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			cacheMetrics.Misses.Inc()
			return nil, storage.ErrNotFound
		}
		cacheMetrics.GetErrors.Inc()
		c.log.WithContext(ctx).Error("redis GET failed",
			zap.String("symbol", symbol), zap.Error(err))
		span.RecordError(err)
		return nil, err
	}
	cacheMetrics.OperationLatency.Observe(time.Since(start).Seconds())

	var rec domain.ConsensusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("redis: unmarshal consensus: %w", err)
	}
	return &rec, nil
}

// Ping checks connectivity for readiness probes.
func (c *ConsensusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *ConsensusCache) Close() error {
	return c.client.Close()
}
