// internal/app/gateway.go
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pricemesh/pricemesh/internal/config"
	"github.com/pricemesh/pricemesh/internal/consensus"
	"github.com/pricemesh/pricemesh/internal/domain"
	"github.com/pricemesh/pricemesh/internal/gateway"
	"github.com/pricemesh/pricemesh/internal/pricecache"
	"github.com/pricemesh/pricemesh/internal/storage/kafkasink"
	rediscache "github.com/pricemesh/pricemesh/internal/storage/redis"
	"github.com/pricemesh/pricemesh/internal/storage/timescale"
	"github.com/pricemesh/pricemesh/pkg/backoff"
	"github.com/pricemesh/pricemesh/pkg/httpserver"
	"github.com/pricemesh/pricemesh/pkg/kafka"
	"github.com/pricemesh/pricemesh/pkg/logger"
	"github.com/pricemesh/pricemesh/pkg/shutdown"
	"github.com/pricemesh/pricemesh/pkg/telemetry"
)

// RunGateway wires and runs the gateway service until ctx is done.
func RunGateway(ctx context.Context, cfg *config.Gateway, log *logger.Logger) error {
	backoff.SetServiceLabel(cfg.ServiceName)

	cfg.Telemetry.ServiceName = cfg.ServiceName
	cfg.Telemetry.ServiceVersion = cfg.ServiceVersion
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdown.Graceful("telemetry", teardownTimeout, shutdownTracer, log)

	store, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return fmt.Errorf("timescaledb init: %w", err)
	}
	defer shutdown.Graceful("timescaledb", teardownTimeout, func(context.Context) error { store.Close(); return nil }, log)

	cache := pricecache.New(cfg.Cache)

	ingestor, err := gateway.NewIngestor(store, cache, log)
	if err != nil {
		return fmt.Errorf("ingestor init: %w", err)
	}

	agg, err := consensus.New(cfg.Consensus, store, store, log)
	if err != nil {
		return fmt.Errorf("aggregator init: %w", err)
	}
	agg.AddSink("cache", consensus.SinkFunc(func(_ context.Context, rec domain.ConsensusRecord) error {
		cache.Publish(rec)
		return nil
	}))

	var remote gateway.RemoteCache
	if cfg.Redis.URL != "" {
		rc, err := rediscache.New(ctx, cfg.Redis, log)
		if err != nil {
			return fmt.Errorf("redis init: %w", err)
		}
		defer shutdown.Graceful("redis", teardownTimeout, func(context.Context) error { return rc.Close() }, log)
		remote = rc
		agg.AddSink("redis", consensus.SinkFunc(func(ctx context.Context, rec domain.ConsensusRecord) error {
			return rc.SetLatest(ctx, rec)
		}))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.New(ctx, cfg.Kafka.Config, log)
		if err != nil {
			return fmt.Errorf("kafka producer init: %w", err)
		}
		defer shutdown.Graceful("kafka-producer", teardownTimeout, func(context.Context) error { return producer.Close() }, log)

		sink, err := kafkasink.New(kafkasink.Config{Topic: cfg.Kafka.Topic}, producer, log)
		if err != nil {
			return fmt.Errorf("kafka sink init: %w", err)
		}
		agg.AddSink("kafka", sink)
	}

	handler := gateway.NewHandler(ingestor, cache, store, store, remote, cfg.Consensus.Window, log)

	readiness := func() error { return store.Ping(ctx) }
	httpSrv, err := httpserver.New(
		cfg.HTTP,
		readiness,
		log,
		handler.Routes,
		httpserver.RecoverMiddleware,
		httpserver.CORSMiddleware(),
	)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Run(ctx) })
	g.Go(func() error { return agg.Run(ctx) })

	log.Info("gateway started", zap.String("addr", cfg.HTTP.Addr))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("gateway stopped")
	return nil
}
