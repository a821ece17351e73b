// internal/app/collector.go
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pricemesh/pricemesh/internal/collector"
	"github.com/pricemesh/pricemesh/internal/config"
	"github.com/pricemesh/pricemesh/internal/exchange"
	"github.com/pricemesh/pricemesh/pkg/backoff"
	"github.com/pricemesh/pricemesh/pkg/httpserver"
	"github.com/pricemesh/pricemesh/pkg/logger"
	"github.com/pricemesh/pricemesh/pkg/shutdown"
	"github.com/pricemesh/pricemesh/pkg/telemetry"
)

// teardownTimeout bounds each component's shutdown.
const teardownTimeout = 10 * time.Second

// RunCollector wires and runs the collector service until ctx is done.
func RunCollector(ctx context.Context, cfg *config.Collector, log *logger.Logger) error {
	backoff.SetServiceLabel(cfg.ServiceName)

	cfg.Telemetry.ServiceName = cfg.ServiceName
	cfg.Telemetry.ServiceVersion = cfg.ServiceVersion
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdown.Graceful("telemetry", teardownTimeout, shutdownTracer, log)

	client, err := collector.NewIngestClient(cfg.Gateway)
	if err != nil {
		return fmt.Errorf("ingest client init: %w", err)
	}

	fwd, err := collector.NewForwarder(cfg.Forwarder, client, log)
	if err != nil {
		return fmt.Errorf("forwarder init: %w", err)
	}

	var managers []*collector.ConnManager
	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		adapter, err := exchange.New(name, exchange.Config{Symbols: ex.Symbols})
		if err != nil {
			return fmt.Errorf("exchange %s: %w", name, err)
		}
		mgr, err := collector.NewConnManager(collector.ConnConfig{
			URL:   ex.URL,
			Retry: cfg.Reconnect,
		}, adapter, nil, fwd, log)
		if err != nil {
			return fmt.Errorf("conn manager %s: %w", name, err)
		}
		managers = append(managers, mgr)
	}

	httpSrv, err := httpserver.New(
		cfg.HTTP,
		func() error { return nil },
		log,
		statusRoutes(managers, fwd),
		httpserver.RecoverMiddleware,
		httpserver.CORSMiddleware(),
	)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Run(ctx) })
	g.Go(func() error { return fwd.Run(ctx) })
	g.Go(func() error {
		for _, mgr := range managers {
			mgr.Connect(ctx)
		}
		<-ctx.Done()
		for _, mgr := range managers {
			mgr.Disconnect()
		}
		return ctx.Err()
	})

	log.Info("collector started",
		zap.Int("exchanges", len(managers)),
		zap.String("worker_id", fwd.WorkerID()))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("collector stopped")
	return nil
}

// statusRoutes serves GET /api/v1/status with a snapshot of every
// connection and the forwarder buffer.
func statusRoutes(managers []*collector.ConnManager, fwd *collector.Forwarder) httpserver.RouteRegistrar {
	return func(mux *http.ServeMux) {
		mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, _ *http.Request) {
			statuses := make([]collector.ConnStatus, 0, len(managers))
			for _, mgr := range managers {
				statuses = append(statuses, mgr.Status())
			}
			sort.Slice(statuses, func(i, j int) bool {
				return statuses[i].Exchange < statuses[j].Exchange
			})
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"worker_id":      fwd.WorkerID(),
				"buffered_feeds": fwd.Len(),
				"connections":    statuses,
			})
		})
	}
}
