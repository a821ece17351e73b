// cmd/gateway/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pricemesh/pricemesh/internal/app"
	"github.com/pricemesh/pricemesh/internal/config"
	"github.com/pricemesh/pricemesh/pkg/logger"
	"github.com/pricemesh/pricemesh/pkg/shutdown"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Price ingestion and consensus gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config/gateway.yaml", "path to config file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadGateway(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go shutdown.WaitForSignals(ctx, cancel, log)

	log.Info("starting service",
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.ServiceVersion))

	if err := app.RunGateway(ctx, cfg, log); err != nil {
		log.Error("service exited with error", zap.Error(err))
		return err
	}
	return nil
}
