package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/windlass-io/windlass/internal/cli"
	"github.com/windlass-io/windlass/internal/config"
	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/httpserver"
	"github.com/windlass-io/windlass/internal/ledger"
	"github.com/windlass-io/windlass/internal/logging"
	"github.com/windlass-io/windlass/internal/metrics"
	"github.com/windlass-io/windlass/internal/otel"
	"github.com/windlass-io/windlass/internal/queue"
	"github.com/windlass-io/windlass/internal/reconciler"
	"github.com/windlass-io/windlass/internal/scheduler"
	"github.com/windlass-io/windlass/internal/taskworker"
	"github.com/windlass-io/windlass/internal/workflow"
)

func main() {
	rootCmd := cli.NewRootCommand()

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		startServer(configPath)
		return nil
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startServer(configPath string) {
	app := fx.New(
		config.Module(configPath),
		logging.Module("windlass"),
		metrics.Module(),
		workflow.Module(),
		ledger.Module(),
		queue.Module(),
		engine.Module(),
		// Reconciliation must finish before the scheduler ticks.
		reconciler.Module(),
		scheduler.Module(),
		taskworker.Module(),
		httpserver.Module(),
		fx.Invoke(registerOtel),
	)

	app.Run()
}

func registerOtel(lc fx.Lifecycle, logger *zap.Logger) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		logger.Info("otel exporter not configured; tracing disabled")
		return
	}
	var shutdown func(context.Context) error
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			fn, err := otel.Init("windlass")
			if err != nil {
				logger.Warn("otel init failed", zap.Error(err))
				return nil
			}
			shutdown = fn
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if shutdown == nil {
				return nil
			}
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return shutdown(shutdownCtx)
		},
	})
}
