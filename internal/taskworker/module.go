package taskworker

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/windlass-io/windlass/internal/config"
	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/metrics"
	"github.com/windlass-io/windlass/internal/queue"
)

func Module() fx.Option {
	return fx.Invoke(register)
}

func register(lc fx.Lifecycle, cfg config.Config, tasks queue.Store, eng *engine.Service, collector *metrics.Collector, client *http.Client, logger *zap.Logger) {
	if !cfg.Worker.Enabled {
		logger.Info("embedded task worker disabled")
		return
	}
	worker := New(Config{
		Queues:       cfg.Worker.Queues,
		Handlers:     cfg.Worker.Handlers,
		PollInterval: time.Duration(cfg.Worker.PollIntervalMillis) * time.Millisecond,
		Lease:        time.Duration(cfg.Worker.LeaseSeconds) * time.Second,
	}, tasks, eng, collector, client, logger)

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, runCancel := context.WithCancel(context.Background())
			cancel = runCancel
			go worker.Run(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
