package reconciler

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/windlass-io/windlass/internal/config"
	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/ledger"
	"github.com/windlass-io/windlass/internal/metrics"
	"github.com/windlass-io/windlass/internal/queue"
	"github.com/windlass-io/windlass/internal/scheduler"
)

// Module runs one reconciliation pass at boot. It must be registered
// before the scheduler module so the pass finishes before ticking
// starts.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(newService),
		fx.Invoke(registerLifecycle),
	)
}

func newService(
	schedules scheduler.Store,
	sched *scheduler.Service,
	eng *engine.Service,
	ledgerStore ledger.Store,
	tasks queue.Store,
	collector *metrics.Collector,
	logger *zap.Logger,
	cfg config.Config,
) *Service {
	return NewService(schedules, sched, eng, ledgerStore, tasks, collector, logger, cfg.Scheduler.CatchUpCap)
}

func registerLifecycle(lc fx.Lifecycle, svc *Service) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			svc.Reconcile(time.Now().UTC())
			return nil
		},
	})
}
