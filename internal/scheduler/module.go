package scheduler

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/windlass-io/windlass/internal/config"
	"github.com/windlass-io/windlass/internal/engine"
)

func Module() fx.Option {
	return fx.Options(
		fx.Provide(newStore, newSchedulerConfig, NewService, newSequencer),
		fx.Invoke(registerLifecycle),
	)
}

func newStore(db *sql.DB) (Store, error) {
	if db == nil {
		return NewMemoryStore(), nil
	}
	return NewPGStore(db)
}

func newSchedulerConfig(cfg config.Config) Config {
	out := DefaultConfig()
	if cfg.Scheduler.TickIntervalMillis > 0 {
		out.TickInterval = time.Duration(cfg.Scheduler.TickIntervalMillis) * time.Millisecond
	}
	if cfg.Scheduler.RunLeaseSeconds > 0 {
		out.RunLease = time.Duration(cfg.Scheduler.RunLeaseSeconds) * time.Second
	}
	if cfg.Scheduler.CatchUpCap > 0 {
		out.CatchUpCap = cfg.Scheduler.CatchUpCap
	}
	return out
}

func newSequencer(store Store, eng *engine.Service, cfg config.Config, logger *zap.Logger) *Sequencer {
	graceful := time.Duration(cfg.Scheduler.GracefulShutdownSeconds) * time.Second
	return NewSequencer(store, eng, logger, graceful)
}

func registerLifecycle(lc fx.Lifecycle, svc *Service, seq *Sequencer) {
	loopCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go svc.RunLoop(loopCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			seq.Shutdown(ctx)
			return nil
		},
	})
}
