package engine

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/windlass-io/windlass/internal/config"
	"github.com/windlass-io/windlass/internal/ledger"
)

// Module wires the execution engine: router, breaker registry, event
// emitter, dead-letter sink and the driving service.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			newHTTPClient,
			newEngineConfig,
			newEmitter,
			newBreakerRegistry,
			NewRouter,
			NewDeadLetterSink,
			NewService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   2 * time.Minute,
	}
}

func newEngineConfig(cfg config.Config) Config {
	out := DefaultConfig()
	if cfg.Engine.WorkerLimit > 0 {
		out.WorkerLimit = cfg.Engine.WorkerLimit
	}
	if cfg.Engine.DefaultStepTimeoutSeconds > 0 {
		out.DefaultStepTimeout = time.Duration(cfg.Engine.DefaultStepTimeoutSeconds) * time.Second
	}
	if cfg.Engine.PollIntervalMillis > 0 {
		out.PollInterval = time.Duration(cfg.Engine.PollIntervalMillis) * time.Millisecond
	}
	return out
}

func newEmitter(logger *zap.Logger, store ledger.Store, cfg config.Config) *Emitter {
	return NewEmitter(logger, store, cfg.Engine.EventSinkURL)
}

func newBreakerRegistry(cfg config.Config, logger *zap.Logger) *BreakerRegistry {
	bc := DefaultBreakerConfig()
	if cfg.Engine.Breaker.FailureThreshold > 0 {
		bc.FailureThreshold = cfg.Engine.Breaker.FailureThreshold
	}
	if cfg.Engine.Breaker.CooldownSeconds > 0 {
		bc.Cooldown = time.Duration(cfg.Engine.Breaker.CooldownSeconds) * time.Second
	}
	if cfg.Engine.Breaker.HalfOpenMaxProbes > 0 {
		bc.HalfOpenMaxProbes = cfg.Engine.Breaker.HalfOpenMaxProbes
	}
	return NewBreakerRegistry(bc, logger)
}

func registerLifecycle(lc fx.Lifecycle, svc *Service, emitter *Emitter, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			svc.StopAdmitting()
			deadline := 30 * time.Second
			if d, ok := ctx.Deadline(); ok {
				deadline = time.Until(d)
			}
			if !svc.WaitIdle(deadline) {
				logger.Warn("engine shutdown timed out with executions still in flight")
			}
			emitter.Close()
			return nil
		},
	})
}
