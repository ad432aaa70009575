package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/windlass-io/windlass/internal/config"
	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/metrics"
	"github.com/windlass-io/windlass/internal/queue"
	"github.com/windlass-io/windlass/internal/reconciler"
	"github.com/windlass-io/windlass/internal/scheduler"
	"github.com/windlass-io/windlass/internal/workflow"
)

type Server struct {
	cfg    config.Config
	logger *zap.Logger
	srv    *http.Server

	wf    *workflow.Service
	eng   *engine.Service
	sched *scheduler.Service
	rec   *reconciler.Service
	tasks queue.Store
}

func Module() fx.Option {
	return fx.Options(
		fx.Provide(NewServer),
		fx.Invoke(RegisterHooks),
	)
}

func NewServer(
	cfg config.Config,
	logger *zap.Logger,
	wf *workflow.Service,
	eng *engine.Service,
	sched *scheduler.Service,
	rec *reconciler.Service,
	tasks queue.Store,
	collector *metrics.Collector,
) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		wf:     wf,
		eng:    eng,
		sched:  sched,
		rec:    rec,
		tasks:  tasks,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/v1/workflows", s.handleWorkflows)
	mux.HandleFunc("/v1/workflows/", s.handleWorkflowByID)
	mux.HandleFunc("/v1/templates", s.handleTemplates)
	mux.HandleFunc("/v1/schedules", s.handleSchedules)
	mux.HandleFunc("/v1/schedules/", s.handleScheduleByID)
	mux.HandleFunc("/v1/events", s.handleFireEvent)
	mux.HandleFunc("/v1/executions", s.handleExecutions)
	mux.HandleFunc("/v1/executions/", s.handleExecutionByID)
	mux.HandleFunc("/v1/tasks/claim", s.handleTaskClaim)
	mux.HandleFunc("/v1/tasks/", s.handleTaskByID)
	mux.HandleFunc("/v1/deadletters", s.handleDeadLetters)
	mux.HandleFunc("/v1/deadletters/", s.handleDeadLetterByID)
	mux.HandleFunc("/v1/reconciliation", s.handleReconciliation)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func RegisterHooks(lc fx.Lifecycle, server *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			server.logger.Info("http server starting", zap.String("addr", server.srv.Addr))
			go func() {
				if err := server.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					server.logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			server.logger.Info("http server stopping")
			return server.srv.Shutdown(shutdownCtx)
		},
	})
}
