package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/ledger"
)

// Sequencer runs the shutdown protocol: stop admitting new work, then
// settle every in-flight scheduled run according to its schedule's
// shutdown policy. Runs it cannot finish are left in a state the boot
// reconciler knows how to pick up.
type Sequencer struct {
	store    Store
	engine   *engine.Service
	emitter  *engine.Emitter
	logger   *zap.Logger
	graceful time.Duration
}

func NewSequencer(store Store, eng *engine.Service, logger *zap.Logger, graceful time.Duration) *Sequencer {
	if graceful <= 0 {
		graceful = 30 * time.Second
	}
	return &Sequencer{
		store:    store,
		engine:   eng,
		emitter:  eng.Emitter(),
		logger:   logger,
		graceful: graceful,
	}
}

// Shutdown settles all in-flight runs. The context bounds the total
// time except for must_not_interrupt runs, which are waited on past the
// deadline with periodic warnings.
func (s *Sequencer) Shutdown(ctx context.Context) {
	s.engine.StopAdmitting()

	running := s.store.ListRunsByStatus(RunRunning)
	if len(running) == 0 {
		return
	}
	s.logger.Info("settling in-flight runs", zap.Int("count", len(running)))

	for _, run := range running {
		sched, err := s.store.GetSchedule(run.ScheduleID)
		if err != nil {
			// Schedule was deleted under the run; finish gracefully.
			sched.Shutdown = GracefulFinish
		}
		s.settle(ctx, sched, run)
	}
}

func (s *Sequencer) settle(ctx context.Context, sched Schedule, run ScheduledRun) {
	policy := sched.Shutdown
	if policy == "" {
		policy = GracefulFinish
	}
	s.emitter.Emit(engine.Event{Type: "shutdown.settling", ScheduleID: run.ScheduleID,
		ExecutionID: run.ExecutionID, Fields: map[string]any{"policy": string(policy)}})

	switch policy {
	case GracefulFinish:
		s.waitForExecution(ctx, run, s.graceful)

	case CheckpointAndStop:
		if run.ExecutionID != "" {
			if _, err := s.engine.Pause(run.ExecutionID); err != nil {
				s.logger.Warn("failed to checkpoint execution",
					zap.String("execution_id", run.ExecutionID), zap.Error(err))
			}
		}
		s.store.TransitionRun(run.ID, []RunStatus{RunRunning}, func(r *ScheduledRun) {
			r.Status = RunOrphaned
			r.CheckpointRef = run.ExecutionID
			r.LeaseExpiresAt = nil
		})

	case InterruptAndRetryLater:
		if run.ExecutionID != "" {
			s.engine.Interrupt(run.ExecutionID)
		}
		s.store.TransitionRun(run.ID, []RunStatus{RunRunning}, func(r *ScheduledRun) {
			r.Status = RunOrphaned
			r.CheckpointRef = run.ExecutionID
			r.LeaseExpiresAt = nil
		})

	case MustNotInterrupt:
		// Wait past any deadline; this run was declared uninterruptible.
		for {
			if s.waitForExecution(context.Background(), run, 30*time.Second) {
				return
			}
			s.logger.Warn("holding shutdown for uninterruptible run",
				zap.String("schedule_id", run.ScheduleID),
				zap.String("execution_id", run.ExecutionID))
		}
	}
}

// waitForExecution blocks until the run's execution is terminal, the
// wait budget lapses, or the context ends. Reports whether the
// execution finished.
func (s *Sequencer) waitForExecution(ctx context.Context, run ScheduledRun, budget time.Duration) bool {
	if run.ExecutionID == "" {
		return true
	}
	deadline := time.Now().Add(budget)
	for {
		ex, err := s.engine.GetExecution(run.ExecutionID)
		if err != nil {
			return true
		}
		if ex.Status.Terminal() {
			status := RunCompleted
			if ex.Status != ledger.ExecutionSucceeded {
				status = RunFailed
			}
			s.store.TransitionRun(run.ID, []RunStatus{RunRunning}, func(r *ScheduledRun) {
				r.Status = status
				r.EndedAt = ex.EndedAt
			})
			return true
		}
		if time.Now().After(deadline) {
			s.logger.Warn("run did not finish within shutdown budget; leaving for reconciler",
				zap.String("execution_id", run.ExecutionID))
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}
