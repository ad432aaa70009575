// Package reconciler heals state after a restart: orphaned runs,
// missed schedule occurrences, stranded executions, cooled-down
// breakers and expired task leases. It runs once at boot, before the
// scheduler starts ticking.
package reconciler

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/ledger"
	"github.com/windlass-io/windlass/internal/metrics"
	"github.com/windlass-io/windlass/internal/queue"
	"github.com/windlass-io/windlass/internal/scheduler"
	"github.com/windlass-io/windlass/internal/workflow"
)

// Report is the outcome of one reconciliation pass.
type Report struct {
	At                 time.Time `json:"at"`
	OrphanedRuns       int       `json:"orphaned_runs"`
	ResumedRuns        int       `json:"resumed_runs"`
	ResumedExecutions  int       `json:"resumed_executions"`
	CatchUpRuns        int       `json:"catch_up_runs"`
	CoalescedRuns      int       `json:"coalesced_runs"`
	SkippedOccurrences int       `json:"skipped_occurrences"`
	BreakersReset      int       `json:"breakers_reset"`
	TasksReclaimed     int       `json:"tasks_reclaimed"`
}

type Service struct {
	schedules scheduler.Store
	sched     *scheduler.Service
	engine    *engine.Service
	ledger    ledger.Store
	tasks     queue.Store
	collector *metrics.Collector
	logger    *zap.Logger
	catchCap  int

	mu   sync.RWMutex
	last *Report
}

func NewService(
	schedules scheduler.Store,
	sched *scheduler.Service,
	eng *engine.Service,
	ledgerStore ledger.Store,
	tasks queue.Store,
	collector *metrics.Collector,
	logger *zap.Logger,
	catchUpCap int,
) *Service {
	if catchUpCap <= 0 {
		catchUpCap = 100
	}
	return &Service{
		schedules: schedules,
		sched:     sched,
		engine:    eng,
		ledger:    ledgerStore,
		tasks:     tasks,
		collector: collector,
		logger:    logger,
		catchCap:  catchUpCap,
	}
}

// LastReport returns the most recent pass, or nil before the first one.
func (s *Service) LastReport() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Reconcile runs one full pass and returns its report.
func (s *Service) Reconcile(now time.Time) Report {
	report := Report{At: now}

	s.restoreBreakers(now, &report)
	s.reclaimTasks(now, &report)
	s.settleOrphans(now, &report)
	s.resumeStrandedExecutions(&report)
	s.applyMissedRuns(now, &report)

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()

	s.logger.Info("reconciliation complete",
		zap.Int("orphaned_runs", report.OrphanedRuns),
		zap.Int("resumed_runs", report.ResumedRuns),
		zap.Int("resumed_executions", report.ResumedExecutions),
		zap.Int("catch_up_runs", report.CatchUpRuns),
		zap.Int("coalesced_runs", report.CoalescedRuns),
		zap.Int("skipped_occurrences", report.SkippedOccurrences),
		zap.Int("breakers_reset", report.BreakersReset),
		zap.Int("tasks_reclaimed", report.TasksReclaimed))
	s.engine.Emitter().Emit(engine.Event{Type: "reconciliation.report", Fields: map[string]any{
		"orphaned_runs":       report.OrphanedRuns,
		"resumed_runs":        report.ResumedRuns,
		"resumed_executions":  report.ResumedExecutions,
		"catch_up_runs":       report.CatchUpRuns,
		"coalesced_runs":      report.CoalescedRuns,
		"skipped_occurrences": report.SkippedOccurrences,
		"breakers_reset":      report.BreakersReset,
		"tasks_reclaimed":     report.TasksReclaimed,
	}})
	return report
}

// restoreBreakers rehydrates persisted breaker snapshots into the
// registry, then moves any whose cooldown has elapsed to half_open.
func (s *Service) restoreBreakers(now time.Time, report *Report) {
	registry := s.engine.Breakers()
	for _, sched := range s.schedules.ListSchedules() {
		if sched.Breaker == nil {
			continue
		}
		registry.GetOrCreate(sched.Breaker.Target).Restore(*sched.Breaker)
	}
	report.BreakersReset = registry.ResetCooled(now)
	if report.BreakersReset > 0 {
		s.collector.ReconcilerAction("breakers_reset", report.BreakersReset)
	}
}

func (s *Service) reclaimTasks(now time.Time, report *Report) {
	report.TasksReclaimed = len(s.tasks.ExpireLeases(now))
	if report.TasksReclaimed > 0 {
		s.collector.ReconcilerAction("tasks_reclaimed", report.TasksReclaimed)
	}
}

// settleOrphans finds running run records whose lease expired with no
// process driving them. Runs with recoverable execution state are
// resumed; the rest are closed out so the missed-run pass can decide
// what replaces them.
func (s *Service) settleOrphans(now time.Time, report *Report) {
	for _, run := range s.schedules.ListRunsByStatus(scheduler.RunRunning) {
		if run.LeaseExpiresAt != nil && run.LeaseExpiresAt.After(now) {
			continue
		}
		orphan, ok := s.schedules.TransitionRun(run.ID, []scheduler.RunStatus{scheduler.RunRunning}, func(r *scheduler.ScheduledRun) {
			r.Status = scheduler.RunOrphaned
			r.ClaimedBy = ""
			r.LeaseExpiresAt = nil
		})
		if !ok {
			continue
		}
		report.OrphanedRuns++
		s.collector.ReconcilerAction("run_orphaned", 1)
		s.settleOrphanedRun(orphan, report)
	}

	// Runs the previous shutdown already parked as orphaned.
	for _, run := range s.schedules.ListRunsByStatus(scheduler.RunOrphaned) {
		s.settleOrphanedRun(run, report)
	}
}

// settleOrphanedRun resumes an orphaned run whenever its execution is
// still recoverable. Both shutdown parking (checkpoint_and_stop,
// interrupt_and_retry_later) and a crashed instance land here, and the
// missed-run policy plays no part: it governs missed occurrences, not
// in-flight state. Only runs with nothing left to recover are failed.
func (s *Service) settleOrphanedRun(run scheduler.ScheduledRun, report *Report) {
	if s.resumable(run.CheckpointRef) {
		if s.sched.ResumeRun(run) {
			report.ResumedRuns++
			s.collector.ReconcilerAction("run_resumed", 1)
			return
		}
	}
	s.schedules.TransitionRun(run.ID, []scheduler.RunStatus{scheduler.RunOrphaned}, func(r *scheduler.ScheduledRun) {
		r.Status = scheduler.RunFailed
		now := time.Now().UTC()
		r.EndedAt = &now
	})
	// The run is closed out, so its execution must not linger for the
	// stranded-execution pass to resurrect.
	if run.ExecutionID != "" {
		if _, err := s.engine.CancelExecution(run.ExecutionID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			s.logger.Warn("failed to cancel orphaned execution",
				zap.String("execution_id", run.ExecutionID), zap.Error(err))
		}
	}
}

func (s *Service) resumable(executionID string) bool {
	if executionID == "" {
		return false
	}
	ex, err := s.engine.GetExecution(executionID)
	if err != nil {
		return false
	}
	return !ex.Status.Terminal()
}

// resumeStrandedExecutions relaunches ledger executions that were
// running or pending with no driver, including ones started directly
// through the API with no schedule behind them.
func (s *Service) resumeStrandedExecutions(report *Report) {
	for _, status := range []ledger.ExecutionStatus{ledger.ExecutionRunning, ledger.ExecutionPending} {
		for _, ex := range s.ledger.ListExecutionsByStatus(status) {
			if s.drivenByRun(ex.ID) {
				continue
			}
			if s.engine.Launch(ex.ID) {
				report.ResumedExecutions++
				s.collector.ReconcilerAction("execution_resumed", 1)
			}
		}
	}
}

// drivenByRun reports whether a scheduled run currently owns the
// execution; those are settled through the run, not directly.
func (s *Service) drivenByRun(executionID string) bool {
	for _, run := range s.schedules.ListRunsByStatus(scheduler.RunRunning) {
		if run.ExecutionID == executionID {
			return true
		}
	}
	for _, run := range s.schedules.ListRunsByStatus(scheduler.RunOrphaned) {
		if run.ExecutionID == executionID {
			return true
		}
	}
	return false
}

// applyMissedRuns handles schedules whose due-time passed while no
// scheduler was running.
func (s *Service) applyMissedRuns(now time.Time, report *Report) {
	for _, sched := range s.schedules.ListSchedules() {
		if !sched.Enabled || sched.NextDueAt == nil || sched.NextDueAt.After(now) {
			continue
		}
		missed, err := scheduler.MissedOccurrences(sched.Trigger, *sched.NextDueAt, now, s.catchUpCap())
		if err != nil {
			s.logger.Error("failed to enumerate missed occurrences",
				zap.String("schedule_id", sched.ID), zap.Error(err))
			continue
		}
		if len(missed) == 0 {
			continue
		}

		switch sched.MissedRun {
		case scheduler.CatchUpAll:
			for _, at := range missed {
				if _, ok := s.sched.FireSchedule(sched, at, sched.InitialContext, true); ok {
					report.CatchUpRuns++
				}
			}
		case scheduler.CatchUpLatestOnly:
			latest := missed[len(missed)-1]
			if _, ok := s.sched.FireSchedule(sched, latest, sched.InitialContext, true); ok {
				report.CatchUpRuns++
			}
			report.SkippedOccurrences += len(missed) - 1
		case scheduler.Coalesce:
			initCtx := s.coalescedContext(sched, missed)
			if run, ok := s.sched.FireSchedule(sched, missed[len(missed)-1], initCtx, true); ok {
				s.schedules.TransitionRun(run.ID,
					[]scheduler.RunStatus{scheduler.RunRunning, scheduler.RunPending},
					func(r *scheduler.ScheduledRun) { r.CoalescedFrom = len(missed) })
				report.CoalescedRuns++
			}
			report.SkippedOccurrences += len(missed) - 1
		case scheduler.SkipMissed, scheduler.ResumeIfCheckpointed:
			// Resumption was handled with the orphans; missed
			// occurrences are dropped either way.
			report.SkippedOccurrences += len(missed)
		}

		s.schedules.UpdateSchedule(sched.ID, func(sc *scheduler.Schedule) {
			sc.NextDueAt, _ = scheduler.NextDue(sc.Trigger, now)
			if sc.Trigger.Type == workflow.TriggerDelay {
				// One-shot trigger already consumed or expired.
				sc.Enabled = false
				sc.NextDueAt = nil
			}
		})
	}
}

// coalescedContext builds the input for a run that stands in for
// several missed occurrences.
func (s *Service) coalescedContext(sched scheduler.Schedule, missed []time.Time) map[string]any {
	initCtx := map[string]any{}
	for k, v := range sched.InitialContext {
		initCtx[k] = v
	}
	meta := map[string]any{
		"count":     len(missed),
		"latest_at": missed[len(missed)-1],
	}
	if sched.CoalesceContext == scheduler.CoalesceMerge {
		all := make([]any, 0, len(missed))
		for _, at := range missed {
			all = append(all, at)
		}
		meta["occurrences"] = all
	}
	initCtx["coalesced"] = meta
	return initCtx
}

func (s *Service) catchUpCap() int {
	return s.catchCap
}
