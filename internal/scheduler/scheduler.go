package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/ledger"
	"github.com/windlass-io/windlass/internal/metrics"
	"github.com/windlass-io/windlass/internal/workflow"
)

type Config struct {
	TickInterval time.Duration
	RunLease     time.Duration
	CatchUpCap   int
}

func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		RunLease:     time.Minute,
		CatchUpCap:   100,
	}
}

// Service is the temporal scheduler. Every tick is stateless: it reads
// due schedules from the store, applies the concurrency policy, fires
// runs through the engine, and advances next_due_at. Nothing ticks from
// memory, so a restart resumes exactly where the store says.
type Service struct {
	cfg         Config
	store       Store
	definitions *workflow.Service
	engine      *engine.Service
	emitter     *engine.Emitter
	collector   *metrics.Collector
	logger      *zap.Logger
	instanceID  string
}

func NewService(
	cfg Config,
	store Store,
	definitions *workflow.Service,
	eng *engine.Service,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Service {
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	return &Service{
		cfg:         cfg,
		store:       store,
		definitions: definitions,
		engine:      eng,
		emitter:     eng.Emitter(),
		collector:   collector,
		logger:      logger,
		instanceID:  fmt.Sprintf("%s/%d", host, os.Getpid()),
	}
}

func (s *Service) Store() Store { return s.store }

// CreateSchedule validates, seeds next_due_at from the trigger, and
// persists. Event schedules have no due-time; they wait for FireEvent.
func (s *Service) CreateSchedule(sched Schedule) (Schedule, error) {
	if err := sched.Validate(); err != nil {
		return Schedule{}, err
	}
	if _, err := s.definitions.GetDefinition(sched.DefinitionID); err != nil {
		return Schedule{}, fmt.Errorf("definition %s: %w", sched.DefinitionID, err)
	}
	now := time.Now().UTC()
	if sched.ID == "" {
		sched.ID = workflow.NewID("sched")
	}
	sched.CreatedAt = now
	sched.UpdatedAt = now
	next, err := NextDue(sched.Trigger, now)
	if err != nil {
		return Schedule{}, err
	}
	sched.NextDueAt = next
	if sched.Trigger.Type == workflow.TriggerDelay && next == nil {
		return Schedule{}, fmt.Errorf("delay trigger at_epoch is in the past")
	}
	out := s.store.CreateSchedule(sched)
	s.emitter.Emit(engine.Event{Type: "schedule.created", ScheduleID: out.ID,
		Fields: map[string]any{"trigger": string(out.Trigger.Type), "definition_id": out.DefinitionID}})
	return out, nil
}

func (s *Service) GetSchedule(id string) (Schedule, error) { return s.store.GetSchedule(id) }
func (s *Service) ListSchedules() []Schedule               { return s.store.ListSchedules() }

func (s *Service) SetEnabled(id string, enabled bool) (Schedule, error) {
	sched, ok := s.store.UpdateSchedule(id, func(sc *Schedule) {
		sc.Enabled = enabled
		if enabled && sc.NextDueAt == nil {
			sc.NextDueAt, _ = NextDue(sc.Trigger, time.Now().UTC())
		}
	})
	if !ok {
		return Schedule{}, ErrNotFound
	}
	return sched, nil
}

func (s *Service) DeleteSchedule(id string) error {
	if !s.store.DeleteSchedule(id) {
		return ErrNotFound
	}
	return nil
}

func (s *Service) ListRuns(scheduleID string) []ScheduledRun {
	return s.store.ListRunsBySchedule(scheduleID)
}

// Tick fires every due schedule once and advances its due-time. It also
// sweeps running runs so completions reflect back into the run records.
func (s *Service) Tick(now time.Time) {
	s.collector.SchedulerTick()
	for _, sched := range s.store.ListDue(now) {
		s.fireDue(sched, now)
	}
	s.sweepRuns(now)
	s.persistBreakers()
}

func (s *Service) fireDue(sched Schedule, now time.Time) {
	intended := now
	if sched.NextDueAt != nil {
		intended = *sched.NextDueAt
	}

	s.FireSchedule(sched, intended, sched.InitialContext, false)

	s.store.UpdateSchedule(sched.ID, func(sc *Schedule) {
		sc.LastFiredAt = &now
		next, err := NextDue(sc.Trigger, now)
		if err != nil {
			s.logger.Error("failed to advance schedule", zap.String("schedule_id", sc.ID), zap.Error(err))
			sc.Enabled = false
			return
		}
		sc.NextDueAt = next
		// Delay triggers are one-shot.
		if sc.Trigger.Type == workflow.TriggerDelay {
			sc.Enabled = false
			sc.NextDueAt = nil
		}
	})
}

// FireSchedule applies the concurrency policy and, when admitted,
// creates a run record and starts the execution. The run record is
// written even when the occurrence is refused, so operators can see
// what the policy suppressed.
func (s *Service) FireSchedule(sched Schedule, intendedAt time.Time, initCtx map[string]any, catchUp bool) (ScheduledRun, bool) {
	active := s.activeRuns(sched.ID)

	switch sched.Concurrency {
	case ForbidOverlap:
		if len(active) > 0 {
			run := s.recordRun(sched, intendedAt, RunSkipped, catchUp, 0)
			s.emitter.Emit(engine.Event{Type: "schedule.occurrence_skipped", ScheduleID: sched.ID,
				Fields: map[string]any{"reason": "overlap_forbidden", "intended_at": intendedAt}})
			return run, false
		}
	case EnqueueOne:
		if len(active) > 0 {
			if len(s.pendingRuns(sched.ID)) > 0 {
				run := s.recordRun(sched, intendedAt, RunSkipped, catchUp, 0)
				return run, false
			}
			run := s.recordRun(sched, intendedAt, RunPending, catchUp, 0)
			s.emitter.Emit(engine.Event{Type: "schedule.occurrence_enqueued", ScheduleID: sched.ID,
				Fields: map[string]any{"intended_at": intendedAt}})
			return run, false
		}
	case ReplaceRunning:
		for _, run := range active {
			if run.ExecutionID != "" {
				if _, err := s.engine.CancelExecution(run.ExecutionID); err != nil {
					s.logger.Warn("failed to cancel replaced execution",
						zap.String("execution_id", run.ExecutionID), zap.Error(err))
				}
			}
			s.store.TransitionRun(run.ID, []RunStatus{RunRunning, RunPending}, func(r *ScheduledRun) {
				r.Status = RunFailed
				now := time.Now().UTC()
				r.EndedAt = &now
			})
			s.emitter.Emit(engine.Event{Type: "schedule.run_replaced", ScheduleID: sched.ID,
				ExecutionID: run.ExecutionID})
		}
	case AllowOverlap:
		// Nothing to check.
	}

	return s.startRun(sched, intendedAt, initCtx, catchUp, 0)
}

func (s *Service) startRun(sched Schedule, intendedAt time.Time, initCtx map[string]any, catchUp bool, coalescedFrom int) (ScheduledRun, bool) {
	ex, err := s.engine.StartExecution(sched.DefinitionID, cloneContext(initCtx))
	if err != nil {
		s.logger.Error("failed to start scheduled execution",
			zap.String("schedule_id", sched.ID), zap.Error(err))
		run := s.recordRun(sched, intendedAt, RunFailed, catchUp, coalescedFrom)
		return run, false
	}

	now := time.Now().UTC()
	lease := now.Add(s.cfg.RunLease)
	run := ScheduledRun{
		ID:             workflow.NewID("srun"),
		ScheduleID:     sched.ID,
		IntendedAt:     intendedAt,
		Status:         RunRunning,
		ExecutionID:    ex.ID,
		CheckpointRef:  ex.ID,
		CatchUp:        catchUp,
		CoalescedFrom:  coalescedFrom,
		ClaimedBy:      s.instanceID,
		LeaseExpiresAt: &lease,
		StartedAt:      &now,
		CreatedAt:      now,
	}
	run = s.store.CreateRun(run)

	origin := "due"
	if catchUp {
		origin = "catch_up"
	}
	s.collector.ScheduledRunCreated(origin)
	s.emitter.Emit(engine.Event{Type: "schedule.run_started", ScheduleID: sched.ID,
		ExecutionID: ex.ID, Fields: map[string]any{"intended_at": intendedAt, "catch_up": catchUp}})
	return run, true
}

// ResumeRun re-launches an interrupted execution from its checkpoint
// and re-binds the run record to this instance.
func (s *Service) ResumeRun(run ScheduledRun) bool {
	if run.CheckpointRef == "" {
		return false
	}
	if _, err := s.engine.GetExecution(run.CheckpointRef); err != nil {
		return false
	}
	if !s.engine.Launch(run.CheckpointRef) {
		return false
	}
	now := time.Now().UTC()
	lease := now.Add(s.cfg.RunLease)
	s.store.TransitionRun(run.ID, []RunStatus{RunOrphaned, RunPending, RunRunning}, func(r *ScheduledRun) {
		r.Status = RunRunning
		r.ClaimedBy = s.instanceID
		r.LeaseExpiresAt = &lease
	})
	s.emitter.Emit(engine.Event{Type: "schedule.run_resumed", ScheduleID: run.ScheduleID,
		ExecutionID: run.CheckpointRef})
	return true
}

// FireEvent starts every enabled event-triggered schedule bound to the
// named event. The payload becomes part of the initial context.
func (s *Service) FireEvent(name string, payload map[string]any) []ScheduledRun {
	now := time.Now().UTC()
	var fired []ScheduledRun
	for _, sched := range s.store.ListSchedules() {
		if !sched.Enabled || sched.Trigger.Type != workflow.TriggerEvent || sched.Trigger.Event != name {
			continue
		}
		initCtx := cloneContext(sched.InitialContext)
		if len(payload) > 0 {
			if initCtx == nil {
				initCtx = map[string]any{}
			}
			initCtx["event"] = map[string]any{"name": name, "payload": payload}
		}
		if run, ok := s.FireSchedule(sched, now, initCtx, false); ok {
			fired = append(fired, run)
			s.store.UpdateSchedule(sched.ID, func(sc *Schedule) { sc.LastFiredAt = &now })
		}
	}
	return fired
}

// sweepRuns reflects execution outcomes into run records, renews leases
// this instance owns, and promotes enqueued occurrences once the path
// is clear.
func (s *Service) sweepRuns(now time.Time) {
	for _, run := range s.store.ListRunsByStatus(RunRunning) {
		if run.ExecutionID == "" {
			continue
		}
		ex, err := s.engine.GetExecution(run.ExecutionID)
		if err != nil {
			continue
		}
		if !ex.Status.Terminal() {
			if run.ClaimedBy == s.instanceID {
				lease := now.Add(s.cfg.RunLease)
				s.store.TransitionRun(run.ID, []RunStatus{RunRunning}, func(r *ScheduledRun) {
					r.LeaseExpiresAt = &lease
				})
			}
			continue
		}
		status := RunCompleted
		if ex.Status != ledger.ExecutionSucceeded {
			status = RunFailed
		}
		s.store.TransitionRun(run.ID, []RunStatus{RunRunning}, func(r *ScheduledRun) {
			r.Status = status
			r.EndedAt = ex.EndedAt
		})
	}

	for _, run := range s.store.ListRunsByStatus(RunPending) {
		sched, err := s.store.GetSchedule(run.ScheduleID)
		if err != nil {
			continue
		}
		if len(s.activeRuns(sched.ID)) > 0 {
			continue
		}
		ex, err := s.engine.StartExecution(sched.DefinitionID, cloneContext(sched.InitialContext))
		if err != nil {
			s.logger.Error("failed to promote enqueued run",
				zap.String("schedule_id", sched.ID), zap.Error(err))
			continue
		}
		lease := now.Add(s.cfg.RunLease)
		s.store.TransitionRun(run.ID, []RunStatus{RunPending}, func(r *ScheduledRun) {
			r.Status = RunRunning
			r.ExecutionID = ex.ID
			r.CheckpointRef = ex.ID
			r.ClaimedBy = s.instanceID
			r.LeaseExpiresAt = &lease
			r.StartedAt = &now
		})
		s.collector.ScheduledRunCreated("promoted")
		s.emitter.Emit(engine.Event{Type: "schedule.run_started", ScheduleID: sched.ID,
			ExecutionID: ex.ID, Fields: map[string]any{"intended_at": run.IntendedAt, "promoted": true}})
	}
}

// persistBreakers snapshots non-closed breakers onto the schedules
// whose definitions hit those targets, so breaker state survives a
// restart and the reconciler can cool it down at boot.
func (s *Service) persistBreakers() {
	snaps := s.engine.Breakers().Snapshots()
	if len(snaps) == 0 {
		return
	}
	byTarget := make(map[string]engine.BreakerSnapshot, len(snaps))
	for _, snap := range snaps {
		byTarget[snap.Target] = snap
	}
	for _, sched := range s.store.ListSchedules() {
		def, err := s.definitions.GetDefinition(sched.DefinitionID)
		if err != nil {
			continue
		}
		var worst *engine.BreakerSnapshot
		for _, step := range def.Steps {
			key := step.Target.Key()
			if key == "" {
				continue
			}
			snap, ok := byTarget[key]
			if !ok || snap.State == engine.BreakerClosed {
				continue
			}
			if worst == nil || snap.State == engine.BreakerOpen {
				copied := snap
				worst = &copied
			}
		}
		changed := (worst == nil) != (sched.Breaker == nil) ||
			(worst != nil && sched.Breaker != nil && *worst != *sched.Breaker)
		if changed {
			s.store.UpdateSchedule(sched.ID, func(sc *Schedule) { sc.Breaker = worst })
		}
	}
}

func (s *Service) activeRuns(scheduleID string) []ScheduledRun {
	var out []ScheduledRun
	for _, run := range s.store.ListRunsBySchedule(scheduleID) {
		if run.Status == RunRunning {
			out = append(out, run)
		}
	}
	return out
}

func (s *Service) pendingRuns(scheduleID string) []ScheduledRun {
	var out []ScheduledRun
	for _, run := range s.store.ListRunsBySchedule(scheduleID) {
		if run.Status == RunPending {
			out = append(out, run)
		}
	}
	return out
}

func (s *Service) recordRun(sched Schedule, intendedAt time.Time, status RunStatus, catchUp bool, coalescedFrom int) ScheduledRun {
	now := time.Now().UTC()
	run := ScheduledRun{
		ID:            workflow.NewID("srun"),
		ScheduleID:    sched.ID,
		IntendedAt:    intendedAt,
		Status:        status,
		CatchUp:       catchUp,
		CoalescedFrom: coalescedFrom,
		CreatedAt:     now,
	}
	if status.Terminal() {
		run.EndedAt = &now
	}
	return s.store.CreateRun(run)
}

// RunLoop ticks until the context stops.
func (s *Service) RunLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.logger.Info("scheduler loop started", zap.Duration("tick", s.cfg.TickInterval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop stopped")
			return
		case now := <-ticker.C:
			s.Tick(now.UTC())
		}
	}
}

func cloneContext(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
