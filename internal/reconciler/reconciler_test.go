package reconciler

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/ledger"
	"github.com/windlass-io/windlass/internal/queue"
	"github.com/windlass-io/windlass/internal/scheduler"
	"github.com/windlass-io/windlass/internal/workflow"
)

type fixture struct {
	rec       *Service
	sched     *scheduler.Service
	schedules *scheduler.MemoryStore
	eng       *engine.Service
	defs      *workflow.Service
	ledger    ledger.Store
	tasks     queue.Store
	defID     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		defs:      workflow.NewService(workflow.NewMemoryStore()),
		ledger:    ledger.NewMemoryStore(),
		tasks:     queue.NewMemoryStore(),
		schedules: scheduler.NewMemoryStore(),
	}
	def, err := f.defs.CreateDefinition(workflow.Definition{
		Name: "queue-flow",
		Steps: []workflow.StepSpec{{
			Slug:   "work",
			Target: workflow.TargetSpec{Type: workflow.TargetQueue, Queue: "jobs"},
		}},
	})
	require.NoError(t, err)
	f.defID = def.ID
	f.boot(t)
	return f
}

// boot wires fresh engine, scheduler and reconciler services over the
// shared stores, the way a process start would. Calling it again
// simulates a restart.
func (f *fixture) boot(t *testing.T) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	emitter := engine.NewEmitter(logger, f.ledger, "")
	breakers := engine.NewBreakerRegistry(engine.DefaultBreakerConfig(), logger)
	sink := engine.NewDeadLetterSink(f.ledger, emitter)

	engCfg := engine.DefaultConfig()
	engCfg.PollInterval = 10 * time.Millisecond
	f.eng = engine.NewService(engCfg, f.defs, f.ledger, f.tasks,
		engine.NewRouter(http.DefaultClient, f.tasks), breakers, emitter, sink, nil, logger)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.TickInterval = 10 * time.Millisecond
	f.sched = scheduler.NewService(schedCfg, f.schedules, f.defs, f.eng, nil, logger)
	f.rec = NewService(f.schedules, f.sched, f.eng, f.ledger, f.tasks, nil, logger, 100)
}

// overdueSchedule creates an enabled schedule whose next due-time is
// several occurrences in the past, as if no scheduler ran meanwhile.
func (f *fixture) overdueSchedule(t *testing.T, missedRun scheduler.MissedRunPolicy, behind time.Duration) scheduler.Schedule {
	t.Helper()
	sched, err := f.sched.CreateSchedule(scheduler.Schedule{
		Name:         "nightly",
		DefinitionID: f.defID,
		Trigger:      workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 60},
		MissedRun:    missedRun,
		Concurrency:  scheduler.AllowOverlap,
		Enabled:      true,
	})
	require.NoError(t, err)
	past := time.Now().UTC().Add(-behind)
	sched, ok := f.schedules.UpdateSchedule(sched.ID, func(sc *scheduler.Schedule) { sc.NextDueAt = &past })
	require.True(t, ok)
	return sched
}

func (f *fixture) completeTask(t *testing.T) {
	t.Helper()
	var task queue.Task
	require.Eventually(t, func() bool {
		var ok bool
		task, ok = f.tasks.Claim([]string{"jobs"}, "test-worker", time.Minute)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := f.tasks.Complete(task.ID, map[string]any{"done": true}, "")
	require.True(t, ok)
	f.eng.ApplyStepOutcome(task.ExecutionID, task.StepSlug, task.Attempt, task.Result, "", "")
}

func TestSkipMissedDropsOccurrencesAndReschedules(t *testing.T) {
	f := newFixture(t)
	sched := f.overdueSchedule(t, scheduler.SkipMissed, 5*time.Minute)

	now := time.Now().UTC()
	report := f.rec.Reconcile(now)

	assert.Equal(t, 0, report.CatchUpRuns)
	assert.Equal(t, 6, report.SkippedOccurrences)
	assert.Empty(t, f.schedules.ListRunsBySchedule(sched.ID))

	updated, err := f.schedules.GetSchedule(sched.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextDueAt)
	assert.True(t, updated.NextDueAt.After(now))
}

func TestCatchUpAllReplaysEveryMissedOccurrence(t *testing.T) {
	f := newFixture(t)
	sched := f.overdueSchedule(t, scheduler.CatchUpAll, 3*time.Minute)

	report := f.rec.Reconcile(time.Now().UTC())

	assert.Equal(t, 4, report.CatchUpRuns)
	runs := f.schedules.ListRunsBySchedule(sched.ID)
	require.Len(t, runs, 4)
	for _, run := range runs {
		assert.True(t, run.CatchUp)
		assert.Equal(t, scheduler.RunRunning, run.Status)
	}
}

func TestCatchUpLatestOnlyFiresNewestOccurrence(t *testing.T) {
	f := newFixture(t)
	sched := f.overdueSchedule(t, scheduler.CatchUpLatestOnly, 4*time.Minute)
	require.NotNil(t, sched.NextDueAt)

	report := f.rec.Reconcile(time.Now().UTC())

	assert.Equal(t, 1, report.CatchUpRuns)
	assert.Equal(t, 4, report.SkippedOccurrences)
	runs := f.schedules.ListRunsBySchedule(sched.ID)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].CatchUp)
	// The run stands for the newest missed occurrence, not the oldest.
	assert.WithinDuration(t, time.Now(), runs[0].IntendedAt, 30*time.Second)
}

func TestCoalesceFoldsMissedOccurrencesIntoOneRun(t *testing.T) {
	f := newFixture(t)
	sched, err := f.sched.CreateSchedule(scheduler.Schedule{
		Name:            "digest",
		DefinitionID:    f.defID,
		Trigger:         workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 60},
		MissedRun:       scheduler.Coalesce,
		Concurrency:     scheduler.AllowOverlap,
		CoalesceContext: scheduler.CoalesceMerge,
		Enabled:         true,
	})
	require.NoError(t, err)
	past := time.Now().UTC().Add(-3 * time.Minute)
	_, ok := f.schedules.UpdateSchedule(sched.ID, func(sc *scheduler.Schedule) { sc.NextDueAt = &past })
	require.True(t, ok)

	report := f.rec.Reconcile(time.Now().UTC())

	assert.Equal(t, 1, report.CoalescedRuns)
	assert.Equal(t, 3, report.SkippedOccurrences)
	runs := f.schedules.ListRunsBySchedule(sched.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, 4, runs[0].CoalescedFrom)

	ex, err := f.eng.GetExecution(runs[0].ExecutionID)
	require.NoError(t, err)
	meta, ok := ex.Context["coalesced"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 4, meta["count"])
	assert.Len(t, meta["occurrences"], 4)
}

func TestOrphanedRunResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	sched, err := f.sched.CreateSchedule(scheduler.Schedule{
		Name:         "resumable",
		DefinitionID: f.defID,
		Trigger:      workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 60},
		MissedRun:    scheduler.ResumeIfCheckpointed,
		Enabled:      true,
	})
	require.NoError(t, err)

	run, ok := f.sched.FireSchedule(sched, time.Now().UTC(), nil, false)
	require.True(t, ok)

	// Simulate a crashed instance: interrupt the driver and let the
	// run's lease lapse with the execution still non-terminal.
	f.eng.Interrupt(run.ExecutionID)
	require.True(t, f.eng.WaitIdle(time.Second))
	expired := time.Now().UTC().Add(-time.Minute)
	_, ok = f.schedules.TransitionRun(run.ID, []scheduler.RunStatus{scheduler.RunRunning},
		func(r *scheduler.ScheduledRun) { r.LeaseExpiresAt = &expired })
	require.True(t, ok)

	report := f.rec.Reconcile(time.Now().UTC())
	assert.Equal(t, 1, report.OrphanedRuns)
	assert.Equal(t, 1, report.ResumedRuns)

	resumed, err := f.schedules.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.RunRunning, resumed.Status)
	require.NotNil(t, resumed.LeaseExpiresAt)
	assert.True(t, resumed.LeaseExpiresAt.After(time.Now()))

	// The resumed run finishes once its task completes.
	f.completeTask(t)
	require.Eventually(t, func() bool {
		ex, err := f.eng.GetExecution(run.ExecutionID)
		return err == nil && ex.Status == ledger.ExecutionSucceeded
	}, 3*time.Second, 20*time.Millisecond)
}

// A crash-orphaned run with a live execution resumes no matter how the
// schedule treats missed occurrences.
func TestOrphanedRunResumesUnderSkipMissed(t *testing.T) {
	f := newFixture(t)
	sched, err := f.sched.CreateSchedule(scheduler.Schedule{
		Name:         "skip-missed",
		DefinitionID: f.defID,
		Trigger:      workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 3600},
		MissedRun:    scheduler.SkipMissed,
		Enabled:      true,
	})
	require.NoError(t, err)

	run, ok := f.sched.FireSchedule(sched, time.Now().UTC(), nil, false)
	require.True(t, ok)
	f.eng.Interrupt(run.ExecutionID)
	require.True(t, f.eng.WaitIdle(time.Second))
	expired := time.Now().UTC().Add(-time.Minute)
	_, ok = f.schedules.TransitionRun(run.ID, []scheduler.RunStatus{scheduler.RunRunning},
		func(r *scheduler.ScheduledRun) { r.LeaseExpiresAt = &expired })
	require.True(t, ok)

	report := f.rec.Reconcile(time.Now().UTC())
	assert.Equal(t, 1, report.OrphanedRuns)
	assert.Equal(t, 1, report.ResumedRuns)

	resumed, err := f.schedules.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.RunRunning, resumed.Status)

	f.completeTask(t)
	require.Eventually(t, func() bool {
		ex, err := f.eng.GetExecution(run.ExecutionID)
		return err == nil && ex.Status == ledger.ExecutionSucceeded
	}, 3*time.Second, 20*time.Millisecond)
}

// An orphaned run whose execution is already terminal has nothing to
// recover and is closed out.
func TestOrphanedRunWithoutRecoverableStateFails(t *testing.T) {
	f := newFixture(t)
	sched, err := f.sched.CreateSchedule(scheduler.Schedule{
		Name:         "not-resumable",
		DefinitionID: f.defID,
		Trigger:      workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 3600},
		MissedRun:    scheduler.SkipMissed,
		Enabled:      true,
	})
	require.NoError(t, err)

	run, ok := f.sched.FireSchedule(sched, time.Now().UTC(), nil, false)
	require.True(t, ok)
	_, err = f.eng.CancelExecution(run.ExecutionID)
	require.NoError(t, err)
	require.True(t, f.eng.WaitIdle(time.Second))
	expired := time.Now().UTC().Add(-time.Minute)
	_, ok = f.schedules.TransitionRun(run.ID, []scheduler.RunStatus{scheduler.RunRunning},
		func(r *scheduler.ScheduledRun) { r.LeaseExpiresAt = &expired })
	require.True(t, ok)

	report := f.rec.Reconcile(time.Now().UTC())
	assert.Equal(t, 1, report.OrphanedRuns)
	assert.Equal(t, 0, report.ResumedRuns)

	settled, err := f.schedules.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.RunFailed, settled.Status)
	assert.NotNil(t, settled.EndedAt)
}

// A run parked by checkpoint_and_stop must come back after a restart
// even when the schedule drops missed occurrences.
func TestCheckpointedShutdownSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	sched, err := f.sched.CreateSchedule(scheduler.Schedule{
		Name:         "parked",
		DefinitionID: f.defID,
		Trigger:      workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 3600},
		MissedRun:    scheduler.SkipMissed,
		Shutdown:     scheduler.CheckpointAndStop,
		Enabled:      true,
	})
	require.NoError(t, err)

	run, ok := f.sched.FireSchedule(sched, time.Now().UTC(), nil, false)
	require.True(t, ok)

	seq := scheduler.NewSequencer(f.schedules, f.eng, zaptest.NewLogger(t), time.Second)
	seq.Shutdown(t.Context())
	require.True(t, f.eng.WaitIdle(time.Second))
	parked, err := f.schedules.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, scheduler.RunOrphaned, parked.Status)

	f.boot(t)
	report := f.rec.Reconcile(time.Now().UTC())
	assert.Equal(t, 1, report.ResumedRuns)

	resumed, err := f.schedules.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.RunRunning, resumed.Status)

	ex, err := f.eng.GetExecution(run.ExecutionID)
	require.NoError(t, err)
	assert.NotEqual(t, ledger.ExecutionFailed, ex.Status)
	assert.NotEqual(t, ledger.ExecutionCancelled, ex.Status)

	f.completeTask(t)
	require.Eventually(t, func() bool {
		ex, err := f.eng.GetExecution(run.ExecutionID)
		return err == nil && ex.Status == ledger.ExecutionSucceeded
	}, 3*time.Second, 20*time.Millisecond)
}

// Same restart path for interrupt_and_retry_later: the parked run is
// picked up on the next reconciler pass.
func TestInterruptedShutdownResumesAtNextBoot(t *testing.T) {
	f := newFixture(t)
	sched, err := f.sched.CreateSchedule(scheduler.Schedule{
		Name:         "interrupted",
		DefinitionID: f.defID,
		Trigger:      workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 3600},
		MissedRun:    scheduler.SkipMissed,
		Shutdown:     scheduler.InterruptAndRetryLater,
		Enabled:      true,
	})
	require.NoError(t, err)

	run, ok := f.sched.FireSchedule(sched, time.Now().UTC(), nil, false)
	require.True(t, ok)

	seq := scheduler.NewSequencer(f.schedules, f.eng, zaptest.NewLogger(t), time.Second)
	seq.Shutdown(t.Context())
	require.True(t, f.eng.WaitIdle(time.Second))
	parked, err := f.schedules.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, scheduler.RunOrphaned, parked.Status)

	f.boot(t)
	report := f.rec.Reconcile(time.Now().UTC())
	assert.Equal(t, 1, report.ResumedRuns)

	f.completeTask(t)
	require.Eventually(t, func() bool {
		ex, err := f.eng.GetExecution(run.ExecutionID)
		return err == nil && ex.Status == ledger.ExecutionSucceeded
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStrandedExecutionIsRelaunched(t *testing.T) {
	f := newFixture(t)
	def, err := f.defs.GetDefinition(f.defID)
	require.NoError(t, err)

	// An execution created directly through the API, with no schedule
	// and no driver goroutine behind it.
	ex := ledger.NewExecution(workflow.NewID("run"), def, nil)
	f.ledger.CreateExecution(ex)

	report := f.rec.Reconcile(time.Now().UTC())
	assert.Equal(t, 1, report.ResumedExecutions)

	f.completeTask(t)
	require.Eventually(t, func() bool {
		got, err := f.eng.GetExecution(ex.ID)
		return err == nil && got.Status == ledger.ExecutionSucceeded
	}, 3*time.Second, 20*time.Millisecond)
}

func TestBreakerSnapshotRestoredAndCooledAtBoot(t *testing.T) {
	f := newFixture(t)
	sched, err := f.sched.CreateSchedule(scheduler.Schedule{
		Name:         "guarded",
		DefinitionID: f.defID,
		Trigger:      workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 3600},
		Enabled:      true,
	})
	require.NoError(t, err)

	snap := engine.BreakerSnapshot{
		Target:      "queue:jobs",
		State:       engine.BreakerOpen,
		Failures:    7,
		LastTripped: time.Now().UTC().Add(-time.Hour),
	}
	_, ok := f.schedules.UpdateSchedule(sched.ID, func(sc *scheduler.Schedule) { sc.Breaker = &snap })
	require.True(t, ok)

	report := f.rec.Reconcile(time.Now().UTC())
	assert.Equal(t, 1, report.BreakersReset)
	assert.Equal(t, engine.BreakerHalfOpen, f.eng.Breakers().GetOrCreate("queue:jobs").State())
}

func TestBreakerStillCoolingStaysOpen(t *testing.T) {
	f := newFixture(t)
	sched, err := f.sched.CreateSchedule(scheduler.Schedule{
		Name:         "guarded",
		DefinitionID: f.defID,
		Trigger:      workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 3600},
		Enabled:      true,
	})
	require.NoError(t, err)

	snap := engine.BreakerSnapshot{
		Target:      "queue:jobs",
		State:       engine.BreakerOpen,
		Failures:    7,
		LastTripped: time.Now().UTC(),
	}
	_, ok := f.schedules.UpdateSchedule(sched.ID, func(sc *scheduler.Schedule) { sc.Breaker = &snap })
	require.True(t, ok)

	report := f.rec.Reconcile(time.Now().UTC())
	assert.Equal(t, 0, report.BreakersReset)
	assert.Equal(t, engine.BreakerOpen, f.eng.Breakers().GetOrCreate("queue:jobs").State())
}

func TestExpiredTaskLeasesReclaimed(t *testing.T) {
	f := newFixture(t)
	f.tasks.Enqueue(queue.Task{
		ID:             workflow.NewID("task"),
		QueueName:      "jobs",
		ExecutionID:    "run_1",
		StepSlug:       "work",
		Attempt:        1,
		IdempotencyKey: "run_1|work|1",
	})
	_, ok := f.tasks.Claim([]string{"jobs"}, "dead-worker", time.Millisecond)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	report := f.rec.Reconcile(time.Now().UTC())
	assert.Equal(t, 1, report.TasksReclaimed)

	// The reclaimed task is claimable again.
	_, ok = f.tasks.Claim([]string{"jobs"}, "live-worker", time.Minute)
	assert.True(t, ok)
}

func TestLastReportExposesMostRecentPass(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, f.rec.LastReport())

	f.rec.Reconcile(time.Now().UTC())
	report := f.rec.LastReport()
	require.NotNil(t, report)
	assert.WithinDuration(t, time.Now(), report.At, time.Second)
}

// An execution interrupted mid-flight and resumed through reconciliation
// must land on the same outcome as one that was never interrupted.
func TestCheckpointRoundTripMatchesUninterruptedRun(t *testing.T) {
	f := newFixture(t)
	def, err := f.defs.CreateDefinition(workflow.Definition{
		Name: "two-stage",
		Steps: []workflow.StepSpec{
			{Slug: "stage-a", Target: workflow.TargetSpec{Type: workflow.TargetQueue, Queue: "jobs"}},
			{Slug: "stage-b", Target: workflow.TargetSpec{Type: workflow.TargetQueue, Queue: "jobs"}, DependsOn: []string{"stage-a"}},
		},
	})
	require.NoError(t, err)

	sched, err := f.sched.CreateSchedule(scheduler.Schedule{
		Name:         "two-stage",
		DefinitionID: def.ID,
		Trigger:      workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 60},
		MissedRun:    scheduler.ResumeIfCheckpointed,
		Shutdown:     scheduler.CheckpointAndStop,
		Enabled:      true,
	})
	require.NoError(t, err)

	run, ok := f.sched.FireSchedule(sched, time.Now().UTC(), nil, false)
	require.True(t, ok)

	// First stage completes, then the process "stops".
	f.completeTask(t)
	require.Eventually(t, func() bool {
		ex, err := f.eng.GetExecution(run.ExecutionID)
		if err != nil {
			return false
		}
		for _, step := range ex.Steps {
			if step.Slug == "stage-a" && step.Status == ledger.StepSucceeded {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	seq := scheduler.NewSequencer(f.schedules, f.eng, zaptest.NewLogger(t), time.Second)
	seq.Shutdown(t.Context())

	parked, err := f.schedules.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, scheduler.RunOrphaned, parked.Status)

	// Restart and reconcile, as the next boot would.
	f.boot(t)
	report := f.rec.Reconcile(time.Now().UTC())
	require.Equal(t, 1, report.ResumedRuns)

	// Only the second stage runs after resume; the first is not redone.
	f.completeTask(t)
	require.Eventually(t, func() bool {
		ex, err := f.eng.GetExecution(run.ExecutionID)
		return err == nil && ex.Status == ledger.ExecutionSucceeded
	}, 3*time.Second, 20*time.Millisecond)

	ex, err := f.eng.GetExecution(run.ExecutionID)
	require.NoError(t, err)
	succeeded := 0
	for _, step := range ex.Steps {
		if step.Status == ledger.StepSucceeded {
			succeeded++
		}
		assert.Zero(t, step.RetryCount)
	}
	assert.Equal(t, 2, succeeded)
}
