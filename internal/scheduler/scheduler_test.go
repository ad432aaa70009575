package scheduler

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
	"github.com/windlass-io/windlass/internal/workflow"
)

type fixture struct {
	sched *Service
	store *MemoryStore
	defs  *workflow.Service
	eng   *engine.Service
	tasks queue.Store
	defID string
}

// The definition uses a queue step, so executions stay running until a
// task outcome arrives. That makes overlap behavior deterministic.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	defs := workflow.NewService(workflow.NewMemoryStore())
	ledgerStore := ledger.NewMemoryStore()
	tasks := queue.NewMemoryStore()
	emitter := engine.NewEmitter(logger, ledgerStore, "")
	breakers := engine.NewBreakerRegistry(engine.DefaultBreakerConfig(), logger)
	sink := engine.NewDeadLetterSink(ledgerStore, emitter)

	engCfg := engine.DefaultConfig()
	engCfg.PollInterval = 10 * time.Millisecond
	eng := engine.NewService(engCfg, defs, ledgerStore, tasks,
		engine.NewRouter(http.DefaultClient, tasks), breakers, emitter, sink, nil, logger)

	def, err := defs.CreateDefinition(workflow.Definition{
		Name: "queue-flow",
		Steps: []workflow.StepSpec{{
			Slug:   "work",
			Target: workflow.TargetSpec{Type: workflow.TargetQueue, Queue: "jobs"},
		}},
	})
	require.NoError(t, err)

	store := NewMemoryStore()
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	svc := NewService(cfg, store, defs, eng, nil, logger)

	return &fixture{sched: svc, store: store, defs: defs, eng: eng, tasks: tasks, defID: def.ID}
}

func (f *fixture) createSchedule(t *testing.T, concurrency ConcurrencyPolicy) Schedule {
	t.Helper()
	sched, err := f.sched.CreateSchedule(Schedule{
		Name:         "every-five",
		DefinitionID: f.defID,
		Trigger:      workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 5},
		Concurrency:  concurrency,
		Enabled:      true,
	})
	require.NoError(t, err)
	return sched
}

func (f *fixture) makeDue(t *testing.T, id string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Second)
	_, ok := f.store.UpdateSchedule(id, func(sc *Schedule) { sc.NextDueAt = &past })
	require.True(t, ok)
}

func (f *fixture) finishTask(t *testing.T) {
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

func runsByStatus(runs []ScheduledRun, status RunStatus) []ScheduledRun {
	var out []ScheduledRun
	for _, r := range runs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func TestCreateScheduleSeedsNextDue(t *testing.T) {
	f := newFixture(t)
	sched := f.createSchedule(t, ForbidOverlap)
	require.NotNil(t, sched.NextDueAt)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), *sched.NextDueAt, time.Second)
	assert.Equal(t, SkipMissed, sched.MissedRun)
	assert.Equal(t, GracefulFinish, sched.Shutdown)
}

func TestCreateScheduleRejectsUnknownDefinition(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.CreateSchedule(Schedule{
		Name:         "bad",
		DefinitionID: "def_missing",
		Trigger:      workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 5},
	})
	assert.Error(t, err)
}

func TestTickFiresDueScheduleAndAdvances(t *testing.T) {
	f := newFixture(t)
	sched := f.createSchedule(t, ForbidOverlap)
	f.makeDue(t, sched.ID)

	f.sched.Tick(time.Now().UTC())

	runs := f.store.ListRunsBySchedule(sched.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, RunRunning, runs[0].Status)
	assert.NotEmpty(t, runs[0].ExecutionID)

	updated, err := f.store.GetSchedule(sched.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextDueAt)
	assert.True(t, updated.NextDueAt.After(time.Now()))
	assert.NotNil(t, updated.LastFiredAt)
}

func TestForbidOverlapRefusesSecondRun(t *testing.T) {
	f := newFixture(t)
	sched := f.createSchedule(t, ForbidOverlap)

	f.makeDue(t, sched.ID)
	f.sched.Tick(time.Now().UTC())
	f.makeDue(t, sched.ID)
	f.sched.Tick(time.Now().UTC())

	runs := f.store.ListRunsBySchedule(sched.ID)
	assert.Len(t, runsByStatus(runs, RunRunning), 1)
	assert.Len(t, runsByStatus(runs, RunSkipped), 1)
}

func TestAllowOverlapRunsConcurrently(t *testing.T) {
	f := newFixture(t)
	sched := f.createSchedule(t, AllowOverlap)

	f.makeDue(t, sched.ID)
	f.sched.Tick(time.Now().UTC())
	f.makeDue(t, sched.ID)
	f.sched.Tick(time.Now().UTC())

	runs := f.store.ListRunsBySchedule(sched.ID)
	assert.Len(t, runsByStatus(runs, RunRunning), 2)
}

func TestEnqueueOneHoldsSingleOccurrence(t *testing.T) {
	f := newFixture(t)
	sched := f.createSchedule(t, EnqueueOne)

	f.makeDue(t, sched.ID)
	f.sched.Tick(time.Now().UTC())
	f.makeDue(t, sched.ID)
	f.sched.Tick(time.Now().UTC())
	// A third due occurrence while one is already queued is dropped.
	f.makeDue(t, sched.ID)
	f.sched.Tick(time.Now().UTC())

	runs := f.store.ListRunsBySchedule(sched.ID)
	assert.Len(t, runsByStatus(runs, RunRunning), 1)
	assert.Len(t, runsByStatus(runs, RunPending), 1)
	assert.Len(t, runsByStatus(runs, RunSkipped), 1)

	// Finish the running execution; the queued occurrence must promote.
	f.finishTask(t)
	require.Eventually(t, func() bool {
		f.sched.Tick(time.Now().UTC())
		runs := f.store.ListRunsBySchedule(sched.ID)
		return len(runsByStatus(runs, RunPending)) == 0 &&
			len(runsByStatus(runs, RunCompleted)) == 1 &&
			len(runsByStatus(runs, RunRunning)) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestReplaceRunningCancelsPrevious(t *testing.T) {
	f := newFixture(t)
	sched := f.createSchedule(t, ReplaceRunning)

	f.makeDue(t, sched.ID)
	f.sched.Tick(time.Now().UTC())
	first := f.store.ListRunsBySchedule(sched.ID)[0]

	f.makeDue(t, sched.ID)
	f.sched.Tick(time.Now().UTC())

	runs := f.store.ListRunsBySchedule(sched.ID)
	require.Len(t, runs, 2)
	assert.Len(t, runsByStatus(runs, RunRunning), 1)
	assert.Len(t, runsByStatus(runs, RunFailed), 1)

	ex, err := f.eng.GetExecution(first.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ExecutionCancelled, ex.Status)
}

func TestDelayTriggerIsOneShot(t *testing.T) {
	f := newFixture(t)
	sched, err := f.sched.CreateSchedule(Schedule{
		Name:         "once",
		DefinitionID: f.defID,
		Trigger:      workflow.TriggerSpec{Type: workflow.TriggerDelay, AtEpoch: time.Now().Add(time.Hour).Unix()},
		Enabled:      true,
	})
	require.NoError(t, err)

	f.makeDue(t, sched.ID)
	f.sched.Tick(time.Now().UTC())

	runs := f.store.ListRunsBySchedule(sched.ID)
	require.Len(t, runs, 1)

	updated, err := f.store.GetSchedule(sched.ID)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Nil(t, updated.NextDueAt)
}

func TestFireEventStartsMatchingSchedules(t *testing.T) {
	f := newFixture(t)
	sched, err := f.sched.CreateSchedule(Schedule{
		Name:         "on-deploy",
		DefinitionID: f.defID,
		Trigger:      workflow.TriggerSpec{Type: workflow.TriggerEvent, Event: "deploy.finished"},
		Enabled:      true,
	})
	require.NoError(t, err)
	require.Nil(t, sched.NextDueAt)

	fired := f.sched.FireEvent("deploy.finished", map[string]any{"sha": "abc123"})
	require.Len(t, fired, 1)

	ex, err := f.eng.GetExecution(fired[0].ExecutionID)
	require.NoError(t, err)
	event, ok := ex.Context["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "deploy.finished", event["name"])

	assert.Empty(t, f.sched.FireEvent("other.event", nil))
}

func TestNextDueComputation(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)

	next, err := NextDue(workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 90}, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Second), *next)

	next, err = NextDue(workflow.TriggerSpec{Type: workflow.TriggerCalendar, Cron: "0 0 * * *"}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), *next)

	next, err = NextDue(workflow.TriggerSpec{Type: workflow.TriggerDelay, AtEpoch: now.Add(-time.Hour).Unix()}, now)
	require.NoError(t, err)
	assert.Nil(t, next)

	next, err = NextDue(workflow.TriggerSpec{Type: workflow.TriggerEvent, Event: "x"}, now)
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = NextDue(workflow.TriggerSpec{Type: workflow.TriggerCalendar, Cron: "not a cron"}, now)
	assert.Error(t, err)
}

func TestMissedOccurrences(t *testing.T) {
	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	until := from.Add(10 * time.Minute)

	missed, err := MissedOccurrences(workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 120}, from, until, 0)
	require.NoError(t, err)
	assert.Len(t, missed, 6)
	assert.Equal(t, from, missed[0])
	assert.Equal(t, until, missed[5])

	missed, err = MissedOccurrences(workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 60}, from, until, 3)
	require.NoError(t, err)
	assert.Len(t, missed, 3)

	missed, err = MissedOccurrences(workflow.TriggerSpec{Type: workflow.TriggerCalendar, Cron: "*/5 * * * *"}, from, until, 0)
	require.NoError(t, err)
	assert.Len(t, missed, 3)
	assert.Equal(t, from, missed[0])
}

func TestSequencerCheckpointAndStop(t *testing.T) {
	f := newFixture(t)
	sched, err := f.sched.CreateSchedule(Schedule{
		Name:         "checkpointed",
		DefinitionID: f.defID,
		Trigger:      workflow.TriggerSpec{Type: workflow.TriggerInterval, IntervalSeconds: 5},
		MissedRun:    ResumeIfCheckpointed,
		Shutdown:     CheckpointAndStop,
		Enabled:      true,
	})
	require.NoError(t, err)

	f.makeDue(t, sched.ID)
	f.sched.Tick(time.Now().UTC())
	run := f.store.ListRunsBySchedule(sched.ID)[0]
	require.Equal(t, RunRunning, run.Status)

	seq := NewSequencer(f.store, f.eng, zaptest.NewLogger(t), time.Second)
	seq.Shutdown(t.Context())

	settled, err := f.store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunOrphaned, settled.Status)
	assert.Equal(t, run.ExecutionID, settled.CheckpointRef)

	ex, err := f.eng.GetExecution(run.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ExecutionPaused, ex.Status)
}
