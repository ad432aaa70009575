package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-io/windlass/internal/workflow"
)

func chainDefinition() workflow.Definition {
	return workflow.Definition{
		ID:   "wf_test",
		Name: "chain",
		Steps: []workflow.StepSpec{
			{Slug: "a", Target: workflow.TargetSpec{Type: workflow.TargetHTTP, URL: "http://x/a"}},
			{Slug: "b", Target: workflow.TargetSpec{Type: workflow.TargetHTTP, URL: "http://x/b"}, DependsOn: []string{"a"}},
		},
	}
}

func TestNewExecutionMaterializesSteps(t *testing.T) {
	ex := NewExecution("run_1", chainDefinition(), nil)

	require.Len(t, ex.Steps, 2)
	assert.Equal(t, StepPending, ex.Step("a").Status)
	assert.Equal(t, StepWaitingDependency, ex.Step("b").Status)
	assert.Equal(t, ExecutionPending, ex.Status)
	assert.NotNil(t, ex.Context)
}

func TestTransitionStepRequiresSourceStatus(t *testing.T) {
	store := NewMemoryStore()
	store.CreateExecution(NewExecution("run_1", chainDefinition(), nil))

	_, ok := store.TransitionStep("run_1", "a", []StepStatus{StepPending}, func(_ *Execution, step *StepInstance) {
		step.Status = StepDispatched
	})
	require.True(t, ok)

	// Second claim must lose: the step is no longer pending.
	_, ok = store.TransitionStep("run_1", "a", []StepStatus{StepPending}, func(_ *Execution, step *StepInstance) {
		step.Status = StepDispatched
	})
	assert.False(t, ok)
}

func TestTransitionStepSingleWinnerUnderConcurrency(t *testing.T) {
	store := NewMemoryStore()
	store.CreateExecution(NewExecution("run_1", chainDefinition(), nil))

	var wg sync.WaitGroup
	wins := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := store.TransitionStep("run_1", "a", []StepStatus{StepPending}, func(_ *Execution, step *StepInstance) {
				step.Status = StepDispatched
			})
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestTransitionExecutionGuard(t *testing.T) {
	store := NewMemoryStore()
	store.CreateExecution(NewExecution("run_1", chainDefinition(), nil))

	_, ok := store.TransitionExecution("run_1", []ExecutionStatus{ExecutionPending}, func(ex *Execution) {
		ex.Status = ExecutionRunning
	})
	require.True(t, ok)

	_, ok = store.TransitionExecution("run_1", []ExecutionStatus{ExecutionPending}, func(ex *Execution) {
		ex.Status = ExecutionRunning
	})
	assert.False(t, ok)

	got, err := store.GetExecution("run_1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionRunning, got.Status)
}

func TestSnapshotsAreDetachedFromLaterTransitions(t *testing.T) {
	store := NewMemoryStore()
	store.CreateExecution(NewExecution("run_1", chainDefinition(), map[string]any{
		"order": map[string]any{"id": "ord_1"},
	}))

	before, err := store.GetExecution("run_1")
	require.NoError(t, err)

	_, ok := store.TransitionStep("run_1", "a", []StepStatus{StepPending}, func(ex *Execution, step *StepInstance) {
		step.Status = StepSucceeded
		nested := ex.Context["order"].(map[string]any)
		nested["id"] = "ord_2"
	})
	require.True(t, ok)

	// The earlier snapshot keeps what it saw, down to nested context.
	assert.Equal(t, StepPending, before.Step("a").Status)
	assert.Equal(t, "ord_1", before.Context["order"].(map[string]any)["id"])

	after, err := store.GetExecution("run_1")
	require.NoError(t, err)
	assert.Equal(t, StepSucceeded, after.Step("a").Status)
	assert.Equal(t, "ord_2", after.Context["order"].(map[string]any)["id"])
}

func TestReadersRaceFreeAgainstStepTransitions(t *testing.T) {
	store := NewMemoryStore()
	store.CreateExecution(NewExecution("run_1", chainDefinition(), map[string]any{"n": 0}))

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if ex, err := store.GetExecution("run_1"); err == nil {
					_ = ex.Step("a").Status
					_ = ex.Context["n"]
				}
				_ = store.ListExecutionsByStatus(ExecutionPending)
			}
		}()
	}

	for i := 0; i < 200; i++ {
		from := []StepStatus{StepPending, StepDispatched}
		store.TransitionStep("run_1", "a", from, func(ex *Execution, step *StepInstance) {
			if step.Status == StepPending {
				step.Status = StepDispatched
			} else {
				step.Status = StepPending
			}
			ex.Context["n"] = i
		})
	}
	close(done)
	wg.Wait()
}

func TestDeadLetterResolution(t *testing.T) {
	store := NewMemoryStore()
	store.CreateDeadLetter(DeadLetterEntry{ID: "dl_1", ExecutionID: "run_1", Resolution: ResolutionPending})

	entry, err := store.ResolveDeadLetter("dl_1", ResolutionReplayed)
	require.NoError(t, err)
	assert.Equal(t, ResolutionReplayed, entry.Resolution)
	require.NotNil(t, entry.ResolvedAt)

	_, err = store.ResolveDeadLetter("dl_missing", ResolutionDiscarded)
	assert.ErrorIs(t, err, ErrNotFound)
}
