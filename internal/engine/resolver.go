package engine

import (
	"github.com/windlass-io/windlass/internal/ledger"
	"github.com/windlass-io/windlass/internal/workflow"
)

// readiness is recomputed from the ledger after every applied outcome.
// There is no incremental bookkeeping to drift: the resolver is a pure
// function of definition plus execution state.

type skipDecision struct {
	Slug       string
	Unresolved bool
}

// readySteps returns the dispatchable steps (every dependency succeeded
// or skipped, own status pending/waiting_dependency) and the steps
// whose condition evaluated false (or referenced a missing context key)
// which must transition straight to skipped.
func readySteps(def workflow.Definition, ex ledger.Execution) (ready []workflow.StepSpec, skips []skipDecision) {
	for _, spec := range def.Steps {
		inst := ex.Step(spec.Slug)
		if inst == nil {
			continue
		}
		if inst.Status != ledger.StepPending && inst.Status != ledger.StepWaitingDependency {
			continue
		}
		if !depsSatisfied(ex, spec.DependsOn) {
			continue
		}
		if spec.Condition != nil {
			pass, resolved := spec.Condition.Eval(ex.Context)
			if !resolved {
				skips = append(skips, skipDecision{Slug: spec.Slug, Unresolved: true})
				continue
			}
			if !pass {
				skips = append(skips, skipDecision{Slug: spec.Slug})
				continue
			}
		}
		ready = append(ready, spec)
	}
	return ready, skips
}

func depsSatisfied(ex ledger.Execution, deps []string) bool {
	for _, dep := range deps {
		inst := ex.Step(dep)
		if inst == nil {
			return false
		}
		if inst.Status != ledger.StepSucceeded && inst.Status != ledger.StepSkipped {
			return false
		}
	}
	return true
}

// deriveStatus computes the execution-level status from its steps:
// failed as soon as a required step is terminally failed, succeeded
// once everything is terminal without a required failure, otherwise
// still in flight.
func deriveStatus(ex ledger.Execution) (ledger.ExecutionStatus, bool) {
	allTerminal := true
	for _, step := range ex.Steps {
		if step.Status == ledger.StepFailed && !step.Optional {
			return ledger.ExecutionFailed, true
		}
		if !step.Status.Terminal() {
			allTerminal = false
		}
	}
	if allTerminal {
		return ledger.ExecutionSucceeded, true
	}
	return ex.Status, false
}

// inFlight reports whether any step is dispatched or running, i.e. an
// outcome is still expected from an external system.
func inFlight(ex ledger.Execution) bool {
	for _, step := range ex.Steps {
		if step.Status == ledger.StepDispatched || step.Status == ledger.StepRunning {
			return true
		}
	}
	return false
}
