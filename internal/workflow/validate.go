package workflow

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Validate enforces every save-time invariant of a definition: at least
// one step, valid targets, known dependency slugs, well-formed
// conditions, a parseable trigger, and an acyclic dependency graph.
// A definition that fails here is never persisted.
func Validate(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("definition name required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("definition requires at least one step")
	}
	for _, step := range def.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("step %q: %w", step.Slug, err)
		}
	}
	if err := ValidateTrigger(def.Trigger); err != nil {
		return err
	}
	g, err := buildGraph(def.Steps)
	if err != nil {
		return err
	}
	return g.checkAcyclic()
}

func validateStep(step StepSpec) error {
	switch step.Target.Type {
	case TargetHTTP:
		if step.Target.URL == "" {
			return fmt.Errorf("http target requires a url")
		}
	case TargetQueue:
		if step.Target.Queue == "" {
			return fmt.Errorf("queue target requires a queue name")
		}
	case TargetConditional:
		if step.Condition == nil {
			return fmt.Errorf("conditional target requires a condition")
		}
	case TargetDelay:
		if step.Target.DelaySeconds <= 0 {
			return fmt.Errorf("delay target requires delay_seconds > 0")
		}
	default:
		return fmt.Errorf("unknown target type %q", step.Target.Type)
	}
	if step.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if err := step.Condition.Validate(); err != nil {
		return err
	}
	for _, m := range step.Output {
		if m.ContextPath == "" || m.OutputPath == "" {
			return fmt.Errorf("output mapping requires context_path and output_path")
		}
	}
	return nil
}

// ValidateTrigger is shared with the scheduler: schedules carry the
// same trigger spec.
func ValidateTrigger(t TriggerSpec) error {
	switch t.Type {
	case "":
		return nil
	case TriggerInterval:
		if t.IntervalSeconds <= 0 {
			return fmt.Errorf("interval trigger requires interval_seconds > 0")
		}
	case TriggerCalendar:
		if _, err := cron.ParseStandard(t.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", t.Cron, err)
		}
	case TriggerDelay:
		if t.AtEpoch <= 0 {
			return fmt.Errorf("delay trigger requires at_epoch")
		}
	case TriggerEvent:
		if t.Event == "" {
			return fmt.Errorf("event trigger requires an event name")
		}
	case TriggerReconciliation:
		// Fired only by the reconciler itself.
	default:
		return fmt.Errorf("unknown trigger type %q", t.Type)
	}
	return nil
}
