// Package ledger is the durable record of workflow executions and
// their per-step instances. Every other component treats it as the
// single source of truth: readiness is re-derived from it, never cached.
package ledger

import (
	"time"

	"github.com/windlass-io/windlass/internal/workflow"
)

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimedOut  ExecutionStatus = "timed_out"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	}
	return false
}

type StepStatus string

const (
	StepPending           StepStatus = "pending"
	StepWaitingDependency StepStatus = "waiting_dependency"
	StepDispatched        StepStatus = "dispatched"
	StepRunning           StepStatus = "running"
	StepSucceeded         StepStatus = "succeeded"
	StepFailed            StepStatus = "failed"
	StepSkipped           StepStatus = "skipped"
	StepCancelled         StepStatus = "cancelled"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// Execution is one run of a definition. The persisted row doubles as
// the checkpoint: context plus per-step statuses are everything needed
// to resume after a restart.
type Execution struct {
	ID                string          `json:"id"`
	DefinitionID      string          `json:"definition_id"`
	DefinitionVersion int             `json:"definition_version,omitempty"`
	Status            ExecutionStatus `json:"status"`
	Context           map[string]any  `json:"context,omitempty"`
	Steps             []StepInstance  `json:"steps"`
	Error             string          `json:"error,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	EndedAt           *time.Time      `json:"ended_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type StepInstance struct {
	Slug           string     `json:"slug"`
	Status         StepStatus `json:"status"`
	DependsOn      []string   `json:"depends_on,omitempty"`
	Input          any        `json:"input,omitempty"`
	Output         any        `json:"output,omitempty"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	Optional       bool       `json:"optional,omitempty"`
	NonRecoverable bool       `json:"non_recoverable,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

func (e *Execution) Step(slug string) *StepInstance {
	for i := range e.Steps {
		if e.Steps[i].Slug == slug {
			return &e.Steps[i]
		}
	}
	return nil
}

// NewExecution materializes step instances from a definition.
func NewExecution(id string, def workflow.Definition, ctx map[string]any) Execution {
	now := time.Now().UTC()
	if ctx == nil {
		ctx = map[string]any{}
	}
	steps := make([]StepInstance, 0, len(def.Steps))
	for _, spec := range def.Steps {
		status := StepPending
		if len(spec.DependsOn) > 0 {
			status = StepWaitingDependency
		}
		steps = append(steps, StepInstance{
			Slug:           spec.Slug,
			Status:         status,
			DependsOn:      append([]string(nil), spec.DependsOn...),
			Input:          spec.Input,
			MaxRetries:     spec.MaxRetries,
			TimeoutSeconds: spec.TimeoutSeconds,
			Optional:       spec.Optional,
			NonRecoverable: spec.NonRecoverable,
		})
	}
	return Execution{
		ID:           id,
		DefinitionID: def.ID,
		Status:       ExecutionPending,
		Context:      ctx,
		Steps:        steps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

type Resolution string

const (
	ResolutionPending   Resolution = "pending"
	ResolutionReplayed  Resolution = "replayed"
	ResolutionDiscarded Resolution = "discarded"
	ResolutionManualFix Resolution = "manual_fix"
)

// DeadLetterEntry quarantines work that exhausted automated recovery.
// Entries are resolved only by an explicit replay or discard decision.
type DeadLetterEntry struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	StepSlug    string     `json:"step_slug,omitempty"`
	Payload     any        `json:"payload,omitempty"`
	Reason      string     `json:"reason"`
	RetryCount  int        `json:"retry_count"`
	Resolution  Resolution `json:"resolution"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}
