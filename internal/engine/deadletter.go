package engine

import (
	"time"

	"github.com/windlass-io/windlass/internal/ledger"
	"github.com/windlass-io/windlass/internal/workflow"
)

// DeadLetterSink quarantines steps that exhausted automated recovery.
// Entries sit until an operator (or an automated consumer) replays or
// discards them through the public engine operations; nothing in here
// is ever auto-retried.
type DeadLetterSink struct {
	store   ledger.Store
	emitter *Emitter
}

func NewDeadLetterSink(store ledger.Store, emitter *Emitter) *DeadLetterSink {
	return &DeadLetterSink{store: store, emitter: emitter}
}

func (s *DeadLetterSink) Quarantine(ex ledger.Execution, step *ledger.StepInstance, reason string) ledger.DeadLetterEntry {
	entry := s.store.CreateDeadLetter(ledger.DeadLetterEntry{
		ID:          workflow.NewID("dl"),
		ExecutionID: ex.ID,
		StepSlug:    step.Slug,
		Payload: map[string]any{
			"input":   step.Input,
			"context": ex.Context,
		},
		Reason:     reason,
		RetryCount: step.RetryCount,
		Resolution: ledger.ResolutionPending,
		CreatedAt:  time.Now().UTC(),
	})
	s.emitter.Emit(Event{
		Type:        "step.dead_lettered",
		ExecutionID: ex.ID,
		StepSlug:    step.Slug,
		Fields:      map[string]any{"dead_letter_id": entry.ID, "reason": reason},
	})
	return entry
}

func (s *DeadLetterSink) List() []ledger.DeadLetterEntry {
	return s.store.ListDeadLetters()
}

func (s *DeadLetterSink) Get(id string) (ledger.DeadLetterEntry, error) {
	return s.store.GetDeadLetter(id)
}

func (s *DeadLetterSink) Resolve(id string, resolution ledger.Resolution) (ledger.DeadLetterEntry, error) {
	entry, err := s.store.ResolveDeadLetter(id, resolution)
	if err != nil {
		return ledger.DeadLetterEntry{}, err
	}
	s.emitter.Emit(Event{
		Type:        "dead_letter.resolved",
		ExecutionID: entry.ExecutionID,
		StepSlug:    entry.StepSlug,
		Fields:      map[string]any{"dead_letter_id": entry.ID, "resolution": string(resolution)},
	})
	return entry, nil
}
