package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/windlass-io/windlass/internal/ledger"
	"github.com/windlass-io/windlass/internal/metrics"
	"github.com/windlass-io/windlass/internal/queue"
	"github.com/windlass-io/windlass/internal/workflow"
)

type Config struct {
	WorkerLimit        int
	DefaultStepTimeout time.Duration
	PollInterval       time.Duration
	Retry              RetryConfig
}

func DefaultConfig() Config {
	return Config{
		WorkerLimit:        16,
		DefaultStepTimeout: 30 * time.Second,
		PollInterval:       500 * time.Millisecond,
		Retry:              DefaultRetryConfig(),
	}
}

// Service drives executions from creation to a terminal state. All
// progress lives in the ledger; the service holds no per-run state
// beyond the cancel handle of its driver goroutine, so a run can be
// resumed by any process that re-reads the ledger.
type Service struct {
	cfg         Config
	definitions *workflow.Service
	store       ledger.Store
	tasks       queue.Store
	router      *Router
	breakers    *BreakerRegistry
	emitter     *Emitter
	deadLetters *DeadLetterSink
	collector   *metrics.Collector
	logger      *zap.Logger

	admitting atomic.Bool
	inflight  sync.WaitGroup
	cancels   sync.Map // execution id -> context.CancelFunc
}

func NewService(
	cfg Config,
	definitions *workflow.Service,
	store ledger.Store,
	tasks queue.Store,
	router *Router,
	breakers *BreakerRegistry,
	emitter *Emitter,
	deadLetters *DeadLetterSink,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Service {
	s := &Service{
		cfg:         cfg,
		definitions: definitions,
		store:       store,
		tasks:       tasks,
		router:      router,
		breakers:    breakers,
		emitter:     emitter,
		deadLetters: deadLetters,
		collector:   collector,
		logger:      logger,
	}
	s.admitting.Store(true)
	return s
}

func (s *Service) Store() ledger.Store           { return s.store }
func (s *Service) DeadLetters() *DeadLetterSink  { return s.deadLetters }
func (s *Service) Breakers() *BreakerRegistry    { return s.breakers }
func (s *Service) Emitter() *Emitter             { return s.emitter }

// StartExecution creates a run from a definition and drives it in the
// background.
func (s *Service) StartExecution(definitionID string, initCtx map[string]any) (ledger.Execution, error) {
	def, err := s.definitions.GetDefinition(definitionID)
	if err != nil {
		return ledger.Execution{}, fmt.Errorf("definition %s: %w", definitionID, err)
	}
	ex := ledger.NewExecution(workflow.NewID("run"), def, initCtx)
	ex = s.store.CreateExecution(ex)
	s.emitter.Emit(Event{Type: "run.created", ExecutionID: ex.ID, Fields: map[string]any{"definition_id": def.ID}})
	s.Launch(ex.ID)
	return ex, nil
}

// Launch starts (or resumes) the driver goroutine for an execution.
// During shutdown new drivers are refused; the reconciler picks the
// run up on next boot.
func (s *Service) Launch(executionID string) bool {
	if !s.admitting.Load() {
		s.logger.Warn("not admitting new executions", zap.String("execution_id", executionID))
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	if _, loaded := s.cancels.LoadOrStore(executionID, cancel); loaded {
		cancel()
		return false
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.cancels.Delete(executionID)
		defer cancel()
		s.Execute(ctx, executionID)
	}()
	return true
}

// Execute drives one execution until it is terminal, paused, or the
// context is cancelled. It is safe to call again after a crash: every
// loop pass re-derives readiness from the ledger.
func (s *Service) Execute(ctx context.Context, executionID string) {
	ex, err := s.store.GetExecution(executionID)
	if err != nil {
		s.logger.Error("execution not found", zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	if ex.Status.Terminal() {
		return
	}

	def, err := s.definitions.GetDefinition(ex.DefinitionID)
	if err != nil {
		s.finalize(ex.ID, ledger.ExecutionFailed, fmt.Sprintf("definition %s missing: %v", ex.DefinitionID, err))
		return
	}

	ex, started := s.store.TransitionExecution(ex.ID, []ledger.ExecutionStatus{ledger.ExecutionPending, ledger.ExecutionRunning, ledger.ExecutionPaused}, func(e *ledger.Execution) {
		if e.StartedAt == nil {
			now := time.Now().UTC()
			e.StartedAt = &now
		}
		e.Status = ledger.ExecutionRunning
	})
	if !started {
		return
	}
	s.emitter.Emit(Event{Type: "run.started", ExecutionID: ex.ID})

	// The execution deadline counts from the original start so resumed
	// runs do not get a fresh budget.
	if def.TimeoutMinutes > 0 && ex.StartedAt != nil {
		deadline := ex.StartedAt.Add(time.Duration(def.TimeoutMinutes) * time.Minute)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	for {
		ex, err = s.store.GetExecution(executionID)
		if err != nil || ex.Status.Terminal() || ex.Status == ledger.ExecutionPaused {
			return
		}

		if status, final := deriveStatus(ex); final {
			s.finalize(ex.ID, status, executionError(ex))
			return
		}

		ready, skips := readySteps(def, ex)
		for _, skip := range skips {
			s.applySkip(ex.ID, skip)
		}
		s.skipUnreachable(def, ex)
		if len(skips) > 0 {
			continue
		}

		if len(ready) == 0 {
			if !inFlight(ex) {
				// Nothing ready, nothing expected: re-derive on the
				// next pass after unreachable-skips have settled.
				if status, final := deriveStatus(ex); final {
					s.finalize(ex.ID, status, executionError(ex))
					return
				}
			}
			s.sweepTaskOutcomes(def, ex)
			select {
			case <-ctx.Done():
				s.handleInterrupt(ctx, ex.ID)
				return
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(s.cfg.WorkerLimit)
		for _, spec := range ready {
			spec := spec
			group.Go(func() error {
				s.dispatchStep(groupCtx, def, executionID, spec)
				return nil
			})
		}
		_ = group.Wait()

		select {
		case <-ctx.Done():
			s.handleInterrupt(ctx, executionID)
			return
		default:
		}
	}
}

// dispatchStep runs the attempt/backoff cycle for one step. Sync
// channels complete inline; queued channels leave the step dispatched
// and the outcome arrives through ApplyStepOutcome.
func (s *Service) dispatchStep(ctx context.Context, def workflow.Definition, executionID string, spec workflow.StepSpec) {
	bo := s.cfg.Retry.newBackOff()
	for {
		var attempt int
		ex, claimed := s.store.TransitionStep(executionID, spec.Slug,
			[]ledger.StepStatus{ledger.StepPending, ledger.StepWaitingDependency},
			func(_ *ledger.Execution, step *ledger.StepInstance) {
				step.Status = ledger.StepDispatched
				if step.StartedAt == nil {
					now := time.Now().UTC()
					step.StartedAt = &now
				}
				attempt = step.RetryCount + 1
			})
		if !claimed {
			return
		}
		s.collector.StepDispatched(string(spec.Target.Type))
		s.emitter.Emit(Event{Type: "step.dispatched", ExecutionID: executionID, StepSlug: spec.Slug,
			Fields: map[string]any{"attempt": attempt, "target": string(spec.Target.Type)}})

		var derr *DispatchError
		key := spec.Target.Key()
		if key != "" {
			if rejected := s.breakers.GetOrCreate(key).Allow(); rejected != nil {
				s.collector.BreakerRejected(key)
				// Dependency is gated off: the attempt fails without
				// the target ever being called.
				derr = &DispatchError{Class: ClassTransient, Err: rejected}
			}
		}

		var output any
		var async bool
		if derr == nil {
			output, async, derr = s.router.Dispatch(ctx, ex, spec, attempt, s.stepTimeout(spec))
			if key != "" && !async {
				if derr == nil {
					s.breakers.GetOrCreate(key).RecordSuccess()
				} else if derr.Class == ClassTransient || derr.Class == ClassTimeout {
					s.breakers.GetOrCreate(key).RecordFailure()
				}
			}
		}

		if async && derr == nil {
			return
		}
		if derr == nil {
			s.ApplyStepOutcome(executionID, spec.Slug, attempt, output, "", "")
			return
		}

		s.collector.StepFailed(string(derr.Class))
		retriable := derr.Class.Retryable() && attempt <= spec.MaxRetries
		if !retriable {
			s.ApplyStepOutcome(executionID, spec.Slug, attempt, nil, derr.Error(), derr.Class)
			return
		}

		_, ok := s.store.TransitionStep(executionID, spec.Slug,
			[]ledger.StepStatus{ledger.StepDispatched},
			func(_ *ledger.Execution, step *ledger.StepInstance) {
				step.Status = ledger.StepPending
				step.RetryCount++
				step.Error = derr.Error()
			})
		if !ok {
			return
		}
		s.emitter.Emit(Event{Type: "step.retrying", ExecutionID: executionID, StepSlug: spec.Slug,
			Fields: map[string]any{"attempt": attempt, "error": derr.Error()}})

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// ApplyStepOutcome is the single idempotent entry point for step
// completions: the inline dispatch path, the completion callback
// handler, and the polling sweep all land here. Stale or duplicate
// outcomes (wrong attempt, step already terminal) are ignored.
func (s *Service) ApplyStepOutcome(executionID, slug string, attempt int, output any, errMsg string, class Class) bool {
	_, ex, spec, ok := s.lookup(executionID, slug)
	if !ok {
		return false
	}
	inst := ex.Step(slug)
	if inst == nil || attempt != inst.RetryCount+1 {
		return false
	}

	if errMsg == "" {
		_, applied := s.store.TransitionStep(executionID, slug,
			[]ledger.StepStatus{ledger.StepDispatched, ledger.StepRunning},
			func(e *ledger.Execution, step *ledger.StepInstance) {
				step.Status = ledger.StepSucceeded
				step.Output = output
				step.Error = ""
				now := time.Now().UTC()
				step.EndedAt = &now
				applyOutputMappings(e.Context, spec.Output, output)
			})
		if applied {
			if key := spec.Target.Key(); key != "" && spec.Target.Type == workflow.TargetQueue {
				s.breakers.GetOrCreate(key).RecordSuccess()
			}
			s.emitter.Emit(Event{Type: "step.succeeded", ExecutionID: executionID, StepSlug: slug,
				Fields: map[string]any{"attempt": attempt}})
		}
		return applied
	}

	if class == "" {
		class = ClassTransient
	}
	if key := spec.Target.Key(); key != "" && spec.Target.Type == workflow.TargetQueue && class.Retryable() {
		s.breakers.GetOrCreate(key).RecordFailure()
	}

	if class.Retryable() && attempt <= spec.MaxRetries {
		_, applied := s.store.TransitionStep(executionID, slug,
			[]ledger.StepStatus{ledger.StepDispatched, ledger.StepRunning},
			func(_ *ledger.Execution, step *ledger.StepInstance) {
				step.Status = ledger.StepPending
				step.RetryCount++
				step.Error = errMsg
			})
		if applied {
			s.emitter.Emit(Event{Type: "step.retrying", ExecutionID: executionID, StepSlug: slug,
				Fields: map[string]any{"attempt": attempt, "error": errMsg}})
		}
		return applied
	}

	updated, applied := s.store.TransitionStep(executionID, slug,
		[]ledger.StepStatus{ledger.StepDispatched, ledger.StepRunning},
		func(_ *ledger.Execution, step *ledger.StepInstance) {
			step.Status = ledger.StepFailed
			step.Error = errMsg
			now := time.Now().UTC()
			step.EndedAt = &now
		})
	if !applied {
		return false
	}
	s.collector.StepFailed(string(class))
	s.emitter.Emit(Event{Type: "step.failed", ExecutionID: executionID, StepSlug: slug,
		Fields: map[string]any{"attempt": attempt, "class": string(class), "error": errMsg}})
	if spec.NonRecoverable {
		step := updated.Step(slug)
		s.deadLetters.Quarantine(updated, step, errMsg)
		s.collector.DeadLettered()
	}
	return true
}

// sweepTaskOutcomes is the polling half of queued completion: it reads
// the task row for every outstanding queued step and funnels finished
// ones through ApplyStepOutcome.
func (s *Service) sweepTaskOutcomes(def workflow.Definition, ex ledger.Execution) {
	for _, spec := range def.Steps {
		if spec.Target.Type != workflow.TargetQueue {
			continue
		}
		inst := ex.Step(spec.Slug)
		if inst == nil || inst.Status != ledger.StepDispatched {
			continue
		}
		attempt := inst.RetryCount + 1
		task, err := s.tasks.GetByKey(IdempotencyKey(ex.ID, spec.Slug, attempt))
		if err != nil {
			continue
		}
		switch task.Status {
		case queue.TaskCompleted:
			s.ApplyStepOutcome(ex.ID, spec.Slug, attempt, task.Result, "", "")
		case queue.TaskFailed:
			s.ApplyStepOutcome(ex.ID, spec.Slug, attempt, nil, task.Error, ClassTransient)
		}
	}
}

func (s *Service) applySkip(executionID string, skip skipDecision) {
	_, applied := s.store.TransitionStep(executionID, skip.Slug,
		[]ledger.StepStatus{ledger.StepPending, ledger.StepWaitingDependency},
		func(_ *ledger.Execution, step *ledger.StepInstance) {
			step.Status = ledger.StepSkipped
			now := time.Now().UTC()
			step.EndedAt = &now
			if skip.Unresolved {
				step.Error = "condition referenced missing context key"
			}
		})
	if !applied {
		return
	}
	if skip.Unresolved {
		s.logger.Warn("step condition referenced missing context key; skipping",
			zap.String("execution_id", executionID), zap.String("step", skip.Slug))
	}
	s.emitter.Emit(Event{Type: "step.skipped", ExecutionID: executionID, StepSlug: skip.Slug,
		Fields: map[string]any{"unresolved_condition": skip.Unresolved}})
}

// skipUnreachable handles steps that can never become ready because a
// dependency ended in a terminal state other than succeeded/skipped
// (an optional step that failed, or a cancelled step).
func (s *Service) skipUnreachable(def workflow.Definition, ex ledger.Execution) {
	for _, spec := range def.Steps {
		inst := ex.Step(spec.Slug)
		if inst == nil || (inst.Status != ledger.StepPending && inst.Status != ledger.StepWaitingDependency) {
			continue
		}
		for _, dep := range spec.DependsOn {
			depInst := ex.Step(dep)
			if depInst == nil {
				continue
			}
			if depInst.Status.Terminal() && depInst.Status != ledger.StepSucceeded && depInst.Status != ledger.StepSkipped {
				if depInst.Status == ledger.StepFailed && !depInst.Optional {
					// The execution is about to fail; leave the step.
					continue
				}
				s.applySkip(ex.ID, skipDecision{Slug: spec.Slug})
				break
			}
		}
	}
}

// CancelExecution stops the run: every non-terminal step is marked
// cancelled and claimed external tasks get a best-effort cancel. The
// engine guarantees it stops advancing the run, not that external side
// effects are undone.
func (s *Service) CancelExecution(executionID string) (ledger.Execution, error) {
	ex, ok := s.store.TransitionExecution(executionID,
		[]ledger.ExecutionStatus{ledger.ExecutionPending, ledger.ExecutionRunning, ledger.ExecutionPaused},
		func(e *ledger.Execution) {
			e.Status = ledger.ExecutionCancelled
			now := time.Now().UTC()
			e.EndedAt = &now
			for i := range e.Steps {
				if !e.Steps[i].Status.Terminal() {
					if e.Steps[i].Status == ledger.StepDispatched {
						key := IdempotencyKey(e.ID, e.Steps[i].Slug, e.Steps[i].RetryCount+1)
						if task, err := s.tasks.GetByKey(key); err == nil {
							s.tasks.Cancel(task.ID)
						}
					}
					e.Steps[i].Status = ledger.StepCancelled
				}
			}
		})
	if !ok {
		if ex.ID == "" {
			return ex, ledger.ErrNotFound
		}
		return ex, nil
	}
	if cancel, loaded := s.cancels.Load(executionID); loaded {
		cancel.(context.CancelFunc)()
	}
	s.emitter.Emit(Event{Type: "run.cancelled", ExecutionID: executionID})
	return ex, nil
}

// RetryExecution is the public replay operation used by dead-letter
// consumers: failed and cancelled steps reset to pending while
// completed work is kept, then the driver resumes from the ledger.
func (s *Service) RetryExecution(executionID string) (ledger.Execution, error) {
	ex, ok := s.store.TransitionExecution(executionID,
		[]ledger.ExecutionStatus{ledger.ExecutionFailed, ledger.ExecutionCancelled, ledger.ExecutionTimedOut, ledger.ExecutionPaused},
		func(e *ledger.Execution) {
			e.Status = ledger.ExecutionPending
			e.Error = ""
			e.EndedAt = nil
			for i := range e.Steps {
				step := &e.Steps[i]
				if step.Status == ledger.StepFailed || step.Status == ledger.StepCancelled || step.Status == ledger.StepDispatched || step.Status == ledger.StepRunning {
					if len(step.DependsOn) > 0 {
						step.Status = ledger.StepWaitingDependency
					} else {
						step.Status = ledger.StepPending
					}
					step.RetryCount = 0
					step.Error = ""
					step.EndedAt = nil
				}
			}
		})
	if !ok {
		if ex.ID == "" {
			return ex, ledger.ErrNotFound
		}
		return ex, fmt.Errorf("execution %s is not retryable in status %s", executionID, ex.Status)
	}
	s.emitter.Emit(Event{Type: "run.retried", ExecutionID: executionID})
	s.Launch(executionID)
	ex, _ = s.store.GetExecution(executionID)
	return ex, nil
}

func (s *Service) GetExecution(id string) (ledger.Execution, error) {
	return s.store.GetExecution(id)
}

// handleInterrupt distinguishes deadline expiry (execution timeout)
// from shutdown cancellation.
func (s *Service) handleInterrupt(ctx context.Context, executionID string) {
	if ctx.Err() == context.DeadlineExceeded {
		s.timeOut(executionID)
		return
	}
	// Shutdown: leave state as-is for the sequencer/reconciler.
}

func (s *Service) timeOut(executionID string) {
	_, ok := s.store.TransitionExecution(executionID,
		[]ledger.ExecutionStatus{ledger.ExecutionRunning},
		func(e *ledger.Execution) {
			e.Status = ledger.ExecutionTimedOut
			e.Error = "execution timeout exceeded"
			now := time.Now().UTC()
			e.EndedAt = &now
			for i := range e.Steps {
				if !e.Steps[i].Status.Terminal() {
					e.Steps[i].Status = ledger.StepCancelled
				}
			}
		})
	if ok {
		s.emitter.Emit(Event{Type: "run.timed_out", ExecutionID: executionID})
		s.observeFinished(executionID, string(ledger.ExecutionTimedOut))
	}
}

func (s *Service) finalize(executionID string, status ledger.ExecutionStatus, errMsg string) {
	_, ok := s.store.TransitionExecution(executionID,
		[]ledger.ExecutionStatus{ledger.ExecutionPending, ledger.ExecutionRunning},
		func(e *ledger.Execution) {
			e.Status = status
			e.Error = errMsg
			now := time.Now().UTC()
			e.EndedAt = &now
		})
	if !ok {
		return
	}
	s.emitter.Emit(Event{Type: "run." + string(status), ExecutionID: executionID,
		Fields: map[string]any{"error": errMsg}})
	s.observeFinished(executionID, string(status))
}

func (s *Service) observeFinished(executionID, status string) {
	ex, err := s.store.GetExecution(executionID)
	if err != nil || ex.StartedAt == nil || ex.EndedAt == nil {
		return
	}
	s.collector.ExecutionFinished(status, ex.EndedAt.Sub(*ex.StartedAt))
}

func (s *Service) stepTimeout(spec workflow.StepSpec) time.Duration {
	if spec.TimeoutSeconds > 0 {
		return time.Duration(spec.TimeoutSeconds) * time.Second
	}
	return s.cfg.DefaultStepTimeout
}

func (s *Service) lookup(executionID, slug string) (workflow.Definition, ledger.Execution, workflow.StepSpec, bool) {
	ex, err := s.store.GetExecution(executionID)
	if err != nil {
		return workflow.Definition{}, ledger.Execution{}, workflow.StepSpec{}, false
	}
	def, err := s.definitions.GetDefinition(ex.DefinitionID)
	if err != nil {
		return workflow.Definition{}, ledger.Execution{}, workflow.StepSpec{}, false
	}
	for _, spec := range def.Steps {
		if spec.Slug == slug {
			return def, ex, spec, true
		}
	}
	return workflow.Definition{}, ledger.Execution{}, workflow.StepSpec{}, false
}

func executionError(ex ledger.Execution) string {
	for _, step := range ex.Steps {
		if step.Status == ledger.StepFailed && !step.Optional {
			return fmt.Sprintf("step %s failed: %s", step.Slug, step.Error)
		}
	}
	return ""
}

// StopAdmitting gates new execution drivers during shutdown.
func (s *Service) StopAdmitting() {
	s.admitting.Store(false)
}

// WaitIdle blocks until every driver goroutine has returned or the
// timeout lapses.
func (s *Service) WaitIdle(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Interrupt stops the driver for one execution without changing its
// ledger state (used by interrupt_and_retry_later shutdown).
func (s *Service) Interrupt(executionID string) {
	if cancel, loaded := s.cancels.Load(executionID); loaded {
		cancel.(context.CancelFunc)()
	}
}

// Pause checkpoints a running execution: dispatched steps fall back to
// pending so the next resume replays them, and the run is marked
// paused.
func (s *Service) Pause(executionID string) (ledger.Execution, error) {
	s.Interrupt(executionID)
	ex, ok := s.store.TransitionExecution(executionID,
		[]ledger.ExecutionStatus{ledger.ExecutionPending, ledger.ExecutionRunning},
		func(e *ledger.Execution) {
			e.Status = ledger.ExecutionPaused
			for i := range e.Steps {
				step := &e.Steps[i]
				if step.Status == ledger.StepDispatched || step.Status == ledger.StepRunning {
					step.Status = ledger.StepPending
				}
			}
		})
	if !ok {
		if ex.ID == "" {
			return ex, ledger.ErrNotFound
		}
		return ex, nil
	}
	s.emitter.Emit(Event{Type: "run.paused", ExecutionID: executionID})
	return ex, nil
}
