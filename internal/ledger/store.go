package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("not found")

// Store is the ledger contract. TransitionStep and TransitionExecution
// are conditional single-row updates: they apply only when the current
// status is one of the allowed source states, which is what makes
// concurrent dispatchers and duplicate completion callbacks safe.
type Store interface {
	CreateExecution(ex Execution) Execution
	GetExecution(id string) (Execution, error)
	ListExecutionsByStatus(status ExecutionStatus) []Execution
	TransitionExecution(id string, from []ExecutionStatus, mutate func(*Execution)) (Execution, bool)
	TransitionStep(executionID, slug string, from []StepStatus, mutate func(*Execution, *StepInstance)) (Execution, bool)

	CreateDeadLetter(entry DeadLetterEntry) DeadLetterEntry
	ListDeadLetters() []DeadLetterEntry
	GetDeadLetter(id string) (DeadLetterEntry, error)
	ResolveDeadLetter(id string, resolution Resolution) (DeadLetterEntry, error)

	AppendEvent(executionID, message string)
	ListEvents(executionID string) []string
}

type MemoryStore struct {
	mu          sync.RWMutex
	executions  map[string]Execution
	deadLetters map[string]DeadLetterEntry
	events      map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  map[string]Execution{},
		deadLetters: map[string]DeadLetterEntry{},
		events:      map[string][]string{},
	}
}

func (s *MemoryStore) AppendEvent(executionID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[executionID] = append(s.events[executionID], message)
}

func (s *MemoryStore) ListEvents(executionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.events[executionID]...)
}

func (s *MemoryStore) CreateExecution(ex Execution) Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex = cloneExecution(ex)
	s.executions[ex.ID] = ex
	return ex
}

func (s *MemoryStore) GetExecution(id string) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.executions[id]
	if !ok {
		return Execution{}, ErrNotFound
	}
	return ex, nil
}

func (s *MemoryStore) ListExecutionsByStatus(status ExecutionStatus) []Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Execution
	for _, ex := range s.executions {
		if ex.Status == status {
			out = append(out, ex)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) TransitionExecution(id string, from []ExecutionStatus, mutate func(*Execution)) (Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[id]
	if !ok || !statusIn(ex.Status, from) {
		return ex, false
	}
	// Copy on write: snapshots previously handed out stay frozen.
	ex = cloneExecution(ex)
	mutate(&ex)
	ex.UpdatedAt = time.Now().UTC()
	s.executions[id] = ex
	return ex, true
}

func (s *MemoryStore) TransitionStep(executionID, slug string, from []StepStatus, mutate func(*Execution, *StepInstance)) (Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[executionID]
	if !ok {
		return Execution{}, false
	}
	if cur := ex.Step(slug); cur == nil || !stepStatusIn(cur.Status, from) {
		return ex, false
	}
	ex = cloneExecution(ex)
	step := ex.Step(slug)
	mutate(&ex, step)
	ex.UpdatedAt = time.Now().UTC()
	s.executions[executionID] = ex
	return ex, true
}

func (s *MemoryStore) CreateDeadLetter(entry DeadLetterEntry) DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters[entry.ID] = entry
	return entry
}

func (s *MemoryStore) ListDeadLetters() []DeadLetterEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetterEntry, 0, len(s.deadLetters))
	for _, entry := range s.deadLetters {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) GetDeadLetter(id string) (DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.deadLetters[id]
	if !ok {
		return DeadLetterEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryStore) ResolveDeadLetter(id string, resolution Resolution) (DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deadLetters[id]
	if !ok {
		return DeadLetterEntry{}, ErrNotFound
	}
	now := time.Now().UTC()
	entry.Resolution = resolution
	entry.ResolvedAt = &now
	s.deadLetters[id] = entry
	return entry, nil
}

// cloneExecution detaches an execution from the store's backing
// storage. Step outputs and inputs are treated as immutable once set
// and are shared; the step slice and the context tree are not, since
// output mappings write into nested context maps in place.
func cloneExecution(ex Execution) Execution {
	out := ex
	if ex.Steps != nil {
		out.Steps = make([]StepInstance, len(ex.Steps))
		copy(out.Steps, ex.Steps)
	}
	if ex.Context != nil {
		out.Context = cloneContextMap(ex.Context)
	}
	return out
}

func cloneContextMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneContextValue(v)
	}
	return out
}

func cloneContextValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneContextMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneContextValue(e)
		}
		return out
	default:
		return v
	}
}

func statusIn(s ExecutionStatus, set []ExecutionStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func stepStatusIn(s StepStatus, set []StepStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
