// Package queue is the pull-model task channel: the engine enqueues one
// task per queued-step attempt and external worker pools claim, lease,
// and complete them. A task is claimed by exactly one worker.
package queue

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("not found")

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

type Task struct {
	ID             string     `json:"id"`
	QueueName      string     `json:"queue_name"`
	ExecutionID    string     `json:"execution_id"`
	StepSlug       string     `json:"step_slug"`
	Attempt        int        `json:"attempt"`
	IdempotencyKey string     `json:"idempotency_key"`
	Status         TaskStatus `json:"status"`
	Payload        any        `json:"payload,omitempty"`
	Result         any        `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Store interface {
	// Enqueue is idempotent on IdempotencyKey: re-dispatching the same
	// attempt does not create a second task.
	Enqueue(task Task) Task
	Get(id string) (Task, error)
	GetByKey(idempotencyKey string) (Task, error)
	// Claim atomically assigns the oldest pending task on one of the
	// queues to workerID, or returns false when none is available.
	Claim(queues []string, workerID string, lease time.Duration) (Task, bool)
	// Heartbeat extends the lease of a claimed task.
	Heartbeat(id, workerID string, lease time.Duration) error
	// Complete is idempotent: only the first call for a claimed task
	// records the outcome.
	Complete(id string, result any, taskErr string) (Task, bool)
	// Cancel marks a pending or claimed task cancelled (best effort
	// signal to the worker; external side effects are not undone).
	Cancel(id string) bool
	// ExpireLeases returns claimed tasks whose lease has lapsed to
	// pending so another worker can pick them up.
	ExpireLeases(now time.Time) []Task
}

type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]Task
	byKey  map[string]string
	byTime []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: map[string]Task{},
		byKey: map[string]string{},
	}
}

func (s *MemoryStore) Enqueue(task Task) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.byKey[task.IdempotencyKey]; ok {
		return s.tasks[existingID]
	}
	now := time.Now().UTC()
	task.Status = TaskPending
	task.CreatedAt = now
	task.UpdatedAt = now
	s.tasks[task.ID] = task
	s.byKey[task.IdempotencyKey] = task.ID
	s.byTime = append(s.byTime, task.ID)
	return task
}

func (s *MemoryStore) Get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task, nil
}

func (s *MemoryStore) GetByKey(idempotencyKey string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[idempotencyKey]
	if !ok {
		return Task{}, ErrNotFound
	}
	return s.tasks[id], nil
}

func (s *MemoryStore) Claim(queues []string, workerID string, lease time.Duration) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byTime {
		task := s.tasks[id]
		if task.Status != TaskPending || !queueIn(task.QueueName, queues) {
			continue
		}
		now := time.Now().UTC()
		expires := now.Add(lease)
		task.Status = TaskClaimed
		task.ClaimedBy = workerID
		task.LeaseExpiresAt = &expires
		task.UpdatedAt = now
		s.tasks[id] = task
		return task, true
	}
	return Task{}, false
}

func (s *MemoryStore) Heartbeat(id, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Status != TaskClaimed || task.ClaimedBy != workerID {
		return errors.New("task not claimed by worker")
	}
	expires := time.Now().UTC().Add(lease)
	task.LeaseExpiresAt = &expires
	task.UpdatedAt = time.Now().UTC()
	s.tasks[id] = task
	return nil
}

func (s *MemoryStore) Complete(id string, result any, taskErr string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || (task.Status != TaskClaimed && task.Status != TaskPending) {
		return task, false
	}
	task.Result = result
	task.Error = taskErr
	if taskErr == "" {
		task.Status = TaskCompleted
	} else {
		task.Status = TaskFailed
	}
	task.UpdatedAt = time.Now().UTC()
	s.tasks[id] = task
	return task, true
}

func (s *MemoryStore) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.Status == TaskCompleted || task.Status == TaskFailed {
		return false
	}
	task.Status = TaskCancelled
	task.UpdatedAt = time.Now().UTC()
	s.tasks[id] = task
	return true
}

func (s *MemoryStore) ExpireLeases(now time.Time) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []Task
	for id, task := range s.tasks {
		if task.Status == TaskClaimed && task.LeaseExpiresAt != nil && task.LeaseExpiresAt.Before(now) {
			task.Status = TaskPending
			task.ClaimedBy = ""
			task.LeaseExpiresAt = nil
			task.UpdatedAt = now
			s.tasks[id] = task
			expired = append(expired, task)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	return expired
}

func queueIn(name string, queues []string) bool {
	if len(queues) == 0 {
		return true
	}
	for _, q := range queues {
		if q == name {
			return true
		}
	}
	return false
}
