package scheduler

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("not found")

// Store persists schedules and their run records. TransitionRun is a
// conditional single-row update so concurrent tickers and the
// reconciler cannot double-fire the same occurrence.
type Store interface {
	CreateSchedule(s Schedule) Schedule
	GetSchedule(id string) (Schedule, error)
	ListSchedules() []Schedule
	// ListDue returns enabled schedules whose NextDueAt is at or before
	// now.
	ListDue(now time.Time) []Schedule
	UpdateSchedule(id string, mutate func(*Schedule)) (Schedule, bool)
	DeleteSchedule(id string) bool

	CreateRun(run ScheduledRun) ScheduledRun
	GetRun(id string) (ScheduledRun, error)
	ListRunsBySchedule(scheduleID string) []ScheduledRun
	ListRunsByStatus(status RunStatus) []ScheduledRun
	TransitionRun(id string, from []RunStatus, mutate func(*ScheduledRun)) (ScheduledRun, bool)
}

type MemoryStore struct {
	mu        sync.RWMutex
	schedules map[string]Schedule
	runs      map[string]ScheduledRun
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules: map[string]Schedule{},
		runs:      map[string]ScheduledRun{},
	}
}

func (s *MemoryStore) CreateSchedule(sched Schedule) Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.ID] = sched
	return sched
}

func (s *MemoryStore) GetSchedule(id string) (Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	return sched, nil
}

func (s *MemoryStore) ListSchedules() []Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) ListDue(now time.Time) []Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Schedule
	for _, sched := range s.schedules {
		if sched.Enabled && sched.NextDueAt != nil && !sched.NextDueAt.After(now) {
			out = append(out, sched)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextDueAt.Before(*out[j].NextDueAt) })
	return out
}

func (s *MemoryStore) UpdateSchedule(id string, mutate func(*Schedule)) (Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return Schedule{}, false
	}
	mutate(&sched)
	sched.UpdatedAt = time.Now().UTC()
	s.schedules[id] = sched
	return sched, true
}

func (s *MemoryStore) DeleteSchedule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return false
	}
	delete(s.schedules, id)
	return true
}

func (s *MemoryStore) CreateRun(run ScheduledRun) ScheduledRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return run
}

func (s *MemoryStore) GetRun(id string) (ScheduledRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return ScheduledRun{}, ErrNotFound
	}
	return run, nil
}

func (s *MemoryStore) ListRunsBySchedule(scheduleID string) []ScheduledRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ScheduledRun
	for _, run := range s.runs {
		if run.ScheduleID == scheduleID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntendedAt.Before(out[j].IntendedAt) })
	return out
}

func (s *MemoryStore) ListRunsByStatus(status RunStatus) []ScheduledRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ScheduledRun
	for _, run := range s.runs {
		if run.Status == status {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntendedAt.Before(out[j].IntendedAt) })
	return out
}

func (s *MemoryStore) TransitionRun(id string, from []RunStatus, mutate func(*ScheduledRun)) (ScheduledRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || !runStatusIn(run.Status, from) {
		return run, false
	}
	mutate(&run)
	s.runs[id] = run
	return run, true
}

func runStatusIn(s RunStatus, set []RunStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
