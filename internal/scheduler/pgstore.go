package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore keeps schedules and run records as jsonb payloads next to the
// scalar columns the tick loop filters by. Schedule updates use an
// optimistic version column so concurrent tickers advance NextDueAt
// exactly once.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) (*PGStore, error) {
	s := &PGStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
create table if not exists windlass_schedules (
  id text primary key,
  definition_id text not null,
  enabled boolean not null,
  next_due_at timestamptz,
  payload jsonb not null,
  version bigint not null default 1,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create index if not exists windlass_schedules_due_idx
  on windlass_schedules (enabled, next_due_at);
create table if not exists windlass_scheduled_runs (
  id text primary key,
  schedule_id text not null,
  status text not null,
  intended_at timestamptz not null,
  payload jsonb not null,
  version bigint not null default 1,
  created_at timestamptz not null
);
create index if not exists windlass_scheduled_runs_schedule_idx
  on windlass_scheduled_runs (schedule_id, intended_at);
create index if not exists windlass_scheduled_runs_status_idx
  on windlass_scheduled_runs (status, intended_at);
`)
	return err
}

func (s *PGStore) CreateSchedule(sched Schedule) Schedule {
	b, _ := json.Marshal(sched)
	_, _ = s.db.Exec(`insert into windlass_schedules (id, definition_id, enabled, next_due_at, payload, created_at, updated_at)
values ($1,$2,$3,$4,$5,$6,$7)
on conflict (id) do update set payload = excluded.payload, enabled = excluded.enabled,
  next_due_at = excluded.next_due_at, updated_at = excluded.updated_at`,
		sched.ID, sched.DefinitionID, sched.Enabled, sched.NextDueAt, b, sched.CreatedAt, sched.UpdatedAt)
	return sched
}

func (s *PGStore) GetSchedule(id string) (Schedule, error) {
	sched, _, err := s.getScheduleVersioned(id)
	return sched, err
}

func (s *PGStore) getScheduleVersioned(id string) (Schedule, int64, error) {
	var raw []byte
	var version int64
	err := s.db.QueryRow(`select payload, version from windlass_schedules where id=$1`, id).Scan(&raw, &version)
	if err != nil {
		if err == sql.ErrNoRows {
			return Schedule{}, 0, ErrNotFound
		}
		return Schedule{}, 0, err
	}
	var sched Schedule
	if err := json.Unmarshal(raw, &sched); err != nil {
		return Schedule{}, 0, err
	}
	return sched, version, nil
}

func (s *PGStore) ListSchedules() []Schedule {
	return s.querySchedules(`select payload from windlass_schedules order by created_at asc`)
}

func (s *PGStore) ListDue(now time.Time) []Schedule {
	return s.querySchedules(`select payload from windlass_schedules
where enabled and next_due_at is not null and next_due_at <= $1
order by next_due_at asc`, now)
}

func (s *PGStore) querySchedules(query string, args ...any) []Schedule {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var sched Schedule
		if err := json.Unmarshal(raw, &sched); err != nil {
			continue
		}
		out = append(out, sched)
	}
	return out
}

const casAttempts = 5

func (s *PGStore) UpdateSchedule(id string, mutate func(*Schedule)) (Schedule, bool) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		sched, version, err := s.getScheduleVersioned(id)
		if err != nil {
			return Schedule{}, false
		}
		mutate(&sched)
		sched.UpdatedAt = time.Now().UTC()
		b, _ := json.Marshal(sched)
		res, err := s.db.Exec(`update windlass_schedules
set enabled=$2, next_due_at=$3, payload=$4, updated_at=$5, version=version+1
where id=$1 and version=$6`,
			sched.ID, sched.Enabled, sched.NextDueAt, b, sched.UpdatedAt, version)
		if err != nil {
			return Schedule{}, false
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return sched, true
		}
	}
	return Schedule{}, false
}

func (s *PGStore) DeleteSchedule(id string) bool {
	res, err := s.db.Exec(`delete from windlass_schedules where id=$1`, id)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	return n == 1
}

func (s *PGStore) CreateRun(run ScheduledRun) ScheduledRun {
	b, _ := json.Marshal(run)
	_, _ = s.db.Exec(`insert into windlass_scheduled_runs (id, schedule_id, status, intended_at, payload, created_at)
values ($1,$2,$3,$4,$5,$6) on conflict (id) do nothing`,
		run.ID, run.ScheduleID, run.Status, run.IntendedAt, b, run.CreatedAt)
	return run
}

func (s *PGStore) GetRun(id string) (ScheduledRun, error) {
	run, _, err := s.getRunVersioned(id)
	return run, err
}

func (s *PGStore) getRunVersioned(id string) (ScheduledRun, int64, error) {
	var raw []byte
	var version int64
	err := s.db.QueryRow(`select payload, version from windlass_scheduled_runs where id=$1`, id).Scan(&raw, &version)
	if err != nil {
		if err == sql.ErrNoRows {
			return ScheduledRun{}, 0, ErrNotFound
		}
		return ScheduledRun{}, 0, err
	}
	var run ScheduledRun
	if err := json.Unmarshal(raw, &run); err != nil {
		return ScheduledRun{}, 0, err
	}
	return run, version, nil
}

func (s *PGStore) ListRunsBySchedule(scheduleID string) []ScheduledRun {
	return s.queryRuns(`select payload from windlass_scheduled_runs where schedule_id=$1 order by intended_at asc`, scheduleID)
}

func (s *PGStore) ListRunsByStatus(status RunStatus) []ScheduledRun {
	return s.queryRuns(`select payload from windlass_scheduled_runs where status=$1 order by intended_at asc`, status)
}

func (s *PGStore) queryRuns(query string, args ...any) []ScheduledRun {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []ScheduledRun
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var run ScheduledRun
		if err := json.Unmarshal(raw, &run); err != nil {
			continue
		}
		out = append(out, run)
	}
	return out
}

func (s *PGStore) TransitionRun(id string, from []RunStatus, mutate func(*ScheduledRun)) (ScheduledRun, bool) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		run, version, err := s.getRunVersioned(id)
		if err != nil || !runStatusIn(run.Status, from) {
			return run, false
		}
		mutate(&run)
		b, _ := json.Marshal(run)
		res, err := s.db.Exec(`update windlass_scheduled_runs
set status=$2, payload=$3, version=version+1
where id=$1 and version=$4`,
			run.ID, run.Status, b, version)
		if err != nil {
			return ScheduledRun{}, false
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return run, true
		}
	}
	return ScheduledRun{}, false
}
