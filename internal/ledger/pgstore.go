package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore persists executions as jsonb payloads next to the scalar
// columns the engine queries by. Conditional transitions use an
// optimistic version column: the update applies only when the row is
// unchanged since the read, which gives the same single-writer
// guarantee the memory store gets from its mutex.
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
create table if not exists windlass_executions (
  id text primary key,
  definition_id text not null,
  status text not null,
  payload jsonb not null,
  version bigint not null default 1,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create index if not exists windlass_executions_status_idx
  on windlass_executions (status, created_at);
create table if not exists windlass_dead_letters (
  id text primary key,
  execution_id text not null,
  resolution text not null,
  payload jsonb not null,
  created_at timestamptz not null
);
create table if not exists windlass_execution_events (
  id bigserial primary key,
  execution_id text not null,
  message text not null,
  created_at timestamptz not null
);
create index if not exists windlass_execution_events_exec_idx
  on windlass_execution_events (execution_id, id);
`)
	return err
}

func (s *PGStore) CreateExecution(ex Execution) Execution {
	b, _ := json.Marshal(ex)
	_, _ = s.db.Exec(`insert into windlass_executions (id, definition_id, status, payload, created_at, updated_at)
values ($1,$2,$3,$4,$5,$6)
on conflict (id) do update set payload = excluded.payload, status = excluded.status, updated_at = excluded.updated_at`,
		ex.ID, ex.DefinitionID, ex.Status, b, ex.CreatedAt, ex.UpdatedAt)
	return ex
}

func (s *PGStore) GetExecution(id string) (Execution, error) {
	ex, _, err := s.getVersioned(id)
	return ex, err
}

func (s *PGStore) getVersioned(id string) (Execution, int64, error) {
	var raw []byte
	var version int64
	err := s.db.QueryRow(`select payload, version from windlass_executions where id=$1`, id).Scan(&raw, &version)
	if err != nil {
		if err == sql.ErrNoRows {
			return Execution{}, 0, ErrNotFound
		}
		return Execution{}, 0, err
	}
	var ex Execution
	if err := json.Unmarshal(raw, &ex); err != nil {
		return Execution{}, 0, err
	}
	return ex, version, nil
}

func (s *PGStore) ListExecutionsByStatus(status ExecutionStatus) []Execution {
	rows, err := s.db.Query(`select payload from windlass_executions where status=$1 order by created_at asc`, status)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []Execution
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var ex Execution
		if err := json.Unmarshal(raw, &ex); err != nil {
			continue
		}
		out = append(out, ex)
	}
	return out
}

const casAttempts = 5

func (s *PGStore) TransitionExecution(id string, from []ExecutionStatus, mutate func(*Execution)) (Execution, bool) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		ex, version, err := s.getVersioned(id)
		if err != nil || !statusIn(ex.Status, from) {
			return ex, false
		}
		mutate(&ex)
		ex.UpdatedAt = time.Now().UTC()
		if s.writeVersioned(ex, version) {
			return ex, true
		}
	}
	return Execution{}, false
}

func (s *PGStore) TransitionStep(executionID, slug string, from []StepStatus, mutate func(*Execution, *StepInstance)) (Execution, bool) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		ex, version, err := s.getVersioned(executionID)
		if err != nil {
			return Execution{}, false
		}
		step := ex.Step(slug)
		if step == nil || !stepStatusIn(step.Status, from) {
			return ex, false
		}
		mutate(&ex, step)
		ex.UpdatedAt = time.Now().UTC()
		if s.writeVersioned(ex, version) {
			return ex, true
		}
	}
	return Execution{}, false
}

func (s *PGStore) writeVersioned(ex Execution, version int64) bool {
	b, _ := json.Marshal(ex)
	res, err := s.db.Exec(`update windlass_executions
set status=$2, payload=$3, updated_at=$4, version=version+1
where id=$1 and version=$5`,
		ex.ID, ex.Status, b, ex.UpdatedAt, version)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	return n == 1
}

func (s *PGStore) CreateDeadLetter(entry DeadLetterEntry) DeadLetterEntry {
	b, _ := json.Marshal(entry)
	_, _ = s.db.Exec(`insert into windlass_dead_letters (id, execution_id, resolution, payload, created_at)
values ($1,$2,$3,$4,$5) on conflict (id) do nothing`,
		entry.ID, entry.ExecutionID, entry.Resolution, b, entry.CreatedAt)
	return entry
}

func (s *PGStore) ListDeadLetters() []DeadLetterEntry {
	rows, err := s.db.Query(`select payload from windlass_dead_letters order by created_at asc`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []DeadLetterEntry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var entry DeadLetterEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func (s *PGStore) GetDeadLetter(id string) (DeadLetterEntry, error) {
	var raw []byte
	err := s.db.QueryRow(`select payload from windlass_dead_letters where id=$1`, id).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return DeadLetterEntry{}, ErrNotFound
		}
		return DeadLetterEntry{}, err
	}
	var entry DeadLetterEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return DeadLetterEntry{}, err
	}
	return entry, nil
}

func (s *PGStore) AppendEvent(executionID, message string) {
	_, _ = s.db.Exec(`insert into windlass_execution_events (execution_id, message, created_at) values ($1,$2,$3)`,
		executionID, message, time.Now().UTC())
}

func (s *PGStore) ListEvents(executionID string) []string {
	rows, err := s.db.Query(`select message from windlass_execution_events where execution_id=$1 order by id asc`, executionID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (s *PGStore) ResolveDeadLetter(id string, resolution Resolution) (DeadLetterEntry, error) {
	entry, err := s.GetDeadLetter(id)
	if err != nil {
		return DeadLetterEntry{}, err
	}
	now := time.Now().UTC()
	entry.Resolution = resolution
	entry.ResolvedAt = &now
	b, _ := json.Marshal(entry)
	_, _ = s.db.Exec(`update windlass_dead_letters set resolution=$2, payload=$3 where id=$1`,
		id, resolution, b)
	return entry, nil
}
