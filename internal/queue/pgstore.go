package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

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
create table if not exists windlass_tasks (
  id text primary key,
  queue_name text not null,
  idempotency_key text not null unique,
  status text not null,
  lease_expires_at timestamptz,
  payload jsonb not null,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create index if not exists windlass_tasks_claim_idx
  on windlass_tasks (queue_name, status, created_at);
`)
	return err
}

func (s *PGStore) Enqueue(task Task) Task {
	now := time.Now().UTC()
	task.Status = TaskPending
	task.CreatedAt = now
	task.UpdatedAt = now
	b, _ := json.Marshal(task)
	_, err := s.db.Exec(`insert into windlass_tasks (id, queue_name, idempotency_key, status, payload, created_at, updated_at)
values ($1,$2,$3,$4,$5,$6,$7)
on conflict (idempotency_key) do nothing`,
		task.ID, task.QueueName, task.IdempotencyKey, task.Status, b, task.CreatedAt, task.UpdatedAt)
	if err == nil {
		if existing, gerr := s.GetByKey(task.IdempotencyKey); gerr == nil {
			return existing
		}
	}
	return task
}

func (s *PGStore) Get(id string) (Task, error) {
	var raw []byte
	err := s.db.QueryRow(`select payload from windlass_tasks where id=$1`, id).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	return decodeTask(raw)
}

func (s *PGStore) GetByKey(idempotencyKey string) (Task, error) {
	var raw []byte
	err := s.db.QueryRow(`select payload from windlass_tasks where idempotency_key=$1`, idempotencyKey).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	return decodeTask(raw)
}

// Claim uses `for update skip locked` so concurrent workers never block
// on, or double-claim, the same row.
func (s *PGStore) Claim(queues []string, workerID string, lease time.Duration) (Task, bool) {
	tx, err := s.db.Begin()
	if err != nil {
		return Task{}, false
	}
	defer func() { _ = tx.Rollback() }()

	query := `select id, payload from windlass_tasks
where status = 'pending'`
	args := []any{}
	if len(queues) > 0 {
		query += ` and queue_name = any($1)`
		args = append(args, queueArray(queues))
	}
	query += ` order by created_at asc limit 1 for update skip locked`

	var id string
	var raw []byte
	if err := tx.QueryRow(query, args...).Scan(&id, &raw); err != nil {
		return Task{}, false
	}
	task, err := decodeTask(raw)
	if err != nil {
		return Task{}, false
	}

	now := time.Now().UTC()
	expires := now.Add(lease)
	task.Status = TaskClaimed
	task.ClaimedBy = workerID
	task.LeaseExpiresAt = &expires
	task.UpdatedAt = now
	b, _ := json.Marshal(task)
	if _, err := tx.Exec(`update windlass_tasks set status=$2, lease_expires_at=$3, payload=$4, updated_at=$5 where id=$1`,
		id, task.Status, expires, b, now); err != nil {
		return Task{}, false
	}
	if err := tx.Commit(); err != nil {
		return Task{}, false
	}
	return task, true
}

func (s *PGStore) Heartbeat(id, workerID string, lease time.Duration) error {
	task, err := s.Get(id)
	if err != nil {
		return err
	}
	if task.Status != TaskClaimed || task.ClaimedBy != workerID {
		return ErrNotFound
	}
	now := time.Now().UTC()
	expires := now.Add(lease)
	task.LeaseExpiresAt = &expires
	task.UpdatedAt = now
	b, _ := json.Marshal(task)
	_, err = s.db.Exec(`update windlass_tasks set lease_expires_at=$2, payload=$3, updated_at=$4 where id=$1 and status='claimed'`,
		id, expires, b, now)
	return err
}

func (s *PGStore) Complete(id string, result any, taskErr string) (Task, bool) {
	task, err := s.Get(id)
	if err != nil || (task.Status != TaskClaimed && task.Status != TaskPending) {
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
	b, _ := json.Marshal(task)
	res, err := s.db.Exec(`update windlass_tasks set status=$2, payload=$3, updated_at=$4
where id=$1 and status in ('pending','claimed')`,
		id, task.Status, b, task.UpdatedAt)
	if err != nil {
		return task, false
	}
	n, _ := res.RowsAffected()
	return task, n == 1
}

func (s *PGStore) Cancel(id string) bool {
	// Payload mirrors the scalar columns; keep both in step so reads
	// that rehydrate from payload see the cancellation.
	res, err := s.db.Exec(`update windlass_tasks
set status='cancelled',
    payload = jsonb_set(payload, '{status}', '"cancelled"'),
    updated_at=$2
where id=$1 and status in ('pending','claimed')`, id, time.Now().UTC())
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	return n == 1
}

func (s *PGStore) ExpireLeases(now time.Time) []Task {
	rows, err := s.db.Query(`update windlass_tasks
set status='pending', lease_expires_at=null, updated_at=$1,
    payload = (payload - 'claimed_by' - 'lease_expires_at') || '{"status":"pending"}'::jsonb
where status='claimed' and lease_expires_at < $1
returning payload`, now)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		task, err := decodeTask(raw)
		if err != nil {
			continue
		}
		out = append(out, task)
	}
	return out
}

func decodeTask(raw []byte) (Task, error) {
	var task Task
	err := json.Unmarshal(raw, &task)
	return task, err
}

// queueArray renders a text[] literal for pg array binding through the
// stdlib driver.
func queueArray(queues []string) string {
	out := "{"
	for i, q := range queues {
		if i > 0 {
			out += ","
		}
		out += q
	}
	return out + "}"
}
