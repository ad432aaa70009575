package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
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

// OpenDB opens and pings a postgres connection shared by every pg
// backed store in the process.
func OpenDB(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
create table if not exists windlass_definitions (
  id text primary key,
  payload jsonb not null,
  created_at timestamptz not null
);
create table if not exists windlass_definition_versions (
  id text primary key,
  definition_id text not null,
  version int not null,
  payload jsonb not null,
  created_at timestamptz not null
);
create index if not exists windlass_definition_versions_def_idx
  on windlass_definition_versions (definition_id, version);
`)
	return err
}

func (s *PGStore) CreateDefinition(def Definition) Definition {
	b, _ := json.Marshal(def)
	_, _ = s.db.Exec(`insert into windlass_definitions (id, payload, created_at) values ($1, $2, $3)
on conflict (id) do update set payload = excluded.payload`, def.ID, b, def.CreatedAt)
	return def
}

func (s *PGStore) ListDefinitions() []Definition {
	rows, err := s.db.Query(`select payload from windlass_definitions order by created_at asc`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []Definition
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var def Definition
		if err := json.Unmarshal(raw, &def); err != nil {
			continue
		}
		out = append(out, def)
	}
	return out
}

func (s *PGStore) GetDefinition(id string) (Definition, error) {
	var raw []byte
	err := s.db.QueryRow(`select payload from windlass_definitions where id=$1`, id).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return Definition{}, ErrNotFound
		}
		return Definition{}, err
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func (s *PGStore) SaveVersion(def Definition) DefinitionVersion {
	b, _ := json.Marshal(def)
	var version int
	_ = s.db.QueryRow(`select coalesce(max(version),0)+1 from windlass_definition_versions where definition_id=$1`, def.ID).Scan(&version)
	v := DefinitionVersion{
		ID:           NewID("wfver"),
		DefinitionID: def.ID,
		Version:      version,
		Payload:      def,
		CreatedAt:    time.Now().UTC(),
	}
	_, _ = s.db.Exec(`insert into windlass_definition_versions (id, definition_id, version, payload, created_at) values ($1,$2,$3,$4,$5)`,
		v.ID, v.DefinitionID, v.Version, b, v.CreatedAt)
	return v
}

func (s *PGStore) ListVersions(definitionID string) []DefinitionVersion {
	rows, err := s.db.Query(`select id, version, payload, created_at from windlass_definition_versions where definition_id=$1 order by version asc`, definitionID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []DefinitionVersion
	for rows.Next() {
		var id string
		var version int
		var raw []byte
		var created time.Time
		if err := rows.Scan(&id, &version, &raw, &created); err != nil {
			continue
		}
		var def Definition
		if err := json.Unmarshal(raw, &def); err != nil {
			continue
		}
		out = append(out, DefinitionVersion{
			ID:           id,
			DefinitionID: definitionID,
			Version:      version,
			Payload:      def,
			CreatedAt:    created,
		})
	}
	return out
}

func (s *PGStore) GetVersion(definitionID string, version int) (Definition, error) {
	var raw []byte
	err := s.db.QueryRow(`select payload from windlass_definition_versions where definition_id=$1 and version=$2`, definitionID, version).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return Definition{}, ErrNotFound
		}
		return Definition{}, err
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return Definition{}, err
	}
	return def, nil
}
