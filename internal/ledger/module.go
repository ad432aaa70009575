package ledger

import (
	"database/sql"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Provide(newStore)
}

func newStore(db *sql.DB) (Store, error) {
	if db == nil {
		return NewMemoryStore(), nil
	}
	return NewPGStore(db)
}
