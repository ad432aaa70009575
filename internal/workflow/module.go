package workflow

import (
	"database/sql"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/windlass-io/windlass/internal/config"
)

// Module provides the definition store and service. The shared *sql.DB
// lives here too: it is nil when no DSN is configured, and every
// storage-backed package falls back to its memory store in that case.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(NewDB, newStore, NewService),
	)
}

func NewDB(cfg config.Config, logger *zap.Logger) (*sql.DB, error) {
	if cfg.Database.DSN == "" {
		logger.Info("no database dsn configured; using in-memory stores")
		return nil, nil
	}
	db, err := OpenDB(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to postgres")
	return db, nil
}

func newStore(db *sql.DB) (Store, error) {
	if db == nil {
		return NewMemoryStore(), nil
	}
	return NewPGStore(db)
}
