package storage

import (
	"github.com/flare-foundation/flappy-fuse/internal/config"
	"github.com/pkg/errors"
)

// Open returns the KV backend selected by cfg.
func Open(cfg *config.Store) (KV, error) {
	switch cfg.Backend {
	case config.BackendLevelDB:
		return NewLevelDB(cfg.Path)
	case config.BackendFile:
		return NewFileDir(cfg.Path)
	case config.BackendSQLite, config.BackendPostgres:
		return NewSQL(cfg)
	case config.BackendMemory:
		return NewMemory(), nil
	default:
		return nil, errors.Errorf("unknown store backend %q", cfg.Backend)
	}
}
