package store

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/openmined/syftsync/internal/engine"
)

var (
	ErrUnknownBackend = errors.New("unknown store backend")
)

const (
	BackendSqlite = "sqlite"
	BackendBolt   = "bolt"
)

// Repository keeps JSON snapshots by key.
type Repository interface {
	engine.Repository
	Delete(key string) error
	Close() error
}

// Open opens the repository of backend inside dir.
func Open(backend, dir string) (Repository, error) {
	switch backend {
	case "", BackendSqlite:
		return NewSqliteRepository(filepath.Join(dir, "state.db"))
	case BackendBolt:
		return NewBoltRepository(filepath.Join(dir, "state.bolt"))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
