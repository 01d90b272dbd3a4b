package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/openmined/syftsync/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at TEXT NOT NULL -- RFC3339
);
`

type dbSnapshot struct {
	Key       string `db:"key"`
	Value     []byte `db:"value"`
	UpdatedAt string `db:"updated_at"`
}

// SqliteRepository stores snapshots in a single SQLite table.
type SqliteRepository struct {
	db   *sqlx.DB
	path string
}

var _ Repository = (*SqliteRepository)(nil)

// NewSqliteRepository opens the database at path, db.MemoryPath keeps it in memory.
func NewSqliteRepository(path string) (*SqliteRepository, error) {
	conn, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize state schema: %w", err)
	}
	return &SqliteRepository{db: conn, path: path}, nil
}

func (r *SqliteRepository) Get(key string, v any) (bool, error) {
	var value []byte
	err := r.db.Get(&value, "SELECT value FROM snapshots WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query %s: %w", key, err)
	}
	if err := json.Unmarshal(value, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (r *SqliteRepository) Set(key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	row := dbSnapshot{Key: key, Value: value, UpdatedAt: time.Now().UTC().Format(time.RFC3339)}
	_, err = r.db.NamedExec(`
		INSERT INTO snapshots (key, value, updated_at) VALUES (:key, :value, :updated_at)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (r *SqliteRepository) Delete(key string) error {
	if _, err := r.db.Exec("DELETE FROM snapshots WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys lists the stored keys with the time they were last written.
func (r *SqliteRepository) Keys() (map[string]time.Time, error) {
	var rows []dbSnapshot
	if err := r.db.Select(&rows, "SELECT key, updated_at FROM snapshots ORDER BY key"); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	keys := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		t, err := time.Parse(time.RFC3339, row.UpdatedAt)
		if err != nil {
			slog.Warn("state timestamp", "key", row.Key, "value", row.UpdatedAt, "error", err)
		}
		keys[row.Key] = t
	}
	return keys, nil
}

func (r *SqliteRepository) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close state database: %w", err)
	}
	slog.Debug("state database closed", "path", r.path)
	return nil
}
