package store

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"

	"github.com/openmined/syftsync/internal/utils"
)

var snapshotBucket = []byte("snapshots")

// BoltRepository stores snapshots in a bbolt bucket.
type BoltRepository struct {
	db *bbolt.DB
}

var _ Repository = (*BoltRepository)(nil)

func NewBoltRepository(path string) (*BoltRepository, error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("ensure parent directory: %w", err)
	}

	// the timeout keeps a second process from waiting forever on the file lock
	conn, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	err = conn.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltRepository{db: conn}, nil
}

func (r *BoltRepository) Get(key string, v any) (bool, error) {
	found := false
	err := r.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(snapshotBucket).Get([]byte(key))
		if value == nil {
			return nil
		}
		found = true
		return json.Unmarshal(value, v)
	})
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return found, nil
}

func (r *BoltRepository) Set(key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(key), value)
	})
}

func (r *BoltRepository) Delete(key string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucket).Delete([]byte(key))
	})
}

func (r *BoltRepository) Close() error {
	return r.db.Close()
}
