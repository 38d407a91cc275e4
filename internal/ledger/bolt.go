package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("ledger")

// BoltBackend stores the ledger in a bbolt database. bbolt holds an exclusive
// file lock, so change notifications are in-process only.
type BoltBackend struct {
	db *bolt.DB
	notifier
}

// NewBoltBackend opens or creates the database at path.
func NewBoltBackend(path string) (*BoltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt ledger: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Load(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boltBucket).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt load: %w", err)
	}
	return out, nil
}

func (b *BoltBackend) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		var current []byte
		if v := bucket.Get([]byte(key)); v != nil {
			current = append([]byte(nil), v...)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), next)
	})
	if err != nil {
		return err
	}
	b.notify(key)
	return nil
}

func (b *BoltBackend) Watch(ctx context.Context, key string) (<-chan struct{}, error) {
	return b.watch(ctx, key), nil
}

func (b *BoltBackend) Close() error {
	b.closeAll()
	return b.db.Close()
}
