package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying changed keys.
const NotifyChannel = "crosslend_kv"

const (
	createKVTableSQL = `CREATE TABLE IF NOT EXISTS kv_store (
        key        TEXT PRIMARY KEY,
        value      BYTEA,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	selectValueSQL = `SELECT value FROM kv_store WHERE key = $1;`

	ensureKeySQL = `INSERT INTO kv_store (key, value)
    VALUES ($1, NULL)
    ON CONFLICT (key) DO NOTHING;`

	selectValueForUpdateSQL = `SELECT value FROM kv_store WHERE key = $1 FOR UPDATE;`

	updateValueSQL = `UPDATE kv_store
    SET value = $2, updated_at = now()
    WHERE key = $1;`

	notifySQL = `SELECT pg_notify($1, $2);`
)

// KVStore persists opaque values under string keys and announces changes
// through NOTIFY so other processes can refresh.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	Listen(ctx context.Context, key string) (<-chan struct{}, error)
}

// Store is the PostgreSQL-backed KVStore.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the kv_store table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createKVTableSQL); err != nil {
		return fmt.Errorf("create kv_store: %w", err)
	}
	return nil
}

// Get returns the value stored under key, or nil when absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var value []byte
	if err := pool.QueryRow(ctx, selectValueSQL, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Update runs fn against the current value under a row lock and stores the
// result. A NOTIFY with the key is sent on commit.
func (s *Store) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, ensureKeySQL, key); err != nil {
		return fmt.Errorf("ensure %s: %w", key, err)
	}
	var current []byte
	if err := tx.QueryRow(ctx, selectValueForUpdateSQL, key).Scan(&current); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, updateValueSQL, key, next); err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	if _, err := tx.Exec(ctx, notifySQL, NotifyChannel, key); err != nil {
		return fmt.Errorf("notify %s: %w", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Listen holds a dedicated connection subscribed to NotifyChannel and signals
// every notification for key. The channel closes when ctx ends or the
// connection fails.
func (s *Store) Listen(ctx context.Context, key string) (<-chan struct{}, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() {
			ctxUnlisten, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = conn.Exec(ctxUnlisten, "UNLISTEN *")
			conn.Release()
		}()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			if n.Payload != key {
				continue
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}

var _ KVStore = (*Store)(nil)
