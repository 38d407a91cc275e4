package ledger

import (
	"context"

	"crosslend/internal/storage"
)

// PostgresBackend shares the ledger through a kv_store row. Writes lock the
// row and NOTIFY, so every process listening on the database refreshes.
type PostgresBackend struct {
	store storage.KVStore
	close func()
}

// NewPostgresBackend wraps a KV store. closeFn, when set, runs on Close.
func NewPostgresBackend(store storage.KVStore, closeFn func()) *PostgresBackend {
	return &PostgresBackend{store: store, close: closeFn}
}

func (p *PostgresBackend) Load(ctx context.Context, key string) ([]byte, error) {
	return p.store.Get(ctx, key)
}

func (p *PostgresBackend) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	return p.store.Update(ctx, key, fn)
}

func (p *PostgresBackend) Watch(ctx context.Context, key string) (<-chan struct{}, error) {
	return p.store.Listen(ctx, key)
}

func (p *PostgresBackend) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}
