package ledger

import (
	"context"
	"sync"
)

// Backend stores the serialized ledger under a single key.
type Backend interface {
	// Load returns the stored bytes, or nil when nothing was written yet.
	Load(ctx context.Context, key string) ([]byte, error)
	// Update replaces the stored bytes with fn's result under the backend's lock.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	// Watch signals whenever key changes, including changes from other
	// processes when the backend supports it. The channel closes with ctx.
	Watch(ctx context.Context, key string) (<-chan struct{}, error)
	Close() error
}

// notifier fans change signals out to in-process watchers.
type notifier struct {
	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

func (n *notifier) watch(ctx context.Context, key string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.watchers == nil {
		n.watchers = make(map[string]map[chan struct{}]struct{})
	}
	if n.watchers[key] == nil {
		n.watchers[key] = make(map[chan struct{}]struct{})
	}
	n.watchers[key][ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.watchers[key][ch]; ok {
			delete(n.watchers[key], ch)
			close(ch)
		}
	}()
	return ch
}

func (n *notifier) notify(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.watchers[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, set := range n.watchers {
		for ch := range set {
			close(ch)
		}
		delete(n.watchers, key)
	}
}

// MemoryBackend keeps the ledger in process memory.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string][]byte
	notifier
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string][]byte)}
}

func (m *MemoryBackend) Load(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryBackend) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	m.mu.Lock()
	current := append([]byte(nil), m.values[key]...)
	if _, ok := m.values[key]; !ok {
		current = nil
	}
	next, err := fn(current)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.values[key] = append([]byte(nil), next...)
	m.mu.Unlock()

	m.notify(key)
	return nil
}

func (m *MemoryBackend) Watch(ctx context.Context, key string) (<-chan struct{}, error) {
	return m.watch(ctx, key), nil
}

func (m *MemoryBackend) Close() error {
	m.closeAll()
	return nil
}
