package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
)

// FileBackend stores every key in one JSON document. Writers take an
// exclusive lock on a sibling .lock file, so several processes may share the
// document; each sees the others' writes through fsnotify.
type FileBackend struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFileBackend opens (or prepares) the document at path.
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, errors.New("ledger: file path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve ledger path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &FileBackend{path: abs, lock: flock.New(abs + ".lock")}, nil
}

func (f *FileBackend) Load(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lockShared(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = f.lock.Unlock() }()

	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	return doc[key], nil
}

func (f *FileBackend) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	locked, err := f.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock ledger file: %w", err)
	}
	if !locked {
		return errors.New("ledger: file lock not acquired")
	}
	defer func() { _ = f.lock.Unlock() }()

	doc, err := f.read()
	if err != nil {
		return err
	}
	next, err := fn(doc[key])
	if err != nil {
		return err
	}
	doc[key] = json.RawMessage(next)
	return f.write(doc)
}

// Watch follows the directory so atomic renames over the document are seen.
func (f *FileBackend) Watch(ctx context.Context, key string) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != f.path || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *FileBackend) Close() error { return nil }

func (f *FileBackend) lockShared(ctx context.Context) error {
	locked, err := f.lock.TryRLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock ledger file: %w", err)
	}
	if !locked {
		return errors.New("ledger: file lock not acquired")
	}
	return nil
}

func (f *FileBackend) read() (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger file: %w", err)
	}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode ledger file: %w", err)
	}
	return doc, nil
}

func (f *FileBackend) write(doc map[string]json.RawMessage) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace ledger file: %w", err)
	}
	return nil
}
