package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"crosslend/internal/storage"
)

func sampleEntry(hash string, status Status) Entry {
	return Entry{
		Chain:   ChainOrigin,
		ChainID: 80002,
		Type:    TypeDepositCollateral,
		Amount:  decimal.RequireFromString("150.5"),
		Token:   "MATIC",
		Status:  status,
		TxHash:  hash,
	}
}

func newTestLedger(t *testing.T, backend Backend) *Ledger {
	t.Helper()
	l := New(backend, "", nil, zerolog.Nop())
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var n int
	l.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return l
}

func TestAppendListRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, NewMemoryBackend())

	empty, err := l.List(ctx)
	require.NoError(t, err)
	require.Empty(t, empty)

	first, err := l.Append(ctx, sampleEntry("0xAA", StatusPending))
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.Equal(t, "0xaa", first.TxHash)

	second, err := l.Append(ctx, Entry{Chain: ChainDestination, Type: TypeRepay, Amount: decimal.NewFromInt(10), Token: "USDC", Status: StatusCompleted, TxHash: "0xbb"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	entries, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, second.ID, entries[0].ID, "most recent entry first")

	require.NoError(t, l.SetStatus(ctx, "0xaa", StatusCompleted))
	entries, err = l.List(ctx)
	require.NoError(t, err)
	got := entries[1]
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, first.ID, got.ID)
	require.Equal(t, first.Chain, got.Chain)
	require.Equal(t, first.ChainID, got.ChainID)
	require.Equal(t, first.Type, got.Type)
	require.True(t, first.Amount.Equal(got.Amount))
	require.Equal(t, first.Token, got.Token)
	require.Equal(t, first.TxHash, got.TxHash)
	require.True(t, first.Timestamp.Equal(got.Timestamp))
}

func TestSetStatusTransitions(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, NewMemoryBackend())

	_, err := l.Append(ctx, sampleEntry("0x01", StatusCompleted))
	require.NoError(t, err)

	require.ErrorIs(t, l.SetStatus(ctx, "0x01", StatusPending), ErrInvalidTransition)
	require.NoError(t, l.SetStatus(ctx, "0x01", StatusCompleted))
	require.ErrorIs(t, l.SetStatus(ctx, "0x02", StatusCompleted), ErrNotFound)
	require.ErrorIs(t, l.SetStatus(ctx, "0x01", Status("failed")), ErrInvalidTransition)
}

func TestAppendRejectsDuplicateCompletedHash(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, NewMemoryBackend())

	_, err := l.Append(ctx, sampleEntry("0x01", StatusCompleted))
	require.NoError(t, err)
	_, err = l.Append(ctx, sampleEntry("0x01", StatusCompleted))
	require.ErrorIs(t, err, ErrDuplicateTx)

	// pending traces are kept even when they share a hash
	_, err = l.Append(ctx, sampleEntry("0x02", StatusPending))
	require.NoError(t, err)
	_, err = l.Append(ctx, sampleEntry("0x02", StatusPending))
	require.NoError(t, err)

	require.NoError(t, l.SetStatus(ctx, "0x02", StatusCompleted))
	entries, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, StatusCompleted, entries[0].Status)
	require.Equal(t, StatusPending, entries[1].Status)
}

func TestUnknownValuesRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	raw := `[{"id":"x1","chain":"origin","type":"bridge-out","amount":"1.25","token":"WBTC","status":"pending","txHash":"0x09","timestamp":"2024-05-01T12:00:00Z"}]`
	require.NoError(t, backend.Update(ctx, DefaultKey, func([]byte) ([]byte, error) { return []byte(raw), nil }))

	l := newTestLedger(t, backend)
	entries, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, Type("bridge-out"), entries[0].Type)
	require.False(t, entries[0].Type.Known())
	require.Equal(t, "WBTC", entries[0].Token)

	_, err = l.Append(ctx, sampleEntry("0x0a", StatusPending))
	require.NoError(t, err)
	entries, err = l.List(ctx)
	require.NoError(t, err)
	require.Equal(t, Type("bridge-out"), entries[1].Type)
}

func TestRewritesKeepUnknownFields(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	memo := `{"id":"x1","chain":"origin","type":"borrow","amount":"5","token":"USDC","status":"pending","txHash":"0x09","timestamp":"2024-05-01T12:00:00Z","memo":"bridge ref 42"}`
	other := `{"id":"x2","chain":"destination","type":"repay","amount":"1","token":"USDC","status":"completed","txHash":"0x08","timestamp":"2024-04-30T12:00:00Z","route":{"hops":2}}`
	require.NoError(t, backend.Update(ctx, DefaultKey, func([]byte) ([]byte, error) {
		return []byte("[" + memo + "," + other + "]"), nil
	}))

	l := newTestLedger(t, backend)
	_, err := l.Append(ctx, sampleEntry("0x0a", StatusPending))
	require.NoError(t, err)
	require.NoError(t, l.SetStatus(ctx, "0x09", StatusCompleted))

	raw, err := backend.Load(ctx, DefaultKey)
	require.NoError(t, err)
	var docs []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &docs))
	require.Len(t, docs, 3)

	// untouched entries are written back as stored
	require.Equal(t, other, string(docs[2]))

	var patched map[string]any
	require.NoError(t, json.Unmarshal(docs[1], &patched))
	require.Equal(t, "bridge ref 42", patched["memo"])
	require.Equal(t, "completed", patched["status"])
	require.Equal(t, "x1", patched["id"])
	require.Equal(t, "5", patched["amount"])
}

type fakeKVStore struct {
	mu      sync.Mutex
	values  map[string][]byte
	signals chan struct{}
	updates int
}

func (f *fakeKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key], nil
}

func (f *fakeKVStore) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next, err := fn(f.values[key])
	if err != nil {
		return err
	}
	f.values[key] = next
	f.updates++
	select {
	case f.signals <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeKVStore) Listen(ctx context.Context, key string) (<-chan struct{}, error) {
	go func() {
		<-ctx.Done()
		close(f.signals)
	}()
	return f.signals, nil
}

var _ storage.KVStore = (*fakeKVStore)(nil)

func TestPostgresBackendDelegatesToStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &fakeKVStore{values: make(map[string][]byte), signals: make(chan struct{}, 1)}
	closed := false
	l := newTestLedger(t, NewPostgresBackend(store, func() { closed = true }))

	events, err := l.Subscribe(ctx)
	require.NoError(t, err)

	appended, err := l.Append(ctx, sampleEntry("0x01", StatusPending))
	require.NoError(t, err)
	raw, err := store.Get(ctx, DefaultKey)
	require.NoError(t, err)
	require.Contains(t, string(raw), appended.ID)

	select {
	case ev := <-events:
		require.Len(t, ev.Entries, 1)
		require.Equal(t, appended.ID, ev.Entries[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event from the store listener")
	}

	entries, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, l.SetStatus(ctx, "0x01", StatusCompleted))
	store.mu.Lock()
	require.Equal(t, 2, store.updates)
	store.mu.Unlock()

	require.NoError(t, l.Close())
	require.True(t, closed)
}

func TestPersistsAcrossRestart(t *testing.T) {
	backends := map[string]func(t *testing.T, dir string) Backend{
		"file": func(t *testing.T, dir string) Backend {
			b, err := NewFileBackend(filepath.Join(dir, "ledger.json"))
			require.NoError(t, err)
			return b
		},
		"bolt": func(t *testing.T, dir string) Backend {
			b, err := NewBoltBackend(filepath.Join(dir, "ledger.db"))
			require.NoError(t, err)
			return b
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			l := newTestLedger(t, open(t, dir))
			fresh, err := l.List(ctx)
			require.NoError(t, err)
			require.Empty(t, fresh)

			for i := 0; i < 3; i++ {
				_, err := l.Append(ctx, sampleEntry(fmt.Sprintf("0x%02d", i), StatusPending))
				require.NoError(t, err)
			}
			require.NoError(t, l.SetStatus(ctx, "0x01", StatusCompleted))
			require.NoError(t, l.Close())

			reopened := newTestLedger(t, open(t, dir))
			defer reopened.Close()
			entries, err := reopened.List(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			require.Equal(t, "0x02", entries[0].TxHash)
			require.Equal(t, StatusCompleted, entries[1].Status)
		})
	}
}

func TestFileBackendKeepsOtherKeys(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"other.key":{"keep":true}}`), 0o600))

	b, err := NewFileBackend(path)
	require.NoError(t, err)
	l := newTestLedger(t, b)
	_, err = l.Append(ctx, sampleEntry("0x01", StatusPending))
	require.NoError(t, err)

	other, err := b.Load(ctx, "other.key")
	require.NoError(t, err)
	require.JSONEq(t, `{"keep":true}`, string(other))
}

func TestSubscribeMemoryBackend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := NewMemoryBackend()
	watcher := newTestLedger(t, backend)
	events, err := watcher.Subscribe(ctx)
	require.NoError(t, err)

	writer := newTestLedger(t, backend)
	_, err = writer.Append(ctx, sampleEntry("0x01", StatusPending))
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Len(t, ev.Entries, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeFileBackendAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := filepath.Join(t.TempDir(), "ledger.json")

	watchBackend, err := NewFileBackend(path)
	require.NoError(t, err)
	events, err := newTestLedger(t, watchBackend).Subscribe(ctx)
	require.NoError(t, err)

	writeBackend, err := NewFileBackend(path)
	require.NoError(t, err)
	_, err = newTestLedger(t, writeBackend).Append(ctx, sampleEntry("0x01", StatusPending))
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Len(t, ev.Entries, 1)
		require.Equal(t, "0x01", ev.Entries[0].TxHash)
	case <-time.After(5 * time.Second):
		t.Fatal("no file change notification")
	}
}
