// Package ledger records every cross-chain action the user initiated. It is
// the only state that survives restarts and is never reconciled against the
// chains.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crosslend/internal/metrics"
)

// DefaultKey namespaces the ledger inside its backend.
const DefaultKey = "crosslend.transactions"

var (
	// ErrDuplicateTx is returned when a non-pending entry already carries the hash.
	ErrDuplicateTx = errors.New("ledger: transaction already recorded")
	// ErrNotFound is returned when no entry matches a hash.
	ErrNotFound = errors.New("ledger: entry not found")
	// ErrInvalidTransition rejects anything other than pending to completed.
	ErrInvalidTransition = errors.New("ledger: only pending entries can be completed")
)

// Ledger is an append-only list of entries stored newest first.
type Ledger struct {
	backend Backend
	key     string
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() string

	mu sync.Mutex
}

// New builds a ledger over backend. An empty key selects DefaultKey.
func New(backend Backend, key string, m *metrics.Metrics, logger zerolog.Logger) *Ledger {
	if key == "" {
		key = DefaultKey
	}
	return &Ledger{
		backend: backend,
		key:     key,
		metrics: m,
		logger:  logger.With().Str("component", "ledger").Logger(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Append records e and returns it with its id and timestamp filled in.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	e.TxHash = normalizeHash(e.TxHash)

	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("encode ledger entry: %w", err)
	}

	var count int
	err = l.backend.Update(ctx, l.key, func(current []byte) ([]byte, error) {
		docs, err := decodeRaw(current)
		if err != nil {
			return nil, err
		}
		if e.Status != StatusPending && e.TxHash != "" {
			for _, d := range docs {
				existing, err := decodeEntry(d)
				if err != nil {
					return nil, err
				}
				if existing.TxHash == e.TxHash && existing.Status != StatusPending {
					return nil, fmt.Errorf("%w: %s", ErrDuplicateTx, e.TxHash)
				}
			}
		}
		docs = append([]json.RawMessage{doc}, docs...)
		count = len(docs)
		return json.Marshal(docs)
	})
	if err != nil {
		return Entry{}, err
	}

	l.metrics.SetLedgerEntries(count)
	l.logger.Info().
		Str("id", e.ID).
		Str("type", string(e.Type)).
		Str("status", string(e.Status)).
		Str("tx", e.TxHash).
		Str("amount", e.Amount.String()).
		Str("token", e.Token).
		Msg("ledger entry appended")
	return e, nil
}

// List returns every entry, most recent first. It always reads the backend,
// so changes written by other processes are visible.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	raw, err := l.backend.Load(ctx, l.key)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	entries, err := decode(raw)
	if err != nil {
		return nil, err
	}
	l.metrics.SetLedgerEntries(len(entries))
	return entries, nil
}

// SetStatus completes the newest pending entry matching txHash. Only
// pending to completed changes state; repeating a status is a no-op.
func (l *Ledger) SetStatus(ctx context.Context, txHash string, status Status) error {
	txHash = normalizeHash(txHash)
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.backend.Update(ctx, l.key, func(current []byte) ([]byte, error) {
		docs, err := decodeRaw(current)
		if err != nil {
			return nil, err
		}
		var matched []int
		completed := false
		for i, d := range docs {
			e, err := decodeEntry(d)
			if err != nil {
				return nil, err
			}
			if e.TxHash != txHash {
				continue
			}
			matched = append(matched, i)
			if e.Status == StatusCompleted {
				completed = true
			}
		}
		switch {
		case len(matched) == 0:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, txHash)
		case status == StatusPending && completed:
			return nil, fmt.Errorf("%w: %s is completed", ErrInvalidTransition, txHash)
		case status == StatusCompleted && !completed:
			// newest pending entry; older duplicates stay as an audit trace
			patched, err := patchStatus(docs[matched[0]], StatusCompleted)
			if err != nil {
				return nil, err
			}
			docs[matched[0]] = patched
		}
		return json.Marshal(docs)
	})
}

// Subscribe delivers the refreshed entry list after every change until ctx ends.
func (l *Ledger) Subscribe(ctx context.Context) (<-chan Event, error) {
	signals, err := l.backend.Watch(ctx, l.key)
	if err != nil {
		return nil, fmt.Errorf("watch ledger: %w", err)
	}
	out := make(chan Event, 1)
	go func() {
		defer close(out)
		for range signals {
			entries, err := l.List(ctx)
			if err != nil {
				l.logger.Warn().Err(err).Msg("reload ledger after change failed")
				continue
			}
			ev := Event{Entries: entries, At: l.now()}
			select {
			case <-out:
			default:
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases the backend.
func (l *Ledger) Close() error {
	return l.backend.Close()
}

func decode(raw []byte) ([]Entry, error) {
	entries := make([]Entry, 0)
	if len(raw) == 0 || string(raw) == "null" {
		return entries, nil
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	return entries, nil
}

// decodeRaw splits the stored document into per-entry documents. Rewrites go
// through these so fields unknown to this build are written back untouched.
func decodeRaw(raw []byte) ([]json.RawMessage, error) {
	docs := make([]json.RawMessage, 0)
	if len(raw) == 0 || string(raw) == "null" {
		return docs, nil
	}
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	return docs, nil
}

func decodeEntry(doc json.RawMessage) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(doc, &e); err != nil {
		return Entry{}, fmt.Errorf("decode ledger entry: %w", err)
	}
	return e, nil
}

// patchStatus rewrites only the status member of doc.
func patchStatus(doc json.RawMessage, status Status) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, fmt.Errorf("decode ledger entry: %w", err)
	}
	v, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}
	fields["status"] = v
	return json.Marshal(fields)
}

func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
