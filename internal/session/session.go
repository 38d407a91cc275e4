package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"crosslend/internal/chain"
	"crosslend/internal/contracts"
)

// Session is an immutable view of {connection, bindings, account}. A network
// or account change produces a new Session with a higher Generation.
type Session struct {
	Generation uint64
	ChainID    uint64
	Account    common.Address
	Conn       chain.Connection
	Bindings   contracts.BindingSet
	CreatedAt  time.Time
}

// HasAccount reports whether an account is attached.
func (s *Session) HasAccount() bool {
	return s != nil && s.Account != (common.Address{})
}

// Origin returns the origin lending handle when bound to the origin chain.
func (s *Session) Origin() (*contracts.Origin, bool) {
	if s == nil || s.Bindings.Origin == nil {
		return nil, false
	}
	return s.Bindings.Origin, true
}

// Destination returns the destination lending handle when bound to a destination chain.
func (s *Session) Destination() (*contracts.Destination, bool) {
	if s == nil || s.Bindings.Destination == nil {
		return nil, false
	}
	return s.Bindings.Destination, true
}

// Token returns the destination token handle when bound to a destination chain.
func (s *Session) Token() (*contracts.Token, bool) {
	if s == nil || s.Bindings.Token == nil {
		return nil, false
	}
	return s.Bindings.Token, true
}

// Verify fails with contracts.ErrChainMismatch when the connection no longer
// serves the bound chain. An unbound session has nothing to check.
func (s *Session) Verify(ctx context.Context) error {
	if s == nil || !s.Bindings.Bound() {
		return nil
	}
	if s.Conn == nil {
		return fmt.Errorf("%w: no connection", contracts.ErrChainMismatch)
	}
	return s.Bindings.Verify(ctx, s.Conn)
}

// Source exposes the current session to components that must detect staleness.
type Source interface {
	Current() *Session
	IsCurrent(s *Session) bool
}

// Manager owns the current session and rebuilds it on change.
type Manager struct {
	registry *contracts.Registry
	logger   zerolog.Logger
	now      func() time.Time

	current atomic.Pointer[Session]
	gen     atomic.Uint64

	subMu  sync.Mutex
	subs   map[int]chan *Session
	nextID int
	ended  bool
}

// NewManager returns a manager holding an empty, unbound session.
func NewManager(registry *contracts.Registry, logger zerolog.Logger) *Manager {
	m := &Manager{
		registry: registry,
		logger:   logger.With().Str("component", "session").Logger(),
		now:      time.Now,
		subs:     make(map[int]chan *Session),
	}
	m.current.Store(&Session{CreatedAt: m.now()})
	return m
}

// Current returns the live session. It is never nil.
func (m *Manager) Current() *Session {
	return m.current.Load()
}

// IsCurrent reports whether s is still the live session.
func (m *Manager) IsCurrent(s *Session) bool {
	return s != nil && m.current.Load().Generation == s.Generation
}

// Switch rebinds against conn and publishes a new session for account. A
// chain that matches no configuration still produces a session, with no
// bindings.
func (m *Manager) Switch(ctx context.Context, conn chain.Connection, account common.Address) (*Session, error) {
	set, bound, err := m.registry.Rebind(ctx, conn)
	next := &Session{
		Account:   account,
		Conn:      conn,
		Bindings:  set,
		CreatedAt: m.now(),
	}
	if bound {
		next.ChainID = set.Spec.ChainID
	} else if conn != nil && err == nil {
		if id, idErr := conn.ChainID(ctx); idErr == nil && id.IsUint64() {
			next.ChainID = id.Uint64()
		}
	}
	m.subMu.Lock()
	m.publishLocked(next)
	m.subMu.Unlock()

	event := m.logger.Info().Uint64("generation", next.Generation).Uint64("chain_id", next.ChainID).Str("account", account.Hex()).Bool("bound", bound)
	if bound {
		event = event.Str("role", string(set.Spec.Role)).Str("network", set.Spec.Name)
	}
	event.Msg("session switched")
	return next, err
}

// SetAccount publishes a copy of the current session with a different account.
func (m *Manager) SetAccount(account common.Address) *Session {
	m.subMu.Lock()
	next := *m.current.Load()
	next.Account = account
	next.CreatedAt = m.now()
	m.publishLocked(&next)
	m.subMu.Unlock()
	m.logger.Info().Uint64("generation", next.Generation).Str("account", account.Hex()).Msg("account changed")
	return &next
}

// Subscribe returns a channel receiving every new session. The channel keeps
// only the latest unread session. Call the returned func to unsubscribe.
func (m *Manager) Subscribe() (<-chan *Session, func()) {
	ch := make(chan *Session, 1)
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.ended {
		close(ch)
		return ch, func() {}
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// End clears the session and closes every subscription.
func (m *Manager) End() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.current.Store(&Session{Generation: m.gen.Add(1), CreatedAt: m.now()})
	m.ended = true
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
}

// publishLocked stamps s with the next generation, makes it current and hands
// it to every subscriber. Callers hold subMu, so generations are stored and
// delivered in order.
func (m *Manager) publishLocked(s *Session) {
	s.Generation = m.gen.Add(1)
	m.current.Store(s)
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

var _ Source = (*Manager)(nil)
