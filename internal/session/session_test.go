package session

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"crosslend/internal/chain/chaintest"
	"crosslend/internal/contracts"
)

var account = common.HexToAddress("0x00000000000000000000000000000000000000c1")

func newManager(t *testing.T) *Manager {
	t.Helper()
	reg, err := contracts.NewRegistry([]contracts.ChainSpec{
		{ChainID: 80002, Name: "amoy", Role: contracts.RoleOrigin, Lending: common.HexToAddress("0xa1")},
		{ChainID: 11155111, Name: "sepolia", Role: contracts.RoleDestination, Lending: common.HexToAddress("0xb1"), Token: common.HexToAddress("0xb2"), TokenSymbol: "USDC", TokenDecimals: 6},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return NewManager(reg, zerolog.Nop())
}

func TestSwitchPublishesNewGeneration(t *testing.T) {
	m := newManager(t)
	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	first := m.Current()
	backend := chaintest.New(80002)
	s, err := m.Switch(context.Background(), backend, account)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if s.Generation <= first.Generation {
		t.Fatal("switch must advance the generation")
	}
	if _, ok := s.Origin(); !ok {
		t.Fatal("origin chain session should expose the origin handle")
	}
	if m.IsCurrent(first) {
		t.Fatal("previous session must no longer be current")
	}

	select {
	case got := <-updates:
		if got != s {
			t.Fatal("subscriber should receive the new session")
		}
	case <-time.After(time.Second):
		t.Fatal("no session update delivered")
	}
}

func TestSessionsAreImmutableSnapshots(t *testing.T) {
	m := newManager(t)
	backend := chaintest.New(80002)
	s1, _ := m.Switch(context.Background(), backend, account)

	other := common.HexToAddress("0x00000000000000000000000000000000000000c2")
	s2 := m.SetAccount(other)

	if s1.Account != account {
		t.Fatal("earlier session must keep its account")
	}
	if s2.Account != other || s2.Bindings.Origin == nil {
		t.Fatalf("account change should keep bindings: %+v", s2)
	}
	if !m.IsCurrent(s2) || m.IsCurrent(s1) {
		t.Fatal("only the latest session is current")
	}
}

func TestUnknownChainYieldsUnboundSession(t *testing.T) {
	m := newManager(t)
	s, err := m.Switch(context.Background(), chaintest.New(1), account)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if s.Bindings.Bound() {
		t.Fatal("unknown chain should have no bindings")
	}
	if s.ChainID != 1 {
		t.Fatalf("session should still record the live chain id, got %d", s.ChainID)
	}
}

func TestNetworkWatcherSwitchesOnChainChange(t *testing.T) {
	m := newManager(t)
	backend := chaintest.New(80002)
	if _, err := m.Switch(context.Background(), backend, account); err != nil {
		t.Fatalf("switch: %v", err)
	}
	w := NewNetworkWatcher(m, backend, time.Hour, zerolog.Nop())

	before := m.Current()
	if err := w.Check(context.Background(), time.Now()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if m.Current() != before {
		t.Fatal("unchanged network must not rebuild the session")
	}

	backend.SetChainID(11155111)
	if err := w.Check(context.Background(), time.Now()); err != nil {
		t.Fatalf("check: %v", err)
	}
	cur := m.Current()
	if _, ok := cur.Destination(); !ok || cur.Account != account {
		t.Fatalf("watcher should rebind to the destination chain keeping the account: %+v", cur)
	}
}

func TestEndClosesSubscriptions(t *testing.T) {
	m := newManager(t)
	updates, _ := m.Subscribe()
	m.End()
	if _, ok := <-updates; ok {
		t.Fatal("subscription should be closed after End")
	}
	if m.Current().Bindings.Bound() {
		t.Fatal("ended manager should hold an unbound session")
	}
}

func TestConcurrentChangesDeliverCurrentSessionLast(t *testing.T) {
	m := newManager(t)
	updates, unsubscribe := m.Subscribe()

	var last *Session
	regressed := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range updates {
			if last != nil && s.Generation <= last.Generation {
				regressed = true
			}
			last = s
		}
	}()

	backends := []*chaintest.Backend{chaintest.New(80002), chaintest.New(11155111)}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, _ = m.Switch(context.Background(), backends[(i+j)%2], account)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				m.SetAccount(common.BigToAddress(big.NewInt(int64(i*100 + j + 1))))
			}
		}(i)
	}
	wg.Wait()
	unsubscribe()
	<-done

	if regressed {
		t.Fatal("subscriber saw generations out of order")
	}
	if last != m.Current() {
		t.Fatalf("last delivered generation %d, current is %d", last.Generation, m.Current().Generation)
	}
	if last.Generation != 400 {
		t.Fatalf("expected 400 published sessions, current generation %d", last.Generation)
	}
}
