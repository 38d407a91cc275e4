package pricefeed

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crosslend/internal/chain/chaintest"
	"crosslend/internal/contracts"
	"crosslend/internal/session"
)

var originAddress = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type fixedSource struct {
	sess    *session.Session
	current bool
}

func (f *fixedSource) Current() *session.Session        { return f.sess }
func (f *fixedSource) IsCurrent(s *session.Session) bool { return f.current && s == f.sess }

func originSession(backend *chaintest.Backend) *session.Session {
	return &session.Session{
		Generation: 1,
		ChainID:    80002,
		Conn:       backend,
		Bindings: contracts.BindingSet{
			Spec:   contracts.ChainSpec{ChainID: 80002, Role: contracts.RoleOrigin, Lending: originAddress},
			Origin: contracts.NewOrigin(originAddress, 80002, backend),
		},
	}
}

func priceBackend(matic, eth int64) *chaintest.Backend {
	backend := chaintest.New(80002)
	backend.HandleCall(originAddress, contracts.OriginABI.Methods["getMaticPrice"], func([]interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(matic)}, nil
	})
	backend.HandleCall(originAddress, contracts.OriginABI.Methods["getEthPrice"], func([]interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(eth)}, nil
	})
	return backend
}

func TestPollScalesOraclePrices(t *testing.T) {
	backend := priceBackend(52_000_000, 312_345_000_000)
	p := New(&fixedSource{sess: originSession(backend), current: true}, Options{}, nil, zerolog.Nop())

	snap := p.Poll(context.Background())
	if !snap.Available || snap.Err != nil {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !snap.Matic.Equal(decimal.RequireFromString("0.52")) {
		t.Fatalf("matic: got %s", snap.Matic)
	}
	if !snap.Eth.Equal(decimal.RequireFromString("3123.45")) {
		t.Fatalf("eth: got %s", snap.Eth)
	}
}

func TestPollKeepsLastKnownPriceOnError(t *testing.T) {
	backend := priceBackend(52_000_000, 312_345_000_000)
	p := New(&fixedSource{sess: originSession(backend), current: true}, Options{}, nil, zerolog.Nop())
	p.Poll(context.Background())

	backend.FailCalls(errors.New("rpc down"))
	snap := p.Poll(context.Background())
	if snap.Err == nil {
		t.Fatal("failed poll should carry its error")
	}
	if !snap.Available || !snap.Matic.Equal(decimal.RequireFromString("0.52")) {
		t.Fatalf("last-known price should be kept: %+v", snap)
	}
}

func TestPollDiscardsReplacedSession(t *testing.T) {
	backend := priceBackend(52_000_000, 312_345_000_000)
	p := New(&fixedSource{sess: originSession(backend), current: false}, Options{}, nil, zerolog.Nop())

	p.Poll(context.Background())
	if p.Latest().Available {
		t.Fatal("result from a replaced session must be discarded")
	}
}

func TestPollUnavailableWithoutOrigin(t *testing.T) {
	p := New(&fixedSource{sess: &session.Session{}, current: true}, Options{}, nil, zerolog.Nop())
	snap := p.Poll(context.Background())
	if snap.Available || !errors.Is(snap.Err, ErrUnavailable) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestLatestReportsStaleness(t *testing.T) {
	backend := priceBackend(52_000_000, 312_345_000_000)
	p := New(&fixedSource{sess: originSession(backend), current: true}, Options{Interval: time.Second, StaleAfter: time.Minute}, nil, zerolog.Nop())

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	p.Poll(context.Background())
	if p.Latest().Stale {
		t.Fatal("fresh price reported stale")
	}

	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	if !p.Latest().Stale {
		t.Fatal("old price should be stale")
	}
}
