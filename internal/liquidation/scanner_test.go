package liquidation

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"crosslend/internal/chain/chaintest"
	"crosslend/internal/contracts"
	"crosslend/internal/session"
)

const destChainID = 11155111

var (
	destAddress = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	alice       = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	bob         = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	carol       = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

type destLoan struct {
	amount, repaid, due int64
	dueRaw              *big.Int
	active, funded      bool
	err                 error
}

type fixture struct {
	backend *chaintest.Backend
	loans   map[common.Address]destLoan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{backend: chaintest.New(destChainID), loans: make(map[common.Address]destLoan)}
	f.backend.HandleCall(destAddress, contracts.DestinationABI.Methods["getLoanDetails"], func(args []interface{}) ([]interface{}, error) {
		l := f.loans[args[0].(common.Address)]
		if l.err != nil {
			return nil, l.err
		}
		due := big.NewInt(l.due)
		if l.dueRaw != nil {
			due = l.dueRaw
		}
		return []interface{}{
			big.NewInt(l.amount), big.NewInt(l.repaid), big.NewInt(500),
			due, big.NewInt(700), l.active, l.funded,
		}, nil
	})
	f.backend.HandleCall(destAddress, contracts.DestinationABI.Methods["calculateTotalDue"], func(args []interface{}) ([]interface{}, error) {
		l := f.loans[args[0].(common.Address)]
		return []interface{}{big.NewInt(l.amount + l.amount/20 - l.repaid)}, nil
	})
	return f
}

func (f *fixture) request(t *testing.T, block uint64, borrower common.Address, amount int64) {
	t.Helper()
	event := contracts.DestinationABI.Events["LoanRequested"]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(amount), big.NewInt(500))
	if err != nil {
		t.Fatalf("pack log: %v", err)
	}
	f.backend.AddLog(types.Log{
		Address:     destAddress,
		Topics:      []common.Hash{event.ID, common.BytesToHash(borrower.Bytes())},
		Data:        data,
		BlockNumber: block,
	})
}

func (f *fixture) session() *session.Session {
	return &session.Session{
		Generation: 1,
		ChainID:    destChainID,
		Conn:       f.backend,
		Bindings: contracts.BindingSet{
			Spec:        contracts.ChainSpec{ChainID: destChainID, Role: contracts.RoleDestination, Lending: destAddress},
			Destination: contracts.NewDestination(destAddress, destChainID, f.backend),
		},
	}
}

func newScanner(opts Options, at time.Time) *Scanner {
	s := New(opts, nil, nil, zerolog.Nop())
	s.now = func() time.Time { return at }
	return s
}

func TestOverdueBoundaryIsStrict(t *testing.T) {
	const due = int64(1_700_000_000)
	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"one millisecond before", time.UnixMilli(due*1000 - 1), false},
		{"exactly due", time.UnixMilli(due * 1000), false},
		{"one millisecond after", time.UnixMilli(due*1000 + 1), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.loans[alice] = destLoan{amount: 100, due: due, active: true, funded: true}
			f.request(t, 1, alice, 100)

			report := newScanner(Options{}, tc.now).Scan(context.Background(), f.session())
			if !report.Available {
				t.Fatal("scan unavailable")
			}
			if got := len(report.Positions) == 1; got != tc.want {
				t.Fatalf("included = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFarFutureDueDateIsNotOverdue(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	dues := map[string]*big.Int{
		"uint256 max":          maxUint256,
		"2^62 seconds":         new(big.Int).Lsh(big.NewInt(1), 62),
		"millisecond overflow": big.NewInt(math.MaxInt64/1000 + 1),
	}
	for name, due := range dues {
		t.Run(name, func(t *testing.T) {
			if Overdue(now.UnixMilli(), due) {
				t.Fatalf("due %s reported overdue", due)
			}

			f := newFixture(t)
			f.backend.SetHead(10)
			f.loans[alice] = destLoan{amount: 100, dueRaw: due, active: true, funded: true}
			f.loans[bob] = destLoan{amount: 100, due: 1_600_000_000, active: true, funded: true}
			f.request(t, 1, alice, 100)
			f.request(t, 2, bob, 100)

			report := newScanner(Options{}, now).Scan(context.Background(), f.session())
			if len(report.Positions) != 1 || report.Positions[0].Borrower != bob {
				t.Fatalf("expected only the past-due borrower, got %+v", report.Positions)
			}
			if report.Positions[0].DueTimestamp != 1_600_000_000 {
				t.Fatalf("unexpected due timestamp %d", report.Positions[0].DueTimestamp)
			}
		})
	}
	if Overdue(now.UnixMilli(), nil) {
		t.Fatal("missing due date reported overdue")
	}
}

func TestScanFiltersActiveFundedAndSorts(t *testing.T) {
	f := newFixture(t)
	f.backend.SetHead(10)
	past := int64(1_600_000_000)
	f.loans[carol] = destLoan{amount: 300, repaid: 10, due: past, active: true, funded: true}
	f.loans[alice] = destLoan{amount: 100, due: past, active: true, funded: true}
	f.loans[bob] = destLoan{amount: 200, due: past, active: true, funded: false}
	f.request(t, 1, carol, 300)
	f.request(t, 2, alice, 50)
	f.request(t, 3, bob, 200)
	f.request(t, 4, alice, 100)

	report := newScanner(Options{}, time.Unix(1_700_000_000, 0)).Scan(context.Background(), f.session())
	if report.Events != 4 || report.Borrowers != 3 {
		t.Fatalf("events=%d borrowers=%d", report.Events, report.Borrowers)
	}
	if len(report.Positions) != 2 {
		t.Fatalf("want 2 positions, got %d", len(report.Positions))
	}
	if report.Positions[0].Borrower != alice || report.Positions[1].Borrower != carol {
		t.Fatalf("positions not sorted by borrower: %v, %v", report.Positions[0].Borrower, report.Positions[1].Borrower)
	}
	first := report.Positions[0]
	if first.LoanAmount.Int64() != 100 || first.Requests != 2 || !first.Overdue {
		t.Fatalf("current record should supersede event amounts: %+v", first)
	}
	if report.Positions[1].TotalDue.Int64() != 305 {
		t.Fatalf("total due: got %s", report.Positions[1].TotalDue)
	}
	if f.backend.Calls("getLoanDetails") != 3 {
		t.Fatalf("lookups should be memoized per borrower, got %d", f.backend.Calls("getLoanDetails"))
	}
}

func TestScanSkipsUndecodableLogs(t *testing.T) {
	f := newFixture(t)
	f.loans[alice] = destLoan{amount: 100, due: 1, active: true, funded: true}
	f.request(t, 1, alice, 100)
	f.backend.AddLog(types.Log{
		Address:     destAddress,
		Topics:      []common.Hash{contracts.DestinationABI.Events["LoanRequested"].ID, common.BytesToHash(bob.Bytes())},
		Data:        []byte{0x01, 0x02},
		BlockNumber: 1,
	})

	report := newScanner(Options{}, time.Unix(10, 0)).Scan(context.Background(), f.session())
	if report.DecodeFailures != 1 {
		t.Fatalf("decode failures: got %d", report.DecodeFailures)
	}
	if len(report.Positions) != 1 || report.Positions[0].Borrower != alice {
		t.Fatalf("decodable events must still be processed: %+v", report.Positions)
	}
}

func TestScanExcludesFailedLookups(t *testing.T) {
	f := newFixture(t)
	f.loans[alice] = destLoan{amount: 100, due: 1, active: true, funded: true}
	f.loans[bob] = destLoan{err: errors.New("execution reverted")}
	f.request(t, 1, alice, 100)
	f.request(t, 1, bob, 100)

	report := newScanner(Options{}, time.Unix(10, 0)).Scan(context.Background(), f.session())
	if !report.Available || report.LookupFailures != 1 {
		t.Fatalf("available=%v lookup failures=%d", report.Available, report.LookupFailures)
	}
	if len(report.Positions) != 1 || report.Positions[0].Borrower != alice {
		t.Fatalf("failed borrower must be excluded: %+v", report.Positions)
	}
}

func TestScanWindowsBlockRange(t *testing.T) {
	f := newFixture(t)
	f.backend.SetHead(25)
	f.loans[alice] = destLoan{amount: 100, due: 1, active: true, funded: true}
	f.request(t, 3, alice, 100)
	f.request(t, 24, alice, 100)

	report := newScanner(Options{BlockRange: 10}, time.Unix(10, 0)).Scan(context.Background(), f.session())
	if got := f.backend.FilterCalls(); got != 3 {
		t.Fatalf("want 3 windows, got %d", got)
	}
	if report.Events != 2 || report.ToBlock != 25 {
		t.Fatalf("events=%d to=%d", report.Events, report.ToBlock)
	}
}

func TestScanUnavailableWithoutDestination(t *testing.T) {
	report := newScanner(Options{}, time.Now()).Scan(context.Background(), &session.Session{})
	if report.Available {
		t.Fatal("scan without destination binding must be unavailable")
	}

	f := newFixture(t)
	f.backend.FailFilter(errors.New("range too large"))
	s := newScanner(Options{}, time.Now())
	if r := s.Scan(context.Background(), f.session()); r.Available {
		t.Fatal("failed log fetch must be unavailable")
	}
	if _, ok := s.Latest(); ok {
		t.Fatal("failed scan must not replace the latest report")
	}
}

type originStub struct{}

func (originStub) LoanDetails(ctx context.Context, borrower common.Address) (contracts.OriginLoan, error) {
	return contracts.OriginLoan{Collateral: big.NewInt(150)}, nil
}

func TestScanEnrichesCollateralFromOrigin(t *testing.T) {
	f := newFixture(t)
	f.loans[alice] = destLoan{amount: 100, due: 1, active: true, funded: true}
	f.request(t, 1, alice, 100)

	s := New(Options{}, originStub{}, nil, zerolog.Nop())
	s.now = func() time.Time { return time.Unix(10, 0) }
	report := s.Scan(context.Background(), f.session())
	if len(report.Positions) != 1 || report.Positions[0].CollateralAmount.Int64() != 150 {
		t.Fatalf("expected origin collateral: %+v", report.Positions)
	}
}

func TestScanUnavailableAfterChainSwitch(t *testing.T) {
	f := newFixture(t)
	f.loans[alice] = destLoan{amount: 100, due: 1_600_000_000, active: true, funded: true}
	f.request(t, 1, alice, 100)
	f.backend.SetChainID(80002)

	report := newScanner(Options{}, time.Unix(1_700_000_000, 0)).Scan(context.Background(), f.session())
	if report.Available {
		t.Fatal("scan must be unavailable when the connection left the bound chain")
	}
	if f.backend.FilterCalls() != 0 {
		t.Fatalf("no logs may be read from the wrong chain, got %d filter calls", f.backend.FilterCalls())
	}
}
