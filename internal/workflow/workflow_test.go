package workflow

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"crosslend/internal/chain"
	"crosslend/internal/chain/chaintest"
	"crosslend/internal/contracts"
	"crosslend/internal/ledger"
	"crosslend/internal/loanstate"
	"crosslend/internal/session"
)

const (
	originChain = 80002
	destChain   = 11155111
)

var (
	originLending = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	destLending   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	destToken     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// originContract models the origin lending contract at 150% collateral.
type originContract struct {
	mu         sync.Mutex
	collateral *big.Int
	amount     *big.Int
	active     bool
	lagging    bool // reads still report the loan before its deposit
}

func (o *originContract) install(b *chaintest.Backend) {
	b.HandleCall(originLending, contracts.OriginABI.Methods["getLoanDetails"], func([]interface{}) ([]interface{}, error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		collateral, active := new(big.Int).Set(o.collateral), o.active
		if o.lagging {
			collateral, active = new(big.Int), false
		}
		return []interface{}{
			collateral, new(big.Int).Set(o.amount), big.NewInt(destChain),
			big.NewInt(500), big.NewInt(700), big.NewInt(30), active,
		}, nil
	})
	b.HandleCall(originLending, contracts.OriginABI.Methods["calculateRequiredCollateral"], func(args []interface{}) ([]interface{}, error) {
		out := new(big.Int).Mul(args[0].(*big.Int), big.NewInt(150))
		return []interface{}{out.Div(out, big.NewInt(100))}, nil
	})
	b.HandleTx(originLending, contracts.OriginABI.Methods["requestLoan"], func(_ common.Address, _ *big.Int, args []interface{}) error {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.active || o.amount.Sign() > 0 {
			return errors.New("loan exists")
		}
		o.amount = new(big.Int).Set(args[0].(*big.Int))
		return nil
	})
	b.HandleTx(originLending, contracts.OriginABI.Methods["depositCollateral"], func(_ common.Address, value *big.Int, _ []interface{}) error {
		o.mu.Lock()
		defer o.mu.Unlock()
		required := new(big.Int).Mul(o.amount, big.NewInt(150))
		required.Div(required, big.NewInt(100))
		if value.Cmp(required) != 0 {
			return errors.New("wrong collateral")
		}
		o.collateral = new(big.Int).Set(value)
		o.active = true
		return nil
	})
}

type harness struct {
	backend  *chaintest.Backend
	origin   *originContract
	manager  *session.Manager
	ledger   *ledger.Ledger
	workflow *RequestWorkflow
	actions  *Actions
	wallet   *chain.KeyWallet
}

func newHarness(t *testing.T, chainID uint64, opts chain.TransactorOptions) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := chain.NewKeyWalletFromKey(key)

	reg, err := contracts.NewRegistry([]contracts.ChainSpec{
		{ChainID: originChain, Name: "amoy", Role: contracts.RoleOrigin, Lending: originLending, NativeSymbol: "MATIC"},
		{ChainID: destChain, Name: "sepolia", Role: contracts.RoleDestination, Lending: destLending, Token: destToken, TokenSymbol: "USDC", TokenDecimals: 6},
	})
	require.NoError(t, err)

	h := &harness{
		backend: chaintest.New(chainID),
		origin:  &originContract{collateral: new(big.Int), amount: new(big.Int)},
		manager: session.NewManager(reg, zerolog.Nop()),
		ledger:  ledger.New(ledger.NewMemoryBackend(), "", nil, zerolog.Nop()),
		wallet:  wallet,
	}
	h.origin.install(h.backend)
	_, err = h.manager.Switch(context.Background(), h.backend, wallet.Address())
	require.NoError(t, err)

	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	tx := chain.NewTransactor(wallet, opts, zerolog.Nop())
	syncer := loanstate.New(zerolog.Nop(), nil)
	h.workflow = NewRequestWorkflow(h.manager, reg, syncer, tx, h.ledger, Options{}, nil, zerolog.Nop())
	h.actions = NewActions(h.manager, tx, h.ledger, nil, zerolog.Nop())
	return h
}

func (h *harness) entries(t *testing.T) []ledger.Entry {
	t.Helper()
	entries, err := h.ledger.List(context.Background())
	require.NoError(t, err)
	return entries
}

func TestRequestThenCollateralize(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, originChain, chain.TransactorOptions{})

	state, err := h.workflow.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, Idle, state)

	res, err := h.workflow.RequestLoan(ctx, big.NewInt(100), destChain, 30)
	require.NoError(t, err)
	require.Equal(t, AwaitingCollateral, res.State)
	require.True(t, res.Synced)
	require.False(t, res.View.Status.FullyCollateralized)

	entries := h.entries(t)
	require.Len(t, entries, 1)
	require.Equal(t, ledger.TypeBorrow, entries[0].Type)
	require.Equal(t, ledger.StatusCompleted, entries[0].Status)
	require.Equal(t, "USDC", entries[0].Token)
	require.Equal(t, res.TxHash.Hex(), common.HexToHash(entries[0].TxHash).Hex())

	required, err := h.workflow.Required(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(150), required.Int64())

	res, err = h.workflow.DepositCollateral(ctx)
	require.NoError(t, err)
	require.Equal(t, Collateralized, res.State)
	require.True(t, res.View.Status.FullyCollateralized)

	sent := h.backend.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, int64(150), sent[1].Value().Int64(), "deposit must send exactly the required amount")

	entries = h.entries(t)
	require.Len(t, entries, 2)
	require.Equal(t, ledger.TypeDepositCollateral, entries[0].Type)
	require.Equal(t, "MATIC", entries[0].Token)
}

func TestRejectedRequestLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, originChain, chain.TransactorOptions{})
	h.backend.FailSend(errors.New("user denied transaction signature"))

	_, err := h.workflow.RequestLoan(ctx, big.NewInt(100), destChain, 30)
	require.ErrorIs(t, err, chain.ErrTxRejected)
	require.Equal(t, Idle, h.workflow.State())
	require.Empty(t, h.entries(t))
}

func TestRevertedDepositKeepsState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, originChain, chain.TransactorOptions{})

	_, err := h.workflow.RequestLoan(ctx, big.NewInt(100), destChain, 30)
	require.NoError(t, err)

	// the contract now demands more than the workflow priced
	h.origin.mu.Lock()
	h.origin.amount = big.NewInt(200)
	h.origin.mu.Unlock()
	h.workflow.mu.Lock()
	h.workflow.view = loanstate.View{}
	h.workflow.requested = big.NewInt(100)
	h.workflow.mu.Unlock()

	_, err = h.workflow.DepositCollateral(ctx)
	require.ErrorIs(t, err, chain.ErrTxReverted)
	require.Equal(t, AwaitingCollateral, h.workflow.State())
	require.Len(t, h.entries(t), 1, "a reverted deposit is not recorded")
}

func TestUnconfirmedRequestIsRecordedPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, originChain, chain.TransactorOptions{ConfirmTimeout: 20 * time.Millisecond})
	h.backend.HoldReceipts(true)

	res, err := h.workflow.RequestLoan(ctx, big.NewInt(100), destChain, 30)
	pending, ok := chain.IsPending(err)
	require.True(t, ok, "expected pending error, got %v", err)
	require.Equal(t, pending.Hash, res.TxHash)
	require.Equal(t, Idle, h.workflow.State())

	entries := h.entries(t)
	require.Len(t, entries, 1)
	require.Equal(t, ledger.StatusPending, entries[0].Status)

	_, err = h.actions.Confirm(ctx, h.backend, pending.Hash)
	require.ErrorIs(t, err, ErrStillPending)

	require.NoError(t, h.backend.Mine(pending.Hash))
	_, err = h.actions.Confirm(ctx, h.backend, pending.Hash)
	require.NoError(t, err)
	entries = h.entries(t)
	require.Equal(t, ledger.StatusCompleted, entries[0].Status)

	state, err := h.workflow.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, AwaitingCollateral, state)
}

func TestSubmitRefusedAfterChainSwitch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, originChain, chain.TransactorOptions{})

	// the wallet moved to another network before the watcher rebuilt the session
	h.backend.SetChainID(destChain)

	_, err := h.workflow.RequestLoan(ctx, big.NewInt(100), destChain, 30)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, contracts.ErrChainMismatch)
	require.Equal(t, Idle, h.workflow.State())
	require.Empty(t, h.backend.Sent())
	require.Empty(t, h.entries(t))
}

func TestDepositNotRepeatedWhileReadsLag(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, originChain, chain.TransactorOptions{})

	_, err := h.workflow.RequestLoan(ctx, big.NewInt(100), destChain, 30)
	require.NoError(t, err)

	h.origin.mu.Lock()
	h.origin.lagging = true
	h.origin.mu.Unlock()

	res, err := h.workflow.DepositCollateral(ctx)
	require.NoError(t, err)
	require.Equal(t, AwaitingCollateral, res.State, "the lagging pull does not show the deposit yet")

	again, err := h.workflow.DepositCollateral(ctx)
	require.ErrorIs(t, err, ErrDepositUnsettled)
	require.Equal(t, res.TxHash, again.TxHash)
	require.Len(t, h.backend.Sent(), 2, "no second deposit is broadcast")
	require.Len(t, h.entries(t), 2)

	h.origin.mu.Lock()
	h.origin.lagging = false
	h.origin.mu.Unlock()

	state, err := h.workflow.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, Collateralized, state)
}

func TestDepositRequiresAwaitingCollateral(t *testing.T) {
	h := newHarness(t, originChain, chain.TransactorOptions{})
	_, err := h.workflow.DepositCollateral(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
	require.Empty(t, h.backend.Sent())
}

func TestRequestOnWrongChainIsUnavailable(t *testing.T) {
	h := newHarness(t, destChain, chain.TransactorOptions{})
	_, err := h.workflow.RequestLoan(context.Background(), big.NewInt(100), destChain, 30)
	require.ErrorIs(t, err, ErrUnavailable)
}

func installDestination(b *chaintest.Backend, balance int64, active bool) {
	b.HandleCall(destLending, contracts.DestinationABI.Methods["getLoanDetails"], func([]interface{}) ([]interface{}, error) {
		return []interface{}{
			big.NewInt(100), big.NewInt(0), big.NewInt(500), big.NewInt(1), big.NewInt(700), active, true,
		}, nil
	})
	b.HandleCall(destLending, contracts.DestinationABI.Methods["calculateTotalDue"], func([]interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(105_000_000)}, nil
	})
	b.HandleCall(destToken, contracts.TokenABI.Methods["balanceOf"], func([]interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(balance)}, nil
	})
	b.HandleTx(destLending, contracts.DestinationABI.Methods["repayLoan"], func(common.Address, *big.Int, []interface{}) error { return nil })
	b.HandleTx(destLending, contracts.DestinationABI.Methods["liquidateLoan"], func(common.Address, *big.Int, []interface{}) error { return nil })
}

func TestRepayChecksBalance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, destChain, chain.TransactorOptions{})
	installDestination(h.backend, 50_000_000, true)

	_, err := h.actions.Repay(ctx, big.NewInt(60_000_000))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Empty(t, h.backend.Sent())

	res, err := h.actions.Repay(ctx, big.NewInt(40_000_000))
	require.NoError(t, err)
	require.NotEqual(t, common.Hash{}, res.TxHash)
	entries := h.entries(t)
	require.Len(t, entries, 1)
	require.Equal(t, ledger.TypeRepay, entries[0].Type)
	require.Equal(t, ledger.ChainDestination, entries[0].Chain)
	require.Equal(t, "40", entries[0].Amount.String())
}

func TestRepayWithoutActiveLoan(t *testing.T) {
	h := newHarness(t, destChain, chain.TransactorOptions{})
	installDestination(h.backend, 50_000_000, false)
	_, err := h.actions.Repay(context.Background(), big.NewInt(1))
	require.ErrorIs(t, err, ErrNoActiveLoan)
}

func TestLiquidateRecordsTotalDue(t *testing.T) {
	h := newHarness(t, destChain, chain.TransactorOptions{})
	installDestination(h.backend, 0, true)

	_, err := h.actions.Liquidate(context.Background(), common.HexToAddress("0x00000000000000000000000000000000000000c1"))
	require.NoError(t, err)
	entries := h.entries(t)
	require.Len(t, entries, 1)
	require.Equal(t, ledger.TypeLiquidate, entries[0].Type)
	require.Equal(t, "105", entries[0].Amount.String())
}
