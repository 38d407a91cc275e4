// Package workflow drives user-initiated transactions: the two-step loan
// request saga and the single-step repay, liquidate and confirm actions.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"crosslend/internal/chain"
	"crosslend/internal/collateral"
	"crosslend/internal/contracts"
	"crosslend/internal/ledger"
	"crosslend/internal/loanstate"
	"crosslend/internal/metrics"
	"crosslend/internal/session"
)

// State of the request saga.
type State int

const (
	Idle State = iota
	RequestSubmitted
	AwaitingCollateral
	Collateralized
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RequestSubmitted:
		return "request-submitted"
	case AwaitingCollateral:
		return "awaiting-collateral"
	case Collateralized:
		return "collateralized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrInvalidState rejects an action the current state does not allow.
	ErrInvalidState = errors.New("workflow: action not allowed in current state")
	// ErrBusy rejects an action while another step is in flight.
	ErrBusy = errors.New("workflow: another step is in flight")
	// ErrUnavailable is returned when the session lacks the needed binding or account.
	ErrUnavailable = errors.New("workflow: not connected to the required chain")
	// ErrNothingRequired is returned when no collateral is owed.
	ErrNothingRequired = errors.New("workflow: no collateral required")
	// ErrDepositUnsettled is returned while a sent deposit is not yet visible in a pull.
	ErrDepositUnsettled = errors.New("workflow: collateral deposit sent but not yet reflected on chain")
)

// Syncer pulls the loan view of a session.
type Syncer interface {
	Sync(ctx context.Context, sess *session.Session) (loanstate.View, bool)
}

// Result describes a completed or pending step.
type Result struct {
	TxHash common.Hash
	Entry  ledger.Entry
	View   loanstate.View
	Synced bool
	State  State
}

// Options configures display units for ledger entries.
type Options struct {
	NativeSymbol   string
	NativeDecimals uint8
}

// RequestWorkflow runs Idle → RequestSubmitted → AwaitingCollateral →
// Collateralized. Steps are never retried automatically.
type RequestWorkflow struct {
	sessions session.Source
	registry *contracts.Registry
	syncer   Syncer
	exec     executor
	opts     Options
	logger   zerolog.Logger

	mu        sync.Mutex
	state     State
	busy      bool
	view      loanstate.View
	requested *big.Int
	deposit   common.Hash // last deposit sent, until a pull shows collateral
}

// NewRequestWorkflow wires the saga.
func NewRequestWorkflow(sessions session.Source, registry *contracts.Registry, syncer Syncer, tx chain.Submitter, rec Recorder, opts Options, m *metrics.Metrics, logger zerolog.Logger) *RequestWorkflow {
	if opts.NativeSymbol == "" {
		opts.NativeSymbol = "MATIC"
	}
	if opts.NativeDecimals == 0 {
		opts.NativeDecimals = 18
	}
	logger = logger.With().Str("component", "request_workflow").Logger()
	return &RequestWorkflow{
		sessions: sessions,
		registry: registry,
		syncer:   syncer,
		exec:     executor{tx: tx, ledger: rec, metrics: m, logger: logger},
		opts:     opts,
		logger:   logger,
	}
}

// State returns the current saga state.
func (w *RequestWorkflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Resume derives the state from a fresh pull of the on-chain loan.
func (w *RequestWorkflow) Resume(ctx context.Context) (State, error) {
	sess := w.sessions.Current()
	view, ok := w.syncer.Sync(ctx, sess)
	if !ok {
		return w.State(), ErrUnavailable
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.applyLocked(view)
	return w.state, nil
}

// RequestLoan submits requestLoan for amount (destination token smallest
// units). Allowed only from Idle.
func (w *RequestWorkflow) RequestLoan(ctx context.Context, amount *big.Int, destChainID, durationDays uint64) (Result, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Result{}, fmt.Errorf("loan amount must be positive")
	}
	if durationDays == 0 {
		return Result{}, fmt.Errorf("loan duration must be positive")
	}
	dest, ok := w.registry.Spec(destChainID)
	if !ok || dest.Role != contracts.RoleDestination {
		return Result{}, fmt.Errorf("chain %d is not a configured destination", destChainID)
	}

	sess := w.sessions.Current()
	origin, ok := sess.Origin()
	if !ok || !sess.HasAccount() {
		return Result{}, ErrUnavailable
	}
	req, err := origin.RequestLoan(amount, destChainID, durationDays)
	if err != nil {
		return Result{}, err
	}

	if err := w.begin(Idle, RequestSubmitted); err != nil {
		return Result{}, err
	}

	entry := ledger.Entry{
		Chain:   ledger.ChainOrigin,
		ChainID: sess.ChainID,
		Type:    ledger.TypeBorrow,
		Amount:  collateral.ToUnits(amount, dest.TokenDecimals),
		Token:   dest.TokenSymbol,
	}
	receipt, recorded, err := w.exec.execute(ctx, sess, req, entry)
	if err != nil {
		w.finish(Idle)
		res := Result{Entry: recorded, State: Idle}
		if pending, ok := chain.IsPending(err); ok {
			res.TxHash = pending.Hash
		}
		return res, err
	}

	for _, ev := range origin.LoanInitiatedLogs(receipt) {
		w.logger.Info().Str("borrower", ev.Borrower.Hex()).Str("amount", ev.Amount.String()).Str("destination", ev.DestinationChainID.String()).Msg("loan initiated")
	}

	res := Result{TxHash: receipt.TxHash, Entry: recorded}
	view, synced := w.syncer.Sync(ctx, sess)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = false
	w.requested = new(big.Int).Set(amount)
	w.deposit = common.Hash{}
	w.state = AwaitingCollateral
	if synced {
		w.applyLocked(view)
	}
	res.View, res.Synced, res.State = view, synced, w.state
	return res, nil
}

// DepositCollateral sends exactly the required collateral. Allowed only from
// AwaitingCollateral.
func (w *RequestWorkflow) DepositCollateral(ctx context.Context) (Result, error) {
	sess := w.sessions.Current()
	origin, ok := sess.Origin()
	if !ok || !sess.HasAccount() {
		return Result{}, ErrUnavailable
	}

	w.mu.Lock()
	state, view, requested, sent := w.state, w.view, w.requested, w.deposit
	w.mu.Unlock()
	if state != AwaitingCollateral {
		return Result{}, fmt.Errorf("%w: deposit from %s", ErrInvalidState, state)
	}
	if sent != (common.Hash{}) {
		return Result{TxHash: sent, State: state}, fmt.Errorf("%w: %s", ErrDepositUnsettled, sent.Hex())
	}

	required, err := w.required(ctx, origin, view, requested)
	if err != nil {
		return Result{}, err
	}
	req, err := origin.DepositCollateral(required)
	if err != nil {
		return Result{}, err
	}

	if err := w.begin(AwaitingCollateral, AwaitingCollateral); err != nil {
		return Result{}, err
	}

	entry := ledger.Entry{
		Chain:   ledger.ChainOrigin,
		ChainID: sess.ChainID,
		Type:    ledger.TypeDepositCollateral,
		Amount:  collateral.ToUnits(required, w.opts.NativeDecimals),
		Token:   w.opts.NativeSymbol,
	}
	receipt, recorded, err := w.exec.execute(ctx, sess, req, entry)
	if err != nil {
		res := Result{Entry: recorded, State: AwaitingCollateral}
		if pending, ok := chain.IsPending(err); ok {
			// the broadcast may still be mined
			res.TxHash = pending.Hash
			w.mu.Lock()
			w.deposit = pending.Hash
			w.mu.Unlock()
		}
		w.finish(AwaitingCollateral)
		return res, err
	}

	res := Result{TxHash: receipt.TxHash, Entry: recorded}
	view, synced := w.syncer.Sync(ctx, sess)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = false
	w.deposit = receipt.TxHash
	if synced {
		w.applyLocked(view)
	}
	res.View, res.Synced, res.State = view, synced, w.state
	return res, nil
}

// Required returns the collateral the next deposit would send.
func (w *RequestWorkflow) Required(ctx context.Context) (*big.Int, error) {
	sess := w.sessions.Current()
	origin, ok := sess.Origin()
	if !ok {
		return nil, ErrUnavailable
	}
	w.mu.Lock()
	view, requested := w.view, w.requested
	w.mu.Unlock()
	return w.required(ctx, origin, view, requested)
}

// A pull reports Required 0 while no collateral is held, so the requested
// amount is priced directly in that case.
func (w *RequestWorkflow) required(ctx context.Context, src collateral.Source, view loanstate.View, requested *big.Int) (*big.Int, error) {
	if view.Status.Required != nil && view.Status.Required.Sign() > 0 {
		return view.Status.Required, nil
	}
	amount := requested
	if view.Pending() {
		amount = view.Requested
	}
	required, err := collateral.Required(ctx, src, amount)
	if err != nil {
		return nil, fmt.Errorf("required collateral: %w", err)
	}
	if required.Sign() == 0 {
		return nil, ErrNothingRequired
	}
	return required, nil
}

func (w *RequestWorkflow) begin(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return ErrBusy
	}
	if w.state != from {
		return fmt.Errorf("%w: expected %s, in %s", ErrInvalidState, from, w.state)
	}
	w.busy = true
	w.state = to
	return nil
}

func (w *RequestWorkflow) finish(state State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = false
	w.state = state
}

func (w *RequestWorkflow) applyLocked(view loanstate.View) {
	w.view = view
	if view.Record.Active || (view.Record.Collateral != nil && view.Record.Collateral.Sign() > 0) {
		w.deposit = common.Hash{}
	}
	switch {
	case view.Record.Active:
		w.state = Collateralized
	case view.Pending():
		w.state = AwaitingCollateral
		w.requested = new(big.Int).Set(view.Requested)
	default:
		if w.state != AwaitingCollateral {
			w.state = Idle
		}
	}
}
