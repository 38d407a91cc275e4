package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"crosslend/internal/chain"
	"crosslend/internal/collateral"
	"crosslend/internal/ledger"
	"crosslend/internal/loanstate"
	"crosslend/internal/workflow"
)

// RequestOptions configure a loan request. Amount is in destination token units.
type RequestOptions struct {
	Amount        decimal.Decimal
	DestinationID uint64
	DurationDays  uint64
}

// txSession bundles what a transaction command needs.
type txSession struct {
	rt      *runtime
	ledger  *ledger.Ledger
	request *workflow.RequestWorkflow
	actions *workflow.Actions
}

func (s *txSession) Close(a *App) {
	closeLedger(s.ledger, a.Logger)
	s.rt.Close()
}

func (a *App) openTx(ctx context.Context) (*txSession, error) {
	rt, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	led, err := a.openLedger(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	opts := workflow.Options{NativeSymbol: rt.registry.OriginSpec().NativeSymbol, NativeDecimals: nativeDecimals}
	return &txSession{
		rt:      rt,
		ledger:  led,
		request: workflow.NewRequestWorkflow(rt.sessions, rt.registry, loanstate.New(a.Logger, a.metrics), rt.tx, led, opts, a.metrics, a.Logger),
		actions: workflow.NewActions(rt.sessions, rt.tx, led, a.metrics, a.Logger),
	}, nil
}

// Request submits a loan request on the origin chain.
func (a *App) Request(ctx context.Context, opts RequestOptions) error {
	a.ChainID = a.Config.Origin.ChainID
	s, err := a.openTx(ctx)
	if err != nil {
		return err
	}
	defer s.Close(a)

	dest, ok := s.rt.registry.Spec(opts.DestinationID)
	if !ok {
		return fmt.Errorf("destination chain %d is not configured", opts.DestinationID)
	}
	if _, err := s.request.Resume(ctx); err != nil {
		return err
	}
	amount := collateral.FromUnits(opts.Amount, dest.TokenDecimals)
	res, err := s.request.RequestLoan(ctx, amount, opts.DestinationID, opts.DurationDays)
	if err != nil {
		return a.reportTxError(err)
	}
	fmt.Fprintf(a.Out, "loan requested: %s\nstate: %s\n", res.TxHash.Hex(), res.State)
	if required, err := s.request.Required(ctx); err == nil {
		fmt.Fprintf(a.Out, "collateral due: %s %s\n", collateral.ToUnits(required, nativeDecimals), s.rt.registry.OriginSpec().NativeSymbol)
	}
	return nil
}

// Deposit sends the collateral owed for the pending loan request.
func (a *App) Deposit(ctx context.Context) error {
	a.ChainID = a.Config.Origin.ChainID
	s, err := a.openTx(ctx)
	if err != nil {
		return err
	}
	defer s.Close(a)

	state, err := s.request.Resume(ctx)
	if err != nil {
		return err
	}
	if state != workflow.AwaitingCollateral {
		return fmt.Errorf("%w: no loan request awaiting collateral (state %s)", workflow.ErrInvalidState, state)
	}
	res, err := s.request.DepositCollateral(ctx)
	if err != nil {
		return a.reportTxError(err)
	}
	fmt.Fprintf(a.Out, "collateral deposited: %s\namount: %s %s\nstate: %s\n", res.TxHash.Hex(), res.Entry.Amount, res.Entry.Token, res.State)
	return nil
}

// Repay repays amount (token units) on the selected destination chain.
func (a *App) Repay(ctx context.Context, amount decimal.Decimal) error {
	s, err := a.openTx(ctx)
	if err != nil {
		return err
	}
	defer s.Close(a)

	token, ok := s.rt.sessions.Current().Token()
	if !ok {
		return fmt.Errorf("%w; select a destination with --chain", workflow.ErrUnavailable)
	}
	res, err := s.actions.Repay(ctx, collateral.FromUnits(amount, token.Decimals()))
	if err != nil {
		return a.reportTxError(err)
	}
	fmt.Fprintf(a.Out, "repaid: %s\namount: %s %s\n", res.TxHash.Hex(), res.Entry.Amount, res.Entry.Token)
	return nil
}

// Liquidate liquidates borrower on the selected destination chain.
func (a *App) Liquidate(ctx context.Context, borrower common.Address) error {
	s, err := a.openTx(ctx)
	if err != nil {
		return err
	}
	defer s.Close(a)

	res, err := s.actions.Liquidate(ctx, borrower)
	if err != nil {
		return a.reportTxError(err)
	}
	fmt.Fprintf(a.Out, "liquidated %s: %s\n", borrower.Hex(), res.TxHash.Hex())
	return nil
}

func (a *App) reportTxError(err error) error {
	if pending, ok := chain.IsPending(err); ok {
		fmt.Fprintf(a.Out, "transaction %s broadcast but not confirmed; recorded as pending\n", pending.Hash.Hex())
		fmt.Fprintf(a.Out, "run `crosslend ledger confirm --tx %s` once it is mined\n", pending.Hash.Hex())
		return err
	}
	if errors.Is(err, chain.ErrTxReverted) {
		return fmt.Errorf("transaction reverted: %w", err)
	}
	return err
}
