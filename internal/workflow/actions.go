package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"crosslend/internal/chain"
	"crosslend/internal/collateral"
	"crosslend/internal/ledger"
	"crosslend/internal/metrics"
	"crosslend/internal/session"
)

var (
	// ErrInsufficientBalance is returned before broadcasting a repayment the wallet cannot cover.
	ErrInsufficientBalance = errors.New("workflow: insufficient token balance")
	// ErrNoActiveLoan is returned when repaying without an active destination loan.
	ErrNoActiveLoan = errors.New("workflow: no active loan")
	// ErrStillPending is returned by Confirm while the transaction has no receipt.
	ErrStillPending = errors.New("workflow: transaction not yet mined")
)

// Actions are the single-transaction destination operations.
type Actions struct {
	sessions session.Source
	exec     executor
	logger   zerolog.Logger
}

// NewActions wires the destination actions.
func NewActions(sessions session.Source, tx chain.Submitter, rec Recorder, m *metrics.Metrics, logger zerolog.Logger) *Actions {
	logger = logger.With().Str("component", "actions").Logger()
	return &Actions{
		sessions: sessions,
		exec:     executor{tx: tx, ledger: rec, metrics: m, logger: logger},
		logger:   logger,
	}
}

// Repay repays amount (token smallest units) of the session account's loan.
// The token balance is checked before anything is broadcast.
func (a *Actions) Repay(ctx context.Context, amount *big.Int) (Result, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Result{}, fmt.Errorf("repay amount must be positive")
	}
	sess := a.sessions.Current()
	dest, ok := sess.Destination()
	token, tokenOK := sess.Token()
	if !ok || !tokenOK || !sess.HasAccount() {
		return Result{}, ErrUnavailable
	}

	loan, err := dest.LoanDetails(ctx, sess.Account)
	if err != nil {
		return Result{}, fmt.Errorf("read destination loan: %w", err)
	}
	if !loan.Active {
		return Result{}, ErrNoActiveLoan
	}
	balance, err := token.BalanceOf(ctx, sess.Account)
	if err != nil {
		return Result{}, fmt.Errorf("read token balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return Result{}, fmt.Errorf("%w: have %s, need %s %s", ErrInsufficientBalance,
			collateral.ToUnits(balance, token.Decimals()), collateral.ToUnits(amount, token.Decimals()), token.Symbol())
	}

	req, err := dest.RepayLoan(amount)
	if err != nil {
		return Result{}, err
	}
	entry := ledger.Entry{
		Chain:   ledger.ChainDestination,
		ChainID: sess.ChainID,
		Type:    ledger.TypeRepay,
		Amount:  collateral.ToUnits(amount, token.Decimals()),
		Token:   token.Symbol(),
	}
	return a.run(ctx, sess, req, entry)
}

// Liquidate liquidates borrower's destination loan. The recorded amount is the
// total due read just before submission.
func (a *Actions) Liquidate(ctx context.Context, borrower common.Address) (Result, error) {
	if borrower == (common.Address{}) {
		return Result{}, fmt.Errorf("borrower address required")
	}
	sess := a.sessions.Current()
	dest, ok := sess.Destination()
	token, tokenOK := sess.Token()
	if !ok || !tokenOK || !sess.HasAccount() {
		return Result{}, ErrUnavailable
	}

	req, err := dest.LiquidateLoan(borrower)
	if err != nil {
		return Result{}, err
	}
	entry := ledger.Entry{
		Chain:   ledger.ChainDestination,
		ChainID: sess.ChainID,
		Type:    ledger.TypeLiquidate,
		Token:   token.Symbol(),
	}
	if due, err := dest.TotalDue(ctx, borrower); err == nil {
		entry.Amount = collateral.ToUnits(due, token.Decimals())
	} else {
		a.logger.Debug().Err(err).Str("borrower", borrower.Hex()).Msg("total due unavailable for ledger entry")
	}
	return a.run(ctx, sess, req, entry)
}

// Confirm checks the receipt of a pending transaction on conn and marks the
// ledger entry completed when it succeeded. A reverted transaction leaves the
// entry pending.
func (a *Actions) Confirm(ctx context.Context, conn chain.Connection, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := conn.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: %s", ErrStillPending, txHash.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("read receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		a.logger.Warn().Str("tx", txHash.Hex()).Msg("pending transaction reverted; entry left pending")
		return receipt, fmt.Errorf("%s: %w", txHash.Hex(), chain.ErrTxReverted)
	}
	if err := a.exec.ledger.SetStatus(ctx, txHash.Hex(), ledger.StatusCompleted); err != nil {
		return receipt, err
	}
	a.logger.Info().Str("tx", txHash.Hex()).Msg("pending transaction confirmed")
	return receipt, nil
}

func (a *Actions) run(ctx context.Context, sess *session.Session, req chain.TxRequest, entry ledger.Entry) (Result, error) {
	receipt, recorded, err := a.exec.execute(ctx, sess, req, entry)
	res := Result{Entry: recorded}
	if err != nil {
		if pending, ok := chain.IsPending(err); ok {
			res.TxHash = pending.Hash
		}
		return res, err
	}
	res.TxHash = receipt.TxHash
	return res, nil
}
