package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

var (
	// ErrTxRejected marks a transaction the node refused or that never left the client.
	ErrTxRejected = errors.New("transaction rejected")
	// ErrTxReverted marks a mined transaction whose receipt reports failure.
	ErrTxReverted = fmt.Errorf("%w: execution reverted", ErrTxRejected)
)

// PendingError reports a broadcast transaction whose confirmation was not
// observed before the caller's deadline.
type PendingError struct {
	Hash common.Hash
	Err  error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("transaction %s broadcast but not confirmed: %v", e.Hash.Hex(), e.Err)
}

func (e *PendingError) Unwrap() error { return e.Err }

// IsPending reports whether err carries a PendingError.
func IsPending(err error) (*PendingError, bool) {
	var pending *PendingError
	if errors.As(err, &pending) {
		return pending, true
	}
	return nil, false
}

// TxRequest describes a contract write bound to one chain.
type TxRequest struct {
	ChainID uint64
	To      common.Address
	Data    []byte
	Value   *big.Int
	Method  string
}

// Submitter broadcasts a request and waits for its receipt.
type Submitter interface {
	Submit(ctx context.Context, conn Connection, req TxRequest) (*types.Receipt, error)
}

// TransactorOptions tune submission behaviour.
type TransactorOptions struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	GasMultiplier  float64
}

// Transactor signs with a Wallet and polls for receipts.
type Transactor struct {
	wallet Wallet
	opts   TransactorOptions
	logger zerolog.Logger
}

// NewTransactor constructs a Transactor. A nil wallet makes every submission fail with ErrNoWallet.
func NewTransactor(wallet Wallet, opts TransactorOptions, logger zerolog.Logger) *Transactor {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.GasMultiplier < 1 {
		opts.GasMultiplier = 1.2
	}
	return &Transactor{wallet: wallet, opts: opts, logger: logger.With().Str("component", "transactor").Logger()}
}

// Submit sends req and blocks until it is mined, the confirm timeout elapses, or
// ctx ends. Failures before broadcast wrap ErrTxRejected; failures after
// broadcast without a receipt return *PendingError.
func (t *Transactor) Submit(ctx context.Context, conn Connection, req TxRequest) (*types.Receipt, error) {
	hash, err := t.Send(ctx, conn, req)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, t.opts.ConfirmTimeout)
	defer cancel()

	receipt, err := WaitMined(waitCtx, conn, hash, t.opts.PollInterval)
	if err != nil {
		return nil, &PendingError{Hash: hash, Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s %s: %w", req.Method, hash.Hex(), ErrTxReverted)
	}
	t.logger.Info().Str("method", req.Method).Str("tx", hash.Hex()).Uint64("block", receipt.BlockNumber.Uint64()).Msg("transaction confirmed")
	return receipt, nil
}

// Send signs and broadcasts req without waiting for inclusion.
func (t *Transactor) Send(ctx context.Context, conn Connection, req TxRequest) (common.Hash, error) {
	if t.wallet == nil {
		return common.Hash{}, fmt.Errorf("%w: %w", ErrTxRejected, ErrNoWallet)
	}
	from := t.wallet.Address()
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := conn.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: pending nonce: %w", ErrTxRejected, err)
	}
	gasPrice, err := conn.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: gas price: %w", ErrTxRejected, err)
	}
	to := req.To
	gas, err := conn.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: req.Data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: estimate gas for %s: %w", ErrTxRejected, req.Method, err)
	}
	gas = uint64(float64(gas) * t.opts.GasMultiplier)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     req.Data,
	})
	signed, err := t.wallet.SignTx(tx, new(big.Int).SetUint64(req.ChainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: sign: %w", ErrTxRejected, err)
	}
	if err := conn.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("%w: send %s: %w", ErrTxRejected, req.Method, err)
	}

	t.logger.Info().Str("method", req.Method).Str("tx", signed.Hash().Hex()).Uint64("nonce", nonce).Msg("transaction broadcast")
	return signed.Hash(), nil
}

// WaitMined polls for the receipt of hash until it exists or ctx ends.
func WaitMined(ctx context.Context, conn Connection, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := conn.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ Submitter = (*Transactor)(nil)
