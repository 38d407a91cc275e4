package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"crosslend/internal/chain"
	"crosslend/internal/ledger"
	"crosslend/internal/metrics"
	"crosslend/internal/session"
)

// Recorder is the ledger surface used by the workflows.
type Recorder interface {
	Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
	SetStatus(ctx context.Context, txHash string, status ledger.Status) error
}

// executor submits one transaction and records its outcome: nothing on
// rejection, a pending entry when the broadcast was not confirmed in time, a
// completed entry on success.
type executor struct {
	tx      chain.Submitter
	ledger  Recorder
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func (e *executor) execute(ctx context.Context, sess *session.Session, req chain.TxRequest, entry ledger.Entry) (*types.Receipt, ledger.Entry, error) {
	txType := string(entry.Type)
	if err := sess.Verify(ctx); err != nil {
		e.logger.Warn().Err(err).Str("method", req.Method).Msg("refusing to submit on a switched connection")
		return nil, ledger.Entry{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	receipt, err := e.tx.Submit(ctx, sess.Conn, req)
	if err != nil {
		pending, ok := chain.IsPending(err)
		if !ok {
			e.metrics.ObserveTransaction(txType, "rejected")
			e.logger.Warn().Err(err).Str("method", req.Method).Msg("transaction rejected")
			return receipt, ledger.Entry{}, err
		}

		e.metrics.ObserveTransaction(txType, "pending")
		entry.Status = ledger.StatusPending
		entry.TxHash = pending.Hash.Hex()
		// the ledger write must outlive a cancelled caller
		recorded, appendErr := e.ledger.Append(context.WithoutCancel(ctx), entry)
		if appendErr != nil {
			e.logger.Error().Err(appendErr).Str("tx", entry.TxHash).Msg("record pending transaction failed")
			return nil, ledger.Entry{}, errors.Join(err, fmt.Errorf("record pending entry: %w", appendErr))
		}
		e.logger.Warn().Str("tx", entry.TxHash).Str("method", req.Method).Msg("transaction broadcast but unconfirmed; recorded as pending")
		return nil, recorded, err
	}

	e.metrics.ObserveTransaction(txType, "confirmed")
	entry.Status = ledger.StatusCompleted
	entry.TxHash = receipt.TxHash.Hex()
	recorded, err := e.ledger.Append(context.WithoutCancel(ctx), entry)
	if err != nil {
		e.logger.Error().Err(err).Str("tx", entry.TxHash).Msg("record completed transaction failed")
		return receipt, ledger.Entry{}, fmt.Errorf("record ledger entry: %w", err)
	}
	return receipt, recorded, nil
}
