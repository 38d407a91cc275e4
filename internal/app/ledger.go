package app

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"crosslend/internal/ledger"
	"crosslend/internal/workflow"
)

// LedgerList prints recorded actions, newest first.
func (a *App) LedgerList(ctx context.Context, limit int) error {
	led, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer closeLedger(led, a.Logger)

	entries, err := led.List(ctx)
	if err != nil {
		return err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	writeEntries(a.Out, entries)
	return nil
}

// LedgerConfirm checks the receipt of a pending entry and completes it.
func (a *App) LedgerConfirm(ctx context.Context, txHash string) error {
	led, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer closeLedger(led, a.Logger)

	entries, err := led.List(ctx)
	if err != nil {
		return err
	}
	var target *ledger.Entry
	for i := range entries {
		if strings.EqualFold(entries[i].TxHash, txHash) {
			target = &entries[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%s: %w", txHash, ledger.ErrNotFound)
	}
	if target.Status == ledger.StatusCompleted {
		fmt.Fprintf(a.Out, "%s already completed\n", txHash)
		return nil
	}

	chainID := target.ChainID
	if chainID == 0 {
		chainID = a.selectedChain()
	}
	client, err := a.newClient(chainID)
	if err != nil {
		return err
	}
	defer client.Close()

	actions := workflow.NewActions(nil, nil, led, a.metrics, a.Logger)
	receipt, err := actions.Confirm(ctx, client, common.HexToHash(txHash))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "%s confirmed in block %s\n", txHash, receipt.BlockNumber)
	return nil
}

// LedgerWatch prints the ledger every time it changes until interrupted.
func (a *App) LedgerWatch(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	led, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer closeLedger(led, a.Logger)

	entries, err := led.List(ctx)
	if err != nil {
		return err
	}
	writeEntries(a.Out, entries)

	events, err := led.Subscribe(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		fmt.Fprintf(a.Out, "\n-- %s --\n", ev.At.UTC().Format(time.RFC3339))
		writeEntries(a.Out, ev.Entries)
	}
	return nil
}

func writeEntries(out io.Writer, entries []ledger.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no ledger entries")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "Time (UTC)\tChain\tType\tAmount\tStatus\tTx")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s/%d\t%s\t%s %s\t%s\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Chain, e.ChainID,
			e.Type,
			e.Amount, e.Token,
			e.Status,
			e.TxHash,
		)
	}
}
