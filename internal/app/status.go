package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"crosslend/internal/collateral"
	"crosslend/internal/contracts"
	"crosslend/internal/loanstate"
	"crosslend/internal/pricefeed"
	"crosslend/internal/scheduler"
)

const nativeDecimals = 18

// Status prints the session, the loan state on the connected chain and the
// current oracle prices.
func (a *App) Status(ctx context.Context) error {
	rt, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	sess := rt.sessions.Current()
	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Chain\t%d\n", sess.ChainID)
	if sess.Bindings.Bound() {
		fmt.Fprintf(w, "Network\t%s (%s)\n", sess.Bindings.Spec.Name, sess.Bindings.Spec.Role)
	} else {
		fmt.Fprintln(w, "Network\tunconfigured")
	}
	if sess.HasAccount() {
		fmt.Fprintf(w, "Account\t%s\n", sess.Account.Hex())
	} else {
		fmt.Fprintln(w, "Account\tnone")
	}

	if origin, ok := sess.Origin(); ok {
		snap := pricefeed.New(rt.sessions, pricefeed.Options{}, a.metrics, a.Logger).Poll(ctx)
		writePrices(w, snap)

		view, ok := loanstate.New(a.Logger, a.metrics).Sync(ctx, sess)
		if !ok {
			fmt.Fprintln(w, "Loan\tunavailable")
			return nil
		}
		a.writeOriginLoan(w, rt.registry, view, snap)
		if view.Pending() && view.Status.Required.Sign() == 0 {
			if required, err := collateral.Required(ctx, origin, view.Requested); err == nil {
				fmt.Fprintf(w, "Collateral due\t%s %s\n", collateral.ToUnits(required, nativeDecimals), rt.registry.OriginSpec().NativeSymbol)
			}
		}
		return nil
	}

	if token, ok := sess.Token(); ok {
		a.checkTokenDecimals(ctx, w, token)
	}
	if dest, ok := sess.Destination(); ok && sess.HasAccount() {
		loan, err := dest.LoanDetails(ctx, sess.Account)
		if err != nil {
			return fmt.Errorf("read destination loan: %w", err)
		}
		token, _ := sess.Token()
		writeDestinationLoan(w, loan, token)
		if loan.Active {
			if due, err := dest.TotalDue(ctx, sess.Account); err == nil {
				fmt.Fprintf(w, "Total due\t%s %s\n", collateral.ToUnits(due, token.Decimals()), token.Symbol())
			}
		}
		if balance, err := token.BalanceOf(ctx, sess.Account); err == nil {
			fmt.Fprintf(w, "Balance\t%s %s\n", collateral.ToUnits(balance, token.Decimals()), token.Symbol())
		}
	}
	return nil
}

// Prices polls the origin oracle once.
func (a *App) Prices(ctx context.Context, watch time.Duration) error {
	a.ChainID = a.Config.Origin.ChainID
	rt, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	poller := pricefeed.New(rt.sessions, pricefeed.Options{StaleAfter: a.Config.PriceFeed.StaleAfter}, a.metrics, a.Logger)
	if watch <= 0 {
		snap := poller.Poll(ctx)
		if !snap.Available {
			return fmt.Errorf("prices unavailable: %w", snap.Err)
		}
		w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		defer w.Flush()
		writePrices(w, snap)
		return nil
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{Interval: watch, AlignToStart: true}, a.Logger)
	err = sched.Run(ctx, func(ctx context.Context, tick time.Time) error {
		snap := poller.Poll(ctx)
		if !snap.Available {
			fmt.Fprintf(a.Out, "%s  unavailable (%v)\n", tick.Format(time.RFC3339), snap.Err)
			return nil
		}
		fmt.Fprintf(a.Out, "%s  MATIC/USD %s  ETH/USD %s\n", tick.Format(time.RFC3339), snap.Matic.StringFixed(4), snap.Eth.StringFixed(2))
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// checkTokenDecimals compares the configured token_decimals with decimals()
// on the token contract. A mismatch is reported to w and logged.
func (a *App) checkTokenDecimals(ctx context.Context, w io.Writer, token *contracts.Token) bool {
	if token == nil {
		return true
	}
	onChain, err := token.OnChainDecimals(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Str("token", token.Symbol()).Msg("could not read token decimals")
		return true
	}
	if onChain == token.Decimals() {
		return true
	}
	a.Logger.Warn().
		Str("token", token.Symbol()).
		Uint8("configured", token.Decimals()).
		Uint8("on_chain", onChain).
		Msg("configured token_decimals differs from the token contract")
	if w != nil {
		fmt.Fprintf(w, "Warning\t%s reports %d decimals, configured %d\n", token.Symbol(), onChain, token.Decimals())
	}
	return false
}

func writePrices(w *tabwriter.Writer, snap pricefeed.Snapshot) {
	if !snap.Available {
		fmt.Fprintf(w, "Prices\tunavailable (%v)\n", snap.Err)
		return
	}
	fmt.Fprintf(w, "MATIC/USD\t%s\n", snap.Matic.StringFixed(4))
	fmt.Fprintf(w, "ETH/USD\t%s\n", snap.Eth.StringFixed(2))
	fmt.Fprintf(w, "Updated\t%s\n", snap.UpdatedAt.UTC().Format(time.RFC3339))
}

func (a *App) writeOriginLoan(w *tabwriter.Writer, reg *contracts.Registry, view loanstate.View, snap pricefeed.Snapshot) {
	rec := view.Record
	native := reg.OriginSpec().NativeSymbol
	dest, _ := reg.Spec(rec.DestinationChainID)

	fmt.Fprintf(w, "Active\t%t\n", rec.Active)
	fmt.Fprintf(w, "Fully collateralized\t%t\n", view.Status.FullyCollateralized)
	fmt.Fprintf(w, "Collateral\t%s %s\n", collateral.ToUnits(rec.Collateral, nativeDecimals), native)
	fmt.Fprintf(w, "Loan amount\t%s %s\n", collateral.ToUnits(view.Requested, dest.TokenDecimals), dest.TokenSymbol)
	if rec.DestinationChainID != 0 {
		fmt.Fprintf(w, "Destination\t%d %s\n", rec.DestinationChainID, dest.Name)
		fmt.Fprintf(w, "Interest\t%s%%\n", decimal.New(int64(rec.InterestRateBps), -2))
		fmt.Fprintf(w, "Duration\t%d days\n", rec.DurationDays)
		fmt.Fprintf(w, "Credit score\t%d\n", rec.CreditScore)
	}
	if view.Status.Required.Sign() > 0 {
		fmt.Fprintf(w, "Collateral due\t%s %s\n", collateral.ToUnits(view.Status.Required, nativeDecimals), native)
	}
	if snap.Available && rec.Collateral.Sign() > 0 && view.Requested.Sign() > 0 {
		ratio := collateral.Ratio(rec.Collateral, nativeDecimals, snap.Matic, view.Requested, dest.TokenDecimals, loanTokenPrice(dest.TokenSymbol, snap))
		fmt.Fprintf(w, "Collateral ratio\t%s%%\n", ratio)
	}
}

func writeDestinationLoan(w *tabwriter.Writer, loan contracts.DestinationLoan, token *contracts.Token) {
	fmt.Fprintf(w, "Active\t%t\n", loan.Active)
	fmt.Fprintf(w, "Funded\t%t\n", loan.Funded)
	fmt.Fprintf(w, "Amount\t%s %s\n", collateral.ToUnits(loan.Amount, token.Decimals()), token.Symbol())
	fmt.Fprintf(w, "Repaid\t%s %s\n", collateral.ToUnits(loan.RepaidAmount, token.Decimals()), token.Symbol())
	if loan.DueDate != nil && loan.DueDate.Sign() > 0 {
		fmt.Fprintf(w, "Due\t%s\n", time.Unix(loan.DueDate.Int64(), 0).UTC().Format(time.RFC3339))
	}
}

// Stable tokens are priced at one dollar; ETH-denominated tokens use the oracle.
func loanTokenPrice(symbol string, snap pricefeed.Snapshot) decimal.Decimal {
	if strings.Contains(strings.ToUpper(symbol), "ETH") {
		return snap.Eth
	}
	return decimal.NewFromInt(1)
}
