package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"crosslend/internal/collateral"
	"crosslend/internal/liquidation"
)

// ScanOptions configure the one-shot liquidation scan.
type ScanOptions struct {
	CSVPath string
	PNGPath string
}

// Scan rescans the selected destination chain once and prints the overdue positions.
func (a *App) Scan(ctx context.Context, opts ScanOptions) error {
	rt, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	sess := rt.sessions.Current()
	if _, ok := sess.Destination(); !ok {
		return fmt.Errorf("chain %d is not a configured destination; select one with --chain", sess.ChainID)
	}
	token, _ := sess.Token()
	a.checkTokenDecimals(ctx, nil, token)

	var origin liquidation.CollateralReader
	if o := a.originReader(rt); o != nil {
		origin = o
	}
	scanner := liquidation.New(liquidation.Options{
		FromBlock:     a.Config.Scan.FromBlock,
		BlockRange:    a.Config.Scan.BlockRange,
		Concurrency:   a.Config.Scan.Concurrency,
		RatePerSecond: a.Config.Scan.RatePerSecond,
	}, origin, a.metrics, a.Logger)

	report := scanner.Scan(ctx, sess)
	if !report.Available {
		return errors.New("scan unavailable; see log for the failing read")
	}
	a.Logger.Info().
		Int("events", report.Events).
		Int("borrowers", report.Borrowers).
		Int("at_risk", len(report.Positions)).
		Int("decode_failures", report.DecodeFailures).
		Int("lookup_failures", report.LookupFailures).
		Dur("duration", report.Duration).
		Msg("scan complete")

	decimals := token.Decimals()
	symbol := token.Symbol()
	writePositions(a.Out, report, decimals, symbol)

	if opts.CSVPath != "" {
		if err := writePositionsCSV(a.exportPath(opts.CSVPath), report, decimals); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if len(report.Positions) == 0 {
			a.Logger.Info().Msg("no positions at risk; chart skipped")
			return nil
		}
		if err := writePositionsPNG(a.exportPath(opts.PNGPath), report, decimals, symbol); err != nil {
			return err
		}
	}
	return nil
}

// exportPath places relative export paths under the configured export directory.
func (a *App) exportPath(p string) string {
	dir := a.Config.Export.Directory
	if dir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func writePositions(out io.Writer, report liquidation.Report, decimals uint8, symbol string) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	if len(report.Positions) == 0 {
		fmt.Fprintf(w, "no overdue positions (%d borrowers, %d events)\n", report.Borrowers, report.Events)
		return
	}
	fmt.Fprintf(w, "Borrower\tLoan (%s)\tRepaid\tTotal due\tCollateral\tDue (UTC)\tRequests\n", symbol)
	for _, p := range report.Positions {
		coll := "-"
		if p.CollateralAmount != nil {
			coll = collateral.ToUnits(p.CollateralAmount, nativeDecimals).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			p.Borrower.Hex(),
			collateral.ToUnits(p.LoanAmount, decimals),
			collateral.ToUnits(p.RepaidAmount, decimals),
			collateral.ToUnits(p.TotalDue, decimals),
			coll,
			time.Unix(p.DueTimestamp, 0).UTC().Format(time.RFC3339),
			p.Requests,
		)
	}
}

func writePositionsCSV(path string, report liquidation.Report, decimals uint8) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"borrower", "loan_amount", "repaid_amount", "total_due", "collateral_amount", "due_ts", "interest_rate_bps", "requests"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range report.Positions {
		coll := ""
		if p.CollateralAmount != nil {
			coll = collateral.ToUnits(p.CollateralAmount, nativeDecimals).String()
		}
		record := []string{
			p.Borrower.Hex(),
			collateral.ToUnits(p.LoanAmount, decimals).String(),
			collateral.ToUnits(p.RepaidAmount, decimals).String(),
			collateral.ToUnits(p.TotalDue, decimals).String(),
			coll,
			time.Unix(p.DueTimestamp, 0).UTC().Format(time.RFC3339),
			strconv.FormatUint(p.InterestRateBps, 10),
			strconv.Itoa(p.Requests),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePositionsPNG(path string, report liquidation.Report, decimals uint8, symbol string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	bars := make([]chart.Value, 0, len(report.Positions))
	maxDue := 0.0
	for _, p := range report.Positions {
		hex := p.Borrower.Hex()
		due := collateral.ToUnits(p.TotalDue, decimals).InexactFloat64()
		if due > maxDue {
			maxDue = due
		}
		bars = append(bars, chart.Value{
			Label: hex[:6] + ".." + hex[len(hex)-4:],
			Value: due,
		})
	}
	if maxDue == 0 {
		maxDue = 1
	}

	graph := chart.BarChart{
		Title:    fmt.Sprintf("Overdue positions: total due (%s)", symbol),
		Width:    1280,
		Height:   720,
		BarWidth: 40,
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: 0, Max: maxDue * 1.1},
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
