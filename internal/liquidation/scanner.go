// Package liquidation rebuilds the set of overdue destination loans by
// replaying LoanRequested events.
package liquidation

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"crosslend/internal/contracts"
	"crosslend/internal/metrics"
	"crosslend/internal/scheduler"
	"crosslend/internal/session"
)

// RiskPosition is one overdue, active and funded destination loan.
type RiskPosition struct {
	Borrower         common.Address
	LoanAmount       *big.Int
	CollateralAmount *big.Int
	RepaidAmount     *big.Int
	TotalDue         *big.Int
	DueTimestamp     int64
	Overdue          bool
	InterestRateBps  uint64
	Requests         int
}

// Report is the result of one full rescan.
type Report struct {
	Available      bool
	ChainID        uint64
	Positions      []RiskPosition
	Events         int
	Borrowers      int
	DecodeFailures int
	LookupFailures int
	FromBlock      uint64
	ToBlock        uint64
	ScannedAt      time.Time
	Duration       time.Duration
}

// Source is the destination contract surface the scanner reads.
type Source interface {
	LatestBlock(ctx context.Context) (uint64, error)
	LoanRequestedLogs(ctx context.Context, from, to uint64) ([]types.Log, error)
	LoanDetails(ctx context.Context, borrower common.Address) (contracts.DestinationLoan, error)
	TotalDue(ctx context.Context, borrower common.Address) (*big.Int, error)
}

// CollateralReader reads origin collateral for a borrower.
type CollateralReader interface {
	LoanDetails(ctx context.Context, borrower common.Address) (contracts.OriginLoan, error)
}

// Options configures a Scanner.
type Options struct {
	Interval      time.Duration
	FromBlock     uint64
	BlockRange    uint64
	Concurrency   int
	RatePerSecond float64
}

// Scanner performs full rescans. It never touches loan state owned by the
// synchronizer.
type Scanner struct {
	opts    Options
	origin  CollateralReader
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	latest atomic.Pointer[Report]
}

// New builds a scanner. origin may be nil, in which case positions carry no
// collateral amount.
func New(opts Options, origin CollateralReader, m *metrics.Metrics, logger zerolog.Logger) *Scanner {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.BlockRange == 0 {
		opts.BlockRange = 10_000
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &Scanner{
		opts:    opts,
		origin:  origin,
		limiter: rate.NewLimiter(limit, opts.Concurrency),
		metrics: m,
		logger:  logger.With().Str("component", "liquidation").Logger(),
		now:     time.Now,
	}
}

// ReportFunc receives every available report produced by a scheduled scan.
type ReportFunc func(ctx context.Context, r Report)

// Start schedules rescans against the current session.
func (s *Scanner) Start(ctx context.Context, sched *scheduler.Scheduler, sessions session.Source, fns ...ReportFunc) *scheduler.Task {
	return sched.Every(ctx, "liquidation-scan", s.opts.Interval, func(ctx context.Context, _ time.Time) error {
		report := s.Scan(ctx, sessions.Current())
		if !report.Available {
			return nil
		}
		for _, fn := range fns {
			fn(ctx, report)
		}
		return nil
	})
}

// Scan rescans the destination binding of sess. Sessions without a
// destination binding yield an unavailable report.
func (s *Scanner) Scan(ctx context.Context, sess *session.Session) Report {
	dest, ok := sess.Destination()
	if !ok {
		s.logger.Debug().Msg("scan unavailable: no destination binding")
		return Report{}
	}
	if err := sess.Verify(ctx); err != nil {
		s.logger.Warn().Err(err).Uint64("chain_id", sess.ChainID).Msg("scan unavailable: connection left the bound chain")
		return Report{}
	}
	return s.ScanSource(ctx, dest, sess.ChainID)
}

// ScanSource rescans an explicit source.
func (s *Scanner) ScanSource(ctx context.Context, src Source, chainID uint64) Report {
	started := s.now()
	report := Report{ChainID: chainID, FromBlock: s.opts.FromBlock}

	head, err := src.LatestBlock(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read head block failed")
		return report
	}
	report.ToBlock = head

	logs, err := s.fetchLogs(ctx, src, s.opts.FromBlock, head)
	if err != nil {
		s.logger.Warn().Err(err).Msg("fetch LoanRequested logs failed")
		return report
	}
	report.Events = len(logs)

	requests := make(map[common.Address]int)
	var order []common.Address
	for _, l := range logs {
		ev, err := contracts.DecodeLoanRequested(l)
		if err != nil {
			report.DecodeFailures++
			s.logger.Debug().Err(err).Str("tx", l.TxHash.Hex()).Uint("index", l.Index).Msg("skipping undecodable log")
			continue
		}
		if _, seen := requests[ev.Borrower]; !seen {
			order = append(order, ev.Borrower)
		}
		requests[ev.Borrower]++
	}
	report.Borrowers = len(order)

	nowMs := s.now().UnixMilli()
	var (
		mu        sync.Mutex
		positions []RiskPosition
		failures  int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, borrower := range order {
		borrower := borrower
		g.Go(func() error {
			pos, include, err := s.lookup(gctx, src, borrower, nowMs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				s.logger.Warn().Err(err).Str("borrower", borrower.Hex()).Msg("borrower lookup failed")
				return nil
			}
			if include {
				pos.Requests = requests[borrower]
				positions = append(positions, pos)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(positions, func(i, j int) bool {
		return bytes.Compare(positions[i].Borrower.Bytes(), positions[j].Borrower.Bytes()) < 0
	})
	report.Positions = positions
	report.LookupFailures = failures
	report.Available = true
	report.ScannedAt = s.now()
	report.Duration = report.ScannedAt.Sub(started)

	s.latest.Store(&report)
	s.metrics.ObserveScan(report.Duration, len(positions), report.DecodeFailures)
	s.logger.Info().
		Int("events", report.Events).
		Int("borrowers", report.Borrowers).
		Int("at_risk", len(positions)).
		Int("decode_failures", report.DecodeFailures).
		Int("lookup_failures", failures).
		Dur("duration", report.Duration).
		Msg("liquidation scan completed")
	return report
}

// Latest returns the last completed scan.
func (s *Scanner) Latest() (Report, bool) {
	r := s.latest.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

func (s *Scanner) fetchLogs(ctx context.Context, src Source, from, to uint64) ([]types.Log, error) {
	var out []types.Log
	if from > to {
		return out, nil
	}
	for start := from; ; {
		end := start + s.opts.BlockRange - 1
		if end > to || end < start {
			end = to
		}
		logs, err := src.LoanRequestedLogs(ctx, start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, logs...)
		if end == to {
			return out, nil
		}
		start = end + 1
	}
}

func (s *Scanner) lookup(ctx context.Context, src Source, borrower common.Address, nowMs int64) (RiskPosition, bool, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return RiskPosition{}, false, err
	}
	loan, err := src.LoanDetails(ctx, borrower)
	if err != nil {
		return RiskPosition{}, false, fmt.Errorf("loan details: %w", err)
	}
	if !loan.Active || !loan.Funded {
		return RiskPosition{}, false, nil
	}
	if !Overdue(nowMs, loan.DueDate) {
		return RiskPosition{}, false, nil
	}
	// overdue implies due < now, so it fits in seconds
	due := loan.DueDate.Int64()

	totalDue, err := src.TotalDue(ctx, borrower)
	if err != nil {
		return RiskPosition{}, false, fmt.Errorf("total due: %w", err)
	}
	pos := RiskPosition{
		Borrower:     borrower,
		LoanAmount:   loan.Amount,
		RepaidAmount: loan.RepaidAmount,
		TotalDue:     totalDue,
		DueTimestamp: due,
		Overdue:      true,
	}
	if loan.InterestRate != nil && loan.InterestRate.IsUint64() {
		pos.InterestRateBps = loan.InterestRate.Uint64()
	}
	if s.origin != nil {
		originLoan, err := s.origin.LoanDetails(ctx, borrower)
		if err != nil {
			s.logger.Debug().Err(err).Str("borrower", borrower.Hex()).Msg("origin collateral unavailable")
		} else {
			pos.CollateralAmount = originLoan.Collateral
		}
	}
	return pos, true, nil
}

// Overdue reports whether a loan due at dueSeconds is past due at nowMs. The
// comparison is strict: a loan due exactly now is not overdue. A nil due
// date is never overdue.
func Overdue(nowMs int64, dueSeconds *big.Int) bool {
	if dueSeconds == nil {
		return false
	}
	dueMs := new(big.Int).Mul(dueSeconds, big.NewInt(1000))
	return big.NewInt(nowMs).Cmp(dueMs) > 0
}
