package loanstate

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"crosslend/internal/collateral"
	"crosslend/internal/contracts"
	"crosslend/internal/metrics"
	"crosslend/internal/session"
)

// LoanRecord is the normalized origin loan of one borrower.
type LoanRecord struct {
	Collateral         *big.Int
	LoanAmount         *big.Int
	DestinationChainID uint64
	InterestRateBps    uint64
	CreditScore        uint64
	DurationDays       uint64
	Active             bool
}

// CollateralStatus is derived from a LoanRecord on every pull.
type CollateralStatus struct {
	FullyCollateralized bool
	Required            *big.Int
}

// View is an immutable snapshot handed to consumers. Requested keeps the raw
// on-chain loan amount, which Record zeroes while no collateral is held.
type View struct {
	Borrower   common.Address
	ChainID    uint64
	Generation uint64
	Record     LoanRecord
	Status     CollateralStatus
	Requested  *big.Int
	SyncedAt   time.Time
}

// Pending reports a requested loan that is not yet active.
func (v View) Pending() bool {
	return !v.Record.Active && v.Requested != nil && v.Requested.Sign() > 0
}

// Reader is the origin contract surface the synchronizer needs.
type Reader interface {
	LoanDetails(ctx context.Context, borrower common.Address) (contracts.OriginLoan, error)
	collateral.Source
}

// Derive normalizes a raw origin record and computes its collateral status.
// Only Active implies sufficiency; collateral presence alone does not.
func Derive(ctx context.Context, raw contracts.OriginLoan, src collateral.Source) (LoanRecord, CollateralStatus, error) {
	rec := LoanRecord{
		Collateral:         orZero(raw.Collateral),
		LoanAmount:         orZero(raw.LoanAmount),
		DestinationChainID: toUint64(raw.DestinationChainID),
		InterestRateBps:    toUint64(raw.InterestRate),
		CreditScore:        toUint64(raw.CreditScore),
		DurationDays:       toUint64(raw.DurationDays),
		Active:             raw.Active,
	}

	switch {
	case rec.Active:
		return rec, CollateralStatus{FullyCollateralized: true, Required: new(big.Int)}, nil
	case rec.Collateral.Sign() == 0:
		rec.LoanAmount = new(big.Int)
		return rec, CollateralStatus{FullyCollateralized: false, Required: new(big.Int)}, nil
	default:
		required, err := collateral.Required(ctx, src, rec.LoanAmount)
		if err != nil {
			return LoanRecord{}, CollateralStatus{}, fmt.Errorf("required collateral: %w", err)
		}
		return rec, CollateralStatus{FullyCollateralized: false, Required: required}, nil
	}
}

// Synchronizer pulls the loan record of the session account. Pulls are full
// replacements; the most recently completed pull is the one retained.
type Synchronizer struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	latest  atomic.Pointer[View]
}

// New constructs a Synchronizer.
func New(logger zerolog.Logger, m *metrics.Metrics) *Synchronizer {
	return &Synchronizer{
		logger:  logger.With().Str("component", "loanstate").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// Sync pulls the loan of sess.Account from the origin binding. It returns
// false when the session has no origin binding or no account, or when the
// read fails; failures are logged and never returned.
func (s *Synchronizer) Sync(ctx context.Context, sess *session.Session) (View, bool) {
	origin, ok := sess.Origin()
	if !ok || !sess.HasAccount() {
		s.logger.Debug().Msg("loan state unavailable: no origin binding or account")
		s.metrics.ObserveSync("unavailable")
		return View{}, false
	}
	if err := sess.Verify(ctx); err != nil {
		s.logger.Warn().Err(err).Uint64("chain_id", sess.ChainID).Msg("loan state unavailable: connection left the bound chain")
		s.metrics.ObserveSync("unavailable")
		return View{}, false
	}
	return s.SyncWith(ctx, origin, sess.Account, sess.ChainID, sess.Generation)
}

// SyncWith pulls through an explicit reader.
func (s *Synchronizer) SyncWith(ctx context.Context, reader Reader, borrower common.Address, chainID, generation uint64) (View, bool) {
	if reader == nil || borrower == (common.Address{}) {
		s.metrics.ObserveSync("unavailable")
		return View{}, false
	}

	raw, err := reader.LoanDetails(ctx, borrower)
	if err != nil {
		s.logger.Warn().Err(err).Str("borrower", borrower.Hex()).Msg("loan details read failed")
		s.metrics.ObserveSync("error")
		return View{}, false
	}

	rec, status, err := Derive(ctx, raw, reader)
	if err != nil {
		s.logger.Warn().Err(err).Str("borrower", borrower.Hex()).Msg("collateral status derivation failed")
		s.metrics.ObserveSync("error")
		return View{}, false
	}

	view := View{
		Borrower:   borrower,
		ChainID:    chainID,
		Generation: generation,
		Record:     rec,
		Status:     status,
		Requested:  orZero(raw.LoanAmount),
		SyncedAt:   s.now(),
	}
	s.latest.Store(&view)
	s.metrics.ObserveSync("ok")

	s.logger.Debug().
		Str("borrower", borrower.Hex()).
		Bool("active", rec.Active).
		Str("collateral", rec.Collateral.String()).
		Str("loan_amount", rec.LoanAmount.String()).
		Str("required", status.Required.String()).
		Msg("loan state synced")
	return view, true
}

// Latest returns the last completed pull.
func (s *Synchronizer) Latest() (View, bool) {
	v := s.latest.Load()
	if v == nil {
		return View{}, false
	}
	return *v, true
}

// LatestFor returns the last completed pull if it belongs to sess's account and chain.
func (s *Synchronizer) LatestFor(sess *session.Session) (View, bool) {
	v, ok := s.Latest()
	if !ok || sess == nil || v.Borrower != sess.Account || v.ChainID != sess.ChainID {
		return View{}, false
	}
	return v, true
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func toUint64(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}
