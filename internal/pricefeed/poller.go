// Package pricefeed polls the oracle-backed prices exposed by the origin
// lending contract.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crosslend/internal/metrics"
	"crosslend/internal/scheduler"
	"crosslend/internal/session"
)

// Oracle prices are scaled by 1e8.
const priceExponent = -8

// ErrUnavailable is reported when the session has no origin binding.
var ErrUnavailable = errors.New("price feed unavailable")

// Oracle is the origin contract price surface.
type Oracle interface {
	MaticPrice(ctx context.Context) (*big.Int, error)
	EthPrice(ctx context.Context) (*big.Int, error)
}

// Snapshot is the last-known price pair. Err is set when the latest poll
// failed; the prices then keep their previous values.
type Snapshot struct {
	Matic     decimal.Decimal
	Eth       decimal.Decimal
	UpdatedAt time.Time
	CheckedAt time.Time
	Err       error
	Available bool
	Stale     bool
}

// Options configures the poller.
type Options struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// Poller keeps the latest accepted price snapshot.
type Poller struct {
	sessions session.Source
	opts     Options
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	latest atomic.Pointer[Snapshot]
}

// New builds a poller reading through the current session's origin binding.
func New(sessions session.Source, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 3 * opts.Interval
	}
	p := &Poller{
		sessions: sessions,
		opts:     opts,
		metrics:  m,
		logger:   logger.With().Str("component", "pricefeed").Logger(),
		now:      time.Now,
	}
	p.latest.Store(&Snapshot{})
	return p
}

// Start schedules polling on sched.
func (p *Poller) Start(ctx context.Context, sched *scheduler.Scheduler) *scheduler.Task {
	return sched.Every(ctx, "price-poll", p.opts.Interval, func(ctx context.Context, _ time.Time) error {
		p.Poll(ctx)
		return nil
	})
}

// Poll reads both prices once. A result whose session was replaced while the
// read was in flight is discarded.
func (p *Poller) Poll(ctx context.Context) Snapshot {
	sess := p.sessions.Current()
	origin, ok := sess.Origin()
	if !ok {
		p.metrics.ObservePricePoll("unavailable")
		return p.record(Snapshot{}, ErrUnavailable)
	}

	matic, eth, err := fetch(ctx, origin)
	if !p.sessions.IsCurrent(sess) {
		p.logger.Debug().Uint64("generation", sess.Generation).Msg("discarding price poll from replaced session")
		p.metrics.ObservePricePoll("discarded")
		return p.Latest()
	}
	if err != nil {
		p.logger.Warn().Err(err).Msg("price poll failed")
		p.metrics.ObservePricePoll("error")
		return p.record(Snapshot{}, err)
	}

	p.metrics.ObservePricePoll("ok")
	p.metrics.SetPrice("MATIC", matic.InexactFloat64())
	p.metrics.SetPrice("ETH", eth.InexactFloat64())
	p.logger.Debug().Str("matic", matic.String()).Str("eth", eth.String()).Msg("prices updated")

	now := p.now()
	return p.record(Snapshot{Matic: matic, Eth: eth, UpdatedAt: now, Available: true}, nil)
}

// Latest returns the current snapshot with its staleness evaluated now.
func (p *Poller) Latest() Snapshot {
	snap := *p.latest.Load()
	snap.Stale = snap.Available && p.now().Sub(snap.UpdatedAt) > p.opts.StaleAfter
	return snap
}

func (p *Poller) record(fresh Snapshot, err error) Snapshot {
	now := p.now()
	if err == nil {
		fresh.CheckedAt = now
		p.latest.Store(&fresh)
		return fresh
	}
	prev := *p.latest.Load()
	if errors.Is(err, ErrUnavailable) {
		prev = Snapshot{}
	}
	prev.Err = err
	prev.CheckedAt = now
	p.latest.Store(&prev)
	return p.Latest()
}

func fetch(ctx context.Context, o Oracle) (decimal.Decimal, decimal.Decimal, error) {
	rawMatic, err := o.MaticPrice(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("matic price: %w", err)
	}
	rawEth, err := o.EthPrice(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("eth price: %w", err)
	}
	return Scale(rawMatic), Scale(rawEth), nil
}

// Scale converts a 1e8-scaled oracle answer to USD.
func Scale(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, priceExponent)
}
