package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"crosslend/internal/collateral"
	"crosslend/internal/contracts"
	"crosslend/internal/liquidation"
)

// RiskAlerter notifies about overdue positions, at most once per borrower per cooldown.
type RiskAlerter struct {
	notifier Notifier
	registry *contracts.Registry
	cooldown time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	sent map[common.Address]time.Time
}

// NewRiskAlerter constructs an alerter. A zero cooldown alerts a borrower only once.
func NewRiskAlerter(notifier Notifier, registry *contracts.Registry, cooldown time.Duration, logger zerolog.Logger) *RiskAlerter {
	return &RiskAlerter{
		notifier: notifier,
		registry: registry,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "alerting").Logger(),
		now:      time.Now,
		sent:     make(map[common.Address]time.Time),
	}
}

// Observe is a liquidation.ReportFunc.
func (r *RiskAlerter) Observe(ctx context.Context, report liquidation.Report) {
	if !report.Available || len(report.Positions) == 0 {
		return
	}
	spec, _ := r.registry.Spec(report.ChainID)
	now := r.now()

	r.mu.Lock()
	fresh := make([]liquidation.RiskPosition, 0, len(report.Positions))
	for _, p := range report.Positions {
		last, seen := r.sent[p.Borrower]
		if seen && (r.cooldown <= 0 || now.Sub(last) < r.cooldown) {
			continue
		}
		fresh = append(fresh, p)
	}
	r.mu.Unlock()
	if len(fresh) == 0 {
		return
	}

	note := Notification{
		ChainID:   report.ChainID,
		Network:   spec.Name,
		Token:     spec.TokenSymbol,
		ScannedAt: report.ScannedAt,
		Positions: make([]Position, 0, len(fresh)),
	}
	for _, p := range fresh {
		note.Positions = append(note.Positions, Position{
			Borrower: p.Borrower.Hex(),
			TotalDue: collateral.ToUnits(p.TotalDue, spec.TokenDecimals),
			DueAt:    time.Unix(p.DueTimestamp, 0),
		})
	}

	if err := r.notifier.Notify(ctx, note); err != nil {
		r.logger.Error().Err(err).Int("positions", len(fresh)).Msg("failed to dispatch liquidation alert")
		return
	}

	r.mu.Lock()
	for _, p := range fresh {
		r.sent[p.Borrower] = now
	}
	r.mu.Unlock()
}

var _ liquidation.ReportFunc = (*RiskAlerter)(nil).Observe
