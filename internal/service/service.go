package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crosslend/internal/api"
	"crosslend/internal/ledger"
	"crosslend/internal/liquidation"
	"crosslend/internal/loanstate"
	"crosslend/internal/pricefeed"
	"crosslend/internal/scheduler"
	"crosslend/internal/session"
)

// Components are the long-running parts the service drives. Watcher, Ledger,
// API and OnReport are optional.
type Components struct {
	Scheduler    *scheduler.Scheduler
	Sessions     *session.Manager
	Watcher      *session.NetworkWatcher
	Loans        *loanstate.Synchronizer
	Prices       *pricefeed.Poller
	Scanner      *liquidation.Scanner
	Ledger       *ledger.Ledger
	API          *api.Server
	OnReport     []liquidation.ReportFunc
	SyncInterval time.Duration
}

// Service orchestrates polling, syncing, scanning and the status API.
type Service struct {
	c      Components
	logger zerolog.Logger
}

// New constructs the coordinator service.
func New(c Components, logger zerolog.Logger) *Service {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 15 * time.Second
	}
	return &Service{c: c, logger: logger.With().Str("component", "service").Logger()}
}

// Run starts every task and blocks until ctx ends or a component fails.
func (s *Service) Run(ctx context.Context) error {
	if s.c.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if s.c.Sessions == nil || s.c.Loans == nil || s.c.Prices == nil || s.c.Scanner == nil {
		return fmt.Errorf("service components not configured")
	}
	defer s.c.Scheduler.Close()

	// subscribe before the first tick so no session change is missed
	changes, unsubscribe := s.c.Sessions.Subscribe()
	defer unsubscribe()

	if s.c.Watcher != nil {
		s.c.Watcher.Start(ctx, s.c.Scheduler)
	}
	priceTask := s.c.Prices.Start(ctx, s.c.Scheduler)
	syncTask := s.c.Scheduler.Every(ctx, "loan-sync", s.c.SyncInterval, s.SyncLoan)
	scanTask := s.c.Scanner.Start(ctx, s.c.Scheduler, s.c.Sessions, s.c.OnReport...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.followSessions(gctx, changes, priceTask, syncTask, scanTask)
	})
	if s.c.Ledger != nil {
		g.Go(func() error { return s.followLedger(gctx) })
	}
	if s.c.API != nil {
		g.Go(func() error { return s.c.API.Run(gctx) })
	}

	s.logger.Info().Msg("coordinator started")
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// SyncLoan pulls the loan of the current session once.
func (s *Service) SyncLoan(ctx context.Context, _ time.Time) error {
	view, ok := s.c.Loans.Sync(ctx, s.c.Sessions.Current())
	if !ok {
		return nil
	}
	s.logger.Debug().
		Str("borrower", view.Borrower.Hex()).
		Bool("active", view.Record.Active).
		Bool("fully_collateralized", view.Status.FullyCollateralized).
		Msg("loan state synced")
	return nil
}

// Every session change re-runs the session-scoped tasks immediately; results
// still in flight for the old session are discarded by the components.
func (s *Service) followSessions(ctx context.Context, changes <-chan *session.Session, tasks ...*scheduler.Task) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sess, ok := <-changes:
			if !ok {
				return nil
			}
			s.logger.Info().Uint64("generation", sess.Generation).Uint64("chain_id", sess.ChainID).Bool("bound", sess.Bindings.Bound()).Msg("session changed; refreshing")
			for _, t := range tasks {
				t.Trigger()
			}
		}
	}
}

func (s *Service) followLedger(ctx context.Context) error {
	events, err := s.c.Ledger.Subscribe(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ledger change notifications unavailable")
		return nil
	}
	for ev := range events {
		pending := 0
		for _, e := range ev.Entries {
			if e.Status == ledger.StatusPending {
				pending++
			}
		}
		s.logger.Info().Int("entries", len(ev.Entries)).Int("pending", pending).Msg("ledger changed")
	}
	return nil
}
