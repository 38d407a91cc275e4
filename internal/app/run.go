package app

import (
	"context"
	"os/signal"
	"syscall"

	"crosslend/internal/alerting"
	"crosslend/internal/api"
	"crosslend/internal/liquidation"
	"crosslend/internal/loanstate"
	"crosslend/internal/pricefeed"
	"crosslend/internal/scheduler"
	"crosslend/internal/service"
	"crosslend/internal/session"
)

// Run executes the long-running coordinator.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	led, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer closeLedger(led, a.Logger)

	cfg := a.Config
	loans := loanstate.New(a.Logger, a.metrics)
	prices := pricefeed.New(rt.sessions, pricefeed.Options{
		Interval:   cfg.PriceFeed.Interval,
		StaleAfter: cfg.PriceFeed.StaleAfter,
	}, a.metrics, a.Logger)

	var collateral liquidation.CollateralReader
	if origin := a.originReader(rt); origin != nil {
		collateral = origin
	}
	scanner := liquidation.New(liquidation.Options{
		Interval:      cfg.Scan.Interval,
		FromBlock:     cfg.Scan.FromBlock,
		BlockRange:    cfg.Scan.BlockRange,
		Concurrency:   cfg.Scan.Concurrency,
		RatePerSecond: cfg.Scan.RatePerSecond,
	}, collateral, a.metrics, a.Logger)

	var server *api.Server
	if cfg.API.Listen != "" {
		server = api.New(api.Config{
			Listen:   cfg.API.Listen,
			Sessions: rt.sessions,
			Loans:    loans,
			Prices:   prices,
			Risk:     scanner,
			Ledger:   led,
			Metrics:  a.metrics,
			Logger:   a.Logger,
		})
	}

	var hooks []liquidation.ReportFunc
	if alerter := a.riskAlerter(rt); alerter != nil {
		hooks = append(hooks, alerter.Observe)
	}

	svc := service.New(service.Components{
		Scheduler:    scheduler.New(scheduler.Options{Interval: cfg.Sync.Interval}, a.Logger),
		Sessions:     rt.sessions,
		Watcher:      session.NewNetworkWatcher(rt.sessions, rt.client, cfg.Session.WatchInterval, a.Logger),
		Loans:        loans,
		Prices:       prices,
		Scanner:      scanner,
		Ledger:       led,
		API:          server,
		OnReport:     hooks,
		SyncInterval: cfg.Sync.Interval,
	}, a.Logger)

	a.Logger.Info().Uint64("chain_id", a.selectedChain()).Str("account", rt.sessions.Current().Account.Hex()).Msg("starting coordinator")
	if err := svc.Run(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("coordinator terminated with error")
		return err
	}
	a.Logger.Info().Msg("coordinator stopped")
	return nil
}

// riskAlerter returns nil when no alert channel is enabled.
func (a *App) riskAlerter(rt *runtime) *alerting.RiskAlerter {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return nil
	}
	if !cfg.Telegram.Enabled {
		a.Logger.Warn().Msg("alerting enabled without a channel; overdue loans will only be logged")
		return nil
	}
	tg := alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Telegram.Timeout, a.Logger)
	return alerting.NewRiskAlerter(tg, rt.registry, cfg.Cooldown, a.Logger)
}
