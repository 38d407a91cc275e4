package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crosslend/internal/chain"
	"crosslend/internal/scheduler"
)

// NetworkWatcher detects when the wallet connection starts serving a different
// chain and switches the session.
type NetworkWatcher struct {
	manager  *Manager
	conn     chain.Connection
	interval time.Duration
	logger   zerolog.Logger
}

// NewNetworkWatcher builds a watcher over conn.
func NewNetworkWatcher(manager *Manager, conn chain.Connection, interval time.Duration, logger zerolog.Logger) *NetworkWatcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &NetworkWatcher{
		manager:  manager,
		conn:     conn,
		interval: interval,
		logger:   logger.With().Str("component", "network_watcher").Logger(),
	}
}

// Start schedules the watcher. Stop the returned task to tear it down.
func (w *NetworkWatcher) Start(ctx context.Context, sched *scheduler.Scheduler) *scheduler.Task {
	return sched.Every(ctx, "network-watch", w.interval, w.Check)
}

// Check compares the live chain id with the current session and switches on mismatch.
func (w *NetworkWatcher) Check(ctx context.Context, _ time.Time) error {
	cur := w.manager.Current()
	id, err := w.conn.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	if cur.Conn == w.conn && id.IsUint64() && id.Uint64() == cur.ChainID {
		return nil
	}

	w.logger.Info().Uint64("from", cur.ChainID).Str("to", id.String()).Msg("network change detected")
	_, err = w.manager.Switch(ctx, w.conn, cur.Account)
	return err
}
