package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"crosslend/internal/chain"
	"crosslend/internal/config"
	"crosslend/internal/contracts"
	"crosslend/internal/ledger"
	"crosslend/internal/metrics"
	"crosslend/internal/session"
	"crosslend/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// ChainID selects the network the session connects to. Zero means the origin chain.
	ChainID uint64
	Out     io.Writer

	metrics *metrics.Metrics
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config:  cfg,
		Logger:  logger.With().Str("component", "app").Logger(),
		Out:     os.Stdout,
		metrics: metrics.New(),
	}
}

// Metrics returns the shared collector set.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// runtime is the connected state shared by one command invocation.
type runtime struct {
	registry *contracts.Registry
	client   *chain.Client
	sessions *session.Manager
	tx       *chain.Transactor
	clients  map[uint64]*chain.Client
}

func (r *runtime) Close() {
	r.sessions.End()
	for _, c := range r.clients {
		c.Close()
	}
}

func (a *App) selectedChain() uint64 {
	if a.ChainID != 0 {
		return a.ChainID
	}
	return a.Config.Origin.ChainID
}

func (a *App) newClient(chainID uint64) (*chain.Client, error) {
	url, ok := a.Config.RPCURL(chainID)
	if !ok {
		return nil, fmt.Errorf("chain %d: %w", chainID, chain.ErrNotConfigured)
	}
	name := fmt.Sprintf("%d", chainID)
	for _, spec := range a.Config.ChainSpecs() {
		if spec.ChainID == chainID && spec.Name != "" {
			name = spec.Name
		}
	}
	return chain.NewClient(chain.Options{
		Name:    name,
		RPCURL:  url,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger), nil
}

func (a *App) newWallet() (chain.Wallet, common.Address, error) {
	if a.Config.Wallet.PrivateKey == "" {
		return nil, a.Config.Account(), nil
	}
	w, err := chain.NewKeyWallet(a.Config.Wallet.PrivateKey)
	if err != nil {
		return nil, common.Address{}, err
	}
	if acct := a.Config.Account(); acct != (common.Address{}) && acct != w.Address() {
		return nil, common.Address{}, fmt.Errorf("wallet.account %s does not match the private key address %s", acct.Hex(), w.Address().Hex())
	}
	return w, w.Address(), nil
}

// connect dials the selected chain and publishes the first session.
func (a *App) connect(ctx context.Context) (*runtime, error) {
	registry, err := contracts.NewRegistry(a.Config.ChainSpecs())
	if err != nil {
		return nil, err
	}
	wallet, account, err := a.newWallet()
	if err != nil {
		return nil, err
	}
	chainID := a.selectedChain()
	client, err := a.newClient(chainID)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		registry: registry,
		client:   client,
		sessions: session.NewManager(registry, a.Logger),
		tx: chain.NewTransactor(wallet, chain.TransactorOptions{
			ConfirmTimeout: a.Config.Wallet.ConfirmTimeout,
			PollInterval:   a.Config.Wallet.ReceiptPoll,
			GasMultiplier:  a.Config.Wallet.GasMultiplier,
		}, a.Logger),
		clients: map[uint64]*chain.Client{chainID: client},
	}
	if _, err := rt.sessions.Switch(ctx, client, account); err != nil {
		rt.Close()
		return nil, fmt.Errorf("connect to chain %d: %w", chainID, err)
	}
	return rt, nil
}

// clientFor returns a connection to chainID, reusing the session's when possible.
func (a *App) clientFor(rt *runtime, chainID uint64) (*chain.Client, error) {
	if c, ok := rt.clients[chainID]; ok {
		return c, nil
	}
	c, err := a.newClient(chainID)
	if err != nil {
		return nil, err
	}
	rt.clients[chainID] = c
	return c, nil
}

// originReader returns a handle on the origin lending contract over its own
// connection, or nil when the origin has no rpc url.
func (a *App) originReader(rt *runtime) *contracts.Origin {
	spec := rt.registry.OriginSpec()
	client, err := a.clientFor(rt, spec.ChainID)
	if err != nil {
		a.Logger.Debug().Err(err).Msg("origin collateral enrichment disabled")
		return nil
	}
	return contracts.NewOrigin(spec.Lending, spec.ChainID, client)
}

// openLedger opens the configured ledger backend.
func (a *App) openLedger(ctx context.Context) (*ledger.Ledger, error) {
	cfg := a.Config.Ledger
	var backend ledger.Backend
	switch cfg.Backend {
	case config.LedgerFile:
		b, err := ledger.NewFileBackend(cfg.Path)
		if err != nil {
			return nil, err
		}
		backend = b
	case config.LedgerBolt:
		b, err := ledger.NewBoltBackend(cfg.Path)
		if err != nil {
			return nil, err
		}
		backend = b
	case config.LedgerPostgres:
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		store := storage.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		backend = ledger.NewPostgresBackend(store, store.Close)
	case config.LedgerMemory:
		a.Logger.Warn().Msg("memory ledger selected; entries will not survive restart")
		backend = ledger.NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unsupported ledger backend %q", cfg.Backend)
	}
	return ledger.New(backend, cfg.Key, a.metrics, a.Logger), nil
}

func closeLedger(l *ledger.Ledger, logger zerolog.Logger) {
	if err := l.Close(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Msg("close ledger")
	}
}
