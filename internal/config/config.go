package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"crosslend/internal/contracts"
	"crosslend/internal/logging"
)

// Ledger backends.
const (
	LedgerFile     = "file"
	LedgerBolt     = "bolt"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig           `mapstructure:"app"`
	Logging      logging.Config      `mapstructure:"logging"`
	Origin       OriginConfig        `mapstructure:"origin"`
	Destinations []DestinationConfig `mapstructure:"destinations"`
	Wallet       WalletConfig        `mapstructure:"wallet"`
	PriceFeed    PriceFeedConfig     `mapstructure:"pricefeed"`
	Sync         SyncConfig          `mapstructure:"sync"`
	Scan         ScanConfig          `mapstructure:"scan"`
	Session      SessionConfig       `mapstructure:"session"`
	Ledger       LedgerConfig        `mapstructure:"ledger"`
	Database     DatabaseConfig      `mapstructure:"database"`
	API          APIConfig           `mapstructure:"api"`
	Ethereum     EthereumConfig      `mapstructure:"ethereum"`
	Export       ExportConfig        `mapstructure:"export"`
	Alerting     AlertingConfig      `mapstructure:"alerting"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// OriginConfig describes the collateral chain.
type OriginConfig struct {
	ChainID        uint64 `mapstructure:"chain_id"`
	Name           string `mapstructure:"name"`
	RPCURL         string `mapstructure:"rpc_url"`
	LendingAddress string `mapstructure:"lending_address"`
	NativeSymbol   string `mapstructure:"native_symbol"`
}

// DestinationConfig describes one loan-issuing chain.
type DestinationConfig struct {
	ChainID        uint64 `mapstructure:"chain_id"`
	Name           string `mapstructure:"name"`
	RPCURL         string `mapstructure:"rpc_url"`
	LendingAddress string `mapstructure:"lending_address"`
	TokenAddress   string `mapstructure:"token_address"`
	TokenSymbol    string `mapstructure:"token_symbol"`
	TokenDecimals  uint8  `mapstructure:"token_decimals"`
	NativeSymbol   string `mapstructure:"native_symbol"`
}

// WalletConfig holds the signing key. Account alone gives a read-only session.
type WalletConfig struct {
	PrivateKey     string        `mapstructure:"private_key"`
	Account        string        `mapstructure:"account"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	ReceiptPoll    time.Duration `mapstructure:"receipt_poll"`
	GasMultiplier  float64       `mapstructure:"gas_multiplier"`
}

// PriceFeedConfig governs oracle polling.
type PriceFeedConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// SyncConfig governs loan state pulls.
type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ScanConfig governs liquidation rescans.
type ScanConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	FromBlock     uint64        `mapstructure:"from_block"`
	BlockRange    uint64        `mapstructure:"block_range"`
	Concurrency   int           `mapstructure:"concurrency"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
}

// SessionConfig governs network change detection.
type SessionConfig struct {
	WatchInterval time.Duration `mapstructure:"watch_interval"`
}

// LedgerConfig selects where the transaction ledger lives.
type LedgerConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	Key     string `mapstructure:"key"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// APIConfig configures the status API. An empty listen address disables it.
type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

// EthereumConfig covers RPC access shared by every chain.
type EthereumConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	Directory string `mapstructure:"directory"`
}

// AlertingConfig routes overdue-loan alerts from the liquidation scanner.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram bot credentials.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CROSSLEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "crosslend")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("origin.name", "origin")
	v.SetDefault("origin.native_symbol", "MATIC")

	v.SetDefault("wallet.confirm_timeout", "2m")
	v.SetDefault("wallet.receipt_poll", "2s")
	v.SetDefault("wallet.gas_multiplier", 1.2)

	v.SetDefault("pricefeed.interval", "30s")
	v.SetDefault("pricefeed.stale_after", "90s")

	v.SetDefault("sync.interval", "15s")

	v.SetDefault("scan.interval", "5m")
	v.SetDefault("scan.from_block", 0)
	v.SetDefault("scan.block_range", 10000)
	v.SetDefault("scan.concurrency", 4)
	v.SetDefault("scan.rate_per_second", 10.0)

	v.SetDefault("session.watch_interval", "5s")

	v.SetDefault("ledger.backend", LedgerFile)
	v.SetDefault("ledger.path", "crosslend-ledger.json")
	v.SetDefault("ledger.key", "crosslend.transactions")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("api.listen", "")

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("export.directory", ".")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "6h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Origin.ChainID == 0 {
		return fmt.Errorf("origin.chain_id must be set")
	}
	if !common.IsHexAddress(c.Origin.LendingAddress) {
		return fmt.Errorf("origin.lending_address must be a hex address")
	}
	seen := map[uint64]bool{c.Origin.ChainID: true}
	for i, d := range c.Destinations {
		if d.ChainID == 0 {
			return fmt.Errorf("destinations[%d].chain_id must be set", i)
		}
		if seen[d.ChainID] {
			return fmt.Errorf("destinations[%d].chain_id %d is configured twice", i, d.ChainID)
		}
		seen[d.ChainID] = true
		if !common.IsHexAddress(d.LendingAddress) {
			return fmt.Errorf("destinations[%d].lending_address must be a hex address", i)
		}
		if !common.IsHexAddress(d.TokenAddress) {
			return fmt.Errorf("destinations[%d].token_address must be a hex address", i)
		}
	}
	if c.Wallet.Account != "" && !common.IsHexAddress(c.Wallet.Account) {
		return fmt.Errorf("wallet.account must be a hex address")
	}
	if c.PriceFeed.Interval <= 0 {
		return fmt.Errorf("pricefeed.interval must be greater than zero")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be greater than zero")
	}
	if c.Scan.Interval <= 0 {
		return fmt.Errorf("scan.interval must be greater than zero")
	}
	if c.Scan.Concurrency <= 0 {
		return fmt.Errorf("scan.concurrency must be greater than zero")
	}
	if c.Scan.RatePerSecond < 0 {
		return fmt.Errorf("scan.rate_per_second cannot be negative")
	}
	if c.Session.WatchInterval <= 0 {
		return fmt.Errorf("session.watch_interval must be greater than zero")
	}
	switch c.Ledger.Backend {
	case LedgerFile, LedgerBolt:
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path is required for the %s backend", c.Ledger.Backend)
		}
	case LedgerPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres ledger backend")
		}
	case LedgerMemory:
	default:
		return fmt.Errorf("ledger.backend %q is not supported", c.Ledger.Backend)
	}
	if c.Ledger.Key == "" {
		return fmt.Errorf("ledger.key must be set")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	return nil
}

// ChainSpecs converts the origin and destination sections into registry specs.
func (c *Config) ChainSpecs() []contracts.ChainSpec {
	specs := make([]contracts.ChainSpec, 0, len(c.Destinations)+1)
	specs = append(specs, contracts.ChainSpec{
		ChainID:      c.Origin.ChainID,
		Name:         c.Origin.Name,
		Role:         contracts.RoleOrigin,
		Lending:      common.HexToAddress(c.Origin.LendingAddress),
		NativeSymbol: c.Origin.NativeSymbol,
	})
	for _, d := range c.Destinations {
		specs = append(specs, contracts.ChainSpec{
			ChainID:       d.ChainID,
			Name:          d.Name,
			Role:          contracts.RoleDestination,
			Lending:       common.HexToAddress(d.LendingAddress),
			Token:         common.HexToAddress(d.TokenAddress),
			TokenSymbol:   d.TokenSymbol,
			TokenDecimals: d.TokenDecimals,
			NativeSymbol:  d.NativeSymbol,
		})
	}
	return specs
}

// RPCURL returns the configured endpoint for chainID.
func (c *Config) RPCURL(chainID uint64) (string, bool) {
	if chainID == c.Origin.ChainID {
		return c.Origin.RPCURL, c.Origin.RPCURL != ""
	}
	for _, d := range c.Destinations {
		if d.ChainID == chainID {
			return d.RPCURL, d.RPCURL != ""
		}
	}
	return "", false
}

// Account returns the configured read-only account, if any.
func (c *Config) Account() common.Address {
	if c.Wallet.Account == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Wallet.Account)
}
