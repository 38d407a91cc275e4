package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// Connection is the subset of the Ethereum RPC used against a single ledger.
// *ethclient.Client satisfies it.
type Connection interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ErrNotConfigured indicates an RPC endpoint was not supplied.
var ErrNotConfigured = errors.New("chain: rpc url not configured")

// Options parameterise a lazily dialled RPC connection.
type Options struct {
	Name    string
	RPCURL  string
	Timeout time.Duration
}

// Client wraps an ethclient that is dialled on first use. Every call is bounded
// by the configured request timeout.
type Client struct {
	opts      Options
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewClient builds a lazily dialled connection.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		opts:   opts,
		logger: logger.With().Str("component", "chain").Str("chain", opts.Name).Logger(),
	}
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	url := strings.TrimSpace(c.opts.RPCURL)
	if url == "" {
		return nil, ErrNotConfigured
	}

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.Name, err)
	}
	c.logger.Debug().Msg("rpc connection established")
	c.client = client
	return client, nil
}

func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.Timeout)
}

// Close releases the underlying RPC client.
func (c *Client) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.ChainID(ctx)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.BalanceAt(ctx, account, blockNumber)
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, msg, blockNumber)
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.FilterLogs(ctx, q)
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.PendingNonceAt(ctx, account)
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.SuggestGasPrice(ctx)
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.EstimateGas(ctx, msg)
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}
	return client.SendTransaction(ctx, tx)
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.TransactionReceipt(ctx, txHash)
}

var _ Connection = (*Client)(nil)
var _ Connection = (*ethclient.Client)(nil)
