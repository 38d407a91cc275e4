// Package chaintest provides an in-memory chain.Connection for tests. Contract
// calls are dispatched by method selector and encoded through the real ABI, so
// callers exercise the same decode paths as against a live node.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"crosslend/internal/chain"
)

// CallFunc answers a view call with the method's output values.
type CallFunc func(args []interface{}) ([]interface{}, error)

// TxFunc applies a mined transaction. A non-nil error produces a reverted receipt.
type TxFunc func(from common.Address, value *big.Int, args []interface{}) error

type callKey struct {
	addr common.Address
	id   [4]byte
}

type callEntry struct {
	method abi.Method
	fn     CallFunc
}

type txEntry struct {
	method abi.Method
	fn     TxFunc
}

// Backend is a scriptable fake ledger.
type Backend struct {
	mu       sync.Mutex
	chainID  uint64
	head     uint64
	calls    map[callKey]callEntry
	txs      map[callKey]txEntry
	logs     []types.Log
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	nonces   map[common.Address]uint64
	balances map[common.Address]*big.Int
	counts   map[string]int
	filters  int

	sendErr      error
	callErr      error
	filterErr    error
	holdReceipts bool
}

// New returns a backend reporting chainID.
func New(chainID uint64) *Backend {
	return &Backend{
		chainID:  chainID,
		head:     1,
		calls:    make(map[callKey]callEntry),
		txs:      make(map[callKey]txEntry),
		receipts: make(map[common.Hash]*types.Receipt),
		nonces:   make(map[common.Address]uint64),
		balances: make(map[common.Address]*big.Int),
		counts:   make(map[string]int),
	}
}

func selector(m abi.Method) [4]byte {
	var id [4]byte
	copy(id[:], m.ID)
	return id
}

// SetChainID changes the reported chain id, simulating a network switch.
func (b *Backend) SetChainID(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chainID = id
}

// SetHead sets the latest block number.
func (b *Backend) SetHead(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = n
}

// SetBalance sets the native balance of an account.
func (b *Backend) SetBalance(addr common.Address, v *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] = new(big.Int).Set(v)
}

// HandleCall registers a view-call handler for method on addr.
func (b *Backend) HandleCall(addr common.Address, method abi.Method, fn CallFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[callKey{addr, selector(method)}] = callEntry{method: method, fn: fn}
}

// HandleTx registers a state transition applied when a transaction to method is mined.
func (b *Backend) HandleTx(addr common.Address, method abi.Method, fn TxFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txs[callKey{addr, selector(method)}] = txEntry{method: method, fn: fn}
}

// AddLog appends a log entry.
func (b *Backend) AddLog(l types.Log) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs = append(b.logs, l)
}

// FailSend makes every SendTransaction return err.
func (b *Backend) FailSend(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// FailCalls makes every CallContract return err.
func (b *Backend) FailCalls(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callErr = err
}

// FailFilter makes every FilterLogs return err.
func (b *Backend) FailFilter(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filterErr = err
}

// HoldReceipts keeps sent transactions unmined until Mine is called.
func (b *Backend) HoldReceipts(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdReceipts = hold
}

// Calls returns how many times the named method was called or sent.
func (b *Backend) Calls(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[name]
}

// FilterCalls returns the number of FilterLogs requests served.
func (b *Backend) FilterCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filters
}

// Sent returns every broadcast transaction.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Transaction, len(b.sent))
	copy(out, b.sent)
	return out
}

// Mine applies a held transaction and records its receipt.
func (b *Backend) Mine(hash common.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tx := range b.sent {
		if tx.Hash() == hash {
			return b.mineLocked(tx)
		}
	}
	return fmt.Errorf("transaction %s not sent", hash.Hex())
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).SetUint64(b.chainID), nil
}

func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

func (b *Backend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.balances[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.callErr != nil {
		err := b.callErr
		b.mu.Unlock()
		return nil, err
	}
	if msg.To == nil || len(msg.Data) < 4 {
		b.mu.Unlock()
		return nil, errors.New("chaintest: malformed call")
	}
	var id [4]byte
	copy(id[:], msg.Data[:4])
	entry, ok := b.calls[callKey{*msg.To, id}]
	if ok {
		b.counts[entry.method.Name]++
	}
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("execution reverted: no handler for %x on %s", id, msg.To.Hex())
	}

	args, err := entry.method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("chaintest: unpack %s inputs: %w", entry.method.Name, err)
	}
	outs, err := entry.fn(args)
	if err != nil {
		return nil, err
	}
	return entry.method.Outputs.Pack(outs...)
}

func (b *Backend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters++
	if b.filterErr != nil {
		return nil, b.filterErr
	}

	from := uint64(0)
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	to := b.head
	if q.ToBlock != nil {
		to = q.ToBlock.Uint64()
	}

	var out []types.Log
	for _, l := range b.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 {
			if len(l.Topics) == 0 || !containsHash(q.Topics[0], l.Topics[0]) {
				continue
			}
		}
		out = append(out, l)
	}
	return out, nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *Backend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return fmt.Errorf("chaintest: recover sender: %w", err)
	}
	b.nonces[from]++
	b.sent = append(b.sent, tx)
	if b.holdReceipts {
		return nil
	}
	return b.mineLocked(tx)
}

func (b *Backend) mineLocked(tx *types.Transaction) error {
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return err
	}
	b.head++
	status := types.ReceiptStatusSuccessful

	if tx.To() != nil && len(tx.Data()) >= 4 {
		var id [4]byte
		copy(id[:], tx.Data()[:4])
		if entry, ok := b.txs[callKey{*tx.To(), id}]; ok {
			b.counts[entry.method.Name]++
			args, err := entry.method.Inputs.Unpack(tx.Data()[4:])
			if err != nil || entry.fn(from, tx.Value(), args) != nil {
				status = types.ReceiptStatusFailed
			}
		}
	}

	b.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(b.head),
		GasUsed:     tx.Gas(),
	}
	return nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func containsAddress(set []common.Address, a common.Address) bool {
	for _, v := range set {
		if v == a {
			return true
		}
	}
	return false
}

func containsHash(set []common.Hash, h common.Hash) bool {
	for _, v := range set {
		if v == h {
			return true
		}
	}
	return false
}

var _ chain.Connection = (*Backend)(nil)
