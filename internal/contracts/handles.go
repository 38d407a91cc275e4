package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"crosslend/internal/chain"
)

type contract struct {
	name    string
	address common.Address
	chainID uint64
	abi     abi.ABI
	conn    chain.Connection
}

func (c *contract) Address() common.Address { return c.address }

func (c *contract) ChainID() uint64 { return c.chainID }

func (c *contract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	payload, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s.%s: %w", c.name, method, err)
	}
	to := c.address
	res, err := c.conn.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", c.name, method, err)
	}
	out, err := c.abi.Unpack(method, res)
	if err != nil {
		return nil, &DecodeError{Method: c.name + "." + method, Err: err}
	}
	return out, nil
}

func (c *contract) request(method string, value *big.Int, args ...interface{}) (chain.TxRequest, error) {
	payload, err := c.abi.Pack(method, args...)
	if err != nil {
		return chain.TxRequest{}, fmt.Errorf("pack %s.%s: %w", c.name, method, err)
	}
	return chain.TxRequest{
		ChainID: c.chainID,
		To:      c.address,
		Data:    payload,
		Value:   value,
		Method:  c.name + "." + method,
	}, nil
}

// Origin is a handle to the origin lending contract.
type Origin struct {
	contract
}

// NewOrigin binds the origin lending contract at addr.
func NewOrigin(addr common.Address, chainID uint64, conn chain.Connection) *Origin {
	return &Origin{contract{name: "origin", address: addr, chainID: chainID, abi: OriginABI, conn: conn}}
}

// LoanDetails reads the borrower's origin loan record.
func (o *Origin) LoanDetails(ctx context.Context, borrower common.Address) (OriginLoan, error) {
	out, err := o.call(ctx, "getLoanDetails", borrower)
	if err != nil {
		return OriginLoan{}, err
	}
	return decodeOriginLoan(out)
}

// RequiredCollateral asks the contract for the collateral needed for loanAmount,
// in the origin chain's smallest native unit.
func (o *Origin) RequiredCollateral(ctx context.Context, loanAmount *big.Int) (*big.Int, error) {
	out, err := o.call(ctx, "calculateRequiredCollateral", loanAmount)
	if err != nil {
		return nil, err
	}
	return decodeSingleInt("origin.calculateRequiredCollateral", out)
}

// MaticPrice returns the oracle price scaled by 1e8.
func (o *Origin) MaticPrice(ctx context.Context) (*big.Int, error) {
	out, err := o.call(ctx, "getMaticPrice")
	if err != nil {
		return nil, err
	}
	return decodeSingleInt("origin.getMaticPrice", out)
}

// EthPrice returns the oracle price scaled by 1e8.
func (o *Origin) EthPrice(ctx context.Context) (*big.Int, error) {
	out, err := o.call(ctx, "getEthPrice")
	if err != nil {
		return nil, err
	}
	return decodeSingleInt("origin.getEthPrice", out)
}

// RequestLoan builds the requestLoan transaction.
func (o *Origin) RequestLoan(amount *big.Int, destinationChainID, durationDays uint64) (chain.TxRequest, error) {
	return o.request("requestLoan", nil, amount, new(big.Int).SetUint64(destinationChainID), new(big.Int).SetUint64(durationDays))
}

// DepositCollateral builds the payable depositCollateral transaction.
func (o *Origin) DepositCollateral(value *big.Int) (chain.TxRequest, error) {
	return o.request("depositCollateral", value)
}

// LoanInitiatedLogs extracts LoanInitiated events emitted by this contract in receipt.
func (o *Origin) LoanInitiatedLogs(receipt *types.Receipt) []LoanInitiated {
	if receipt == nil {
		return nil
	}
	var out []LoanInitiated
	for _, l := range receipt.Logs {
		if l == nil || l.Address != o.address {
			continue
		}
		ev, err := DecodeLoanInitiated(*l)
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Destination is a handle to the destination lending contract.
type Destination struct {
	contract
}

// NewDestination binds the destination lending contract at addr.
func NewDestination(addr common.Address, chainID uint64, conn chain.Connection) *Destination {
	return &Destination{contract{name: "destination", address: addr, chainID: chainID, abi: DestinationABI, conn: conn}}
}

// LoanDetails reads the borrower's destination loan record.
func (d *Destination) LoanDetails(ctx context.Context, borrower common.Address) (DestinationLoan, error) {
	out, err := d.call(ctx, "getLoanDetails", borrower)
	if err != nil {
		return DestinationLoan{}, err
	}
	return decodeDestinationLoan(out)
}

// TotalDue returns principal plus accrued interest owed by borrower.
func (d *Destination) TotalDue(ctx context.Context, borrower common.Address) (*big.Int, error) {
	out, err := d.call(ctx, "calculateTotalDue", borrower)
	if err != nil {
		return nil, err
	}
	return decodeSingleInt("destination.calculateTotalDue", out)
}

// RepayLoan builds the repayLoan transaction.
func (d *Destination) RepayLoan(amount *big.Int) (chain.TxRequest, error) {
	return d.request("repayLoan", nil, amount)
}

// LiquidateLoan builds the liquidateLoan transaction.
func (d *Destination) LiquidateLoan(borrower common.Address) (chain.TxRequest, error) {
	return d.request("liquidateLoan", nil, borrower)
}

// LoanRequestedLogs returns raw LoanRequested logs in [from, to].
func (d *Destination) LoanRequestedLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{d.address},
		Topics:    [][]common.Hash{{DestinationABI.Events["LoanRequested"].ID}},
	}
	logs, err := d.conn.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter LoanRequested [%d,%d]: %w", from, to, err)
	}
	return logs, nil
}

// LatestBlock returns the head block of the destination chain.
func (d *Destination) LatestBlock(ctx context.Context) (uint64, error) {
	return d.conn.BlockNumber(ctx)
}

// Token is a handle to the destination-local ERC-20.
type Token struct {
	contract
	symbol   string
	decimals uint8
}

// NewToken binds an ERC-20 with configured display metadata.
func NewToken(addr common.Address, chainID uint64, symbol string, decimals uint8, conn chain.Connection) *Token {
	return &Token{
		contract: contract{name: "token", address: addr, chainID: chainID, abi: TokenABI, conn: conn},
		symbol:   symbol,
		decimals: decimals,
	}
}

// Symbol returns the configured symbol.
func (t *Token) Symbol() string { return t.symbol }

// Decimals returns the configured decimals.
func (t *Token) Decimals() uint8 { return t.decimals }

// BalanceOf reads account's token balance in smallest units.
func (t *Token) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return decodeSingleInt("token.balanceOf", out)
}

// OnChainDecimals reads decimals() from the contract.
func (t *Token) OnChainDecimals(ctx context.Context) (uint8, error) {
	out, err := t.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, &DecodeError{Method: "token.decimals", Err: fmt.Errorf("expected 1 output, got %d", len(out))}
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, &DecodeError{Method: "token.decimals", Err: fmt.Errorf("unexpected type %T", out[0])}
	}
	return d, nil
}
