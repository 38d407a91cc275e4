package contracts

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DecodeError reports malformed contract output or log data.
type DecodeError struct {
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Method, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a DecodeError.
func IsDecodeError(err error) bool {
	var d *DecodeError
	return errors.As(err, &d)
}

// OriginLoan is the origin contract's loan record.
type OriginLoan struct {
	Collateral         *big.Int
	LoanAmount         *big.Int
	DestinationChainID *big.Int
	InterestRate       *big.Int
	CreditScore        *big.Int
	DurationDays       *big.Int
	Active             bool
}

// DestinationLoan is the destination contract's loan record.
type DestinationLoan struct {
	Amount       *big.Int
	RepaidAmount *big.Int
	InterestRate *big.Int
	DueDate      *big.Int
	CreditScore  *big.Int
	Active       bool
	Funded       bool
}

// LoanRequested is a decoded destination LoanRequested log.
type LoanRequested struct {
	Borrower     common.Address
	Amount       *big.Int
	InterestRate *big.Int
	BlockNumber  uint64
	TxHash       common.Hash
	LogIndex     uint
}

// LoanInitiated is a decoded origin LoanInitiated log.
type LoanInitiated struct {
	Borrower           common.Address
	Amount             *big.Int
	DestinationChainID *big.Int
	TxHash             common.Hash
}

// Output order: (collateral, loanAmount, destChain, rate, score, duration, active).
func decodeOriginLoan(out []interface{}) (OriginLoan, error) {
	const method = "origin.getLoanDetails"
	if len(out) != 7 {
		return OriginLoan{}, &DecodeError{Method: method, Err: fmt.Errorf("expected 7 outputs, got %d", len(out))}
	}
	ints, err := bigInts(method, out[:6])
	if err != nil {
		return OriginLoan{}, err
	}
	active, ok := out[6].(bool)
	if !ok {
		return OriginLoan{}, &DecodeError{Method: method, Err: fmt.Errorf("active: unexpected type %T", out[6])}
	}
	return OriginLoan{
		Collateral:         ints[0],
		LoanAmount:         ints[1],
		DestinationChainID: ints[2],
		InterestRate:       ints[3],
		CreditScore:        ints[4],
		DurationDays:       ints[5],
		Active:             active,
	}, nil
}

// Output order: (amount, repaidAmount, rate, dueDate, score, active, funded).
func decodeDestinationLoan(out []interface{}) (DestinationLoan, error) {
	const method = "destination.getLoanDetails"
	if len(out) != 7 {
		return DestinationLoan{}, &DecodeError{Method: method, Err: fmt.Errorf("expected 7 outputs, got %d", len(out))}
	}
	ints, err := bigInts(method, out[:5])
	if err != nil {
		return DestinationLoan{}, err
	}
	active, ok := out[5].(bool)
	if !ok {
		return DestinationLoan{}, &DecodeError{Method: method, Err: fmt.Errorf("active: unexpected type %T", out[5])}
	}
	funded, ok := out[6].(bool)
	if !ok {
		return DestinationLoan{}, &DecodeError{Method: method, Err: fmt.Errorf("funded: unexpected type %T", out[6])}
	}
	return DestinationLoan{
		Amount:       ints[0],
		RepaidAmount: ints[1],
		InterestRate: ints[2],
		DueDate:      ints[3],
		CreditScore:  ints[4],
		Active:       active,
		Funded:       funded,
	}, nil
}

func decodeSingleInt(method string, out []interface{}) (*big.Int, error) {
	if len(out) != 1 {
		return nil, &DecodeError{Method: method, Err: fmt.Errorf("expected 1 output, got %d", len(out))}
	}
	ints, err := bigInts(method, out)
	if err != nil {
		return nil, err
	}
	return ints[0], nil
}

// DecodeLoanRequested decodes a LoanRequested(address indexed,uint256,uint256) log.
func DecodeLoanRequested(l types.Log) (LoanRequested, error) {
	const method = "LoanRequested"
	event := DestinationABI.Events[method]
	if len(l.Topics) != 2 || l.Topics[0] != event.ID {
		return LoanRequested{}, &DecodeError{Method: method, Err: errors.New("unexpected topics")}
	}
	out, err := DestinationABI.Unpack(method, l.Data)
	if err != nil {
		return LoanRequested{}, &DecodeError{Method: method, Err: err}
	}
	if len(out) != 2 {
		return LoanRequested{}, &DecodeError{Method: method, Err: fmt.Errorf("expected 2 fields, got %d", len(out))}
	}
	ints, err := bigInts(method, out)
	if err != nil {
		return LoanRequested{}, err
	}
	return LoanRequested{
		Borrower:     common.BytesToAddress(l.Topics[1].Bytes()),
		Amount:       ints[0],
		InterestRate: ints[1],
		BlockNumber:  l.BlockNumber,
		TxHash:       l.TxHash,
		LogIndex:     l.Index,
	}, nil
}

// DecodeLoanInitiated decodes a LoanInitiated(address indexed,uint256,uint256) log.
func DecodeLoanInitiated(l types.Log) (LoanInitiated, error) {
	const method = "LoanInitiated"
	event := OriginABI.Events[method]
	if len(l.Topics) != 2 || l.Topics[0] != event.ID {
		return LoanInitiated{}, &DecodeError{Method: method, Err: errors.New("unexpected topics")}
	}
	out, err := OriginABI.Unpack(method, l.Data)
	if err != nil {
		return LoanInitiated{}, &DecodeError{Method: method, Err: err}
	}
	ints, err := bigInts(method, out)
	if err != nil || len(ints) != 2 {
		return LoanInitiated{}, &DecodeError{Method: method, Err: fmt.Errorf("unexpected fields")}
	}
	return LoanInitiated{
		Borrower:           common.BytesToAddress(l.Topics[1].Bytes()),
		Amount:             ints[0],
		DestinationChainID: ints[1],
		TxHash:             l.TxHash,
	}, nil
}

func bigInts(method string, values []interface{}) ([]*big.Int, error) {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok || n == nil {
			return nil, &DecodeError{Method: method, Err: fmt.Errorf("output %d: unexpected type %T", i, v)}
		}
		out[i] = n
	}
	return out, nil
}
