package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	originLendingABIJSON = `[
{"inputs":[{"internalType":"address","name":"borrower","type":"address"}],"name":"getLoanDetails","outputs":[{"internalType":"uint256","name":"collateralAmount","type":"uint256"},{"internalType":"uint256","name":"loanAmount","type":"uint256"},{"internalType":"uint256","name":"destinationChainId","type":"uint256"},{"internalType":"uint256","name":"interestRate","type":"uint256"},{"internalType":"uint256","name":"creditScore","type":"uint256"},{"internalType":"uint256","name":"duration","type":"uint256"},{"internalType":"bool","name":"active","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"loanAmount","type":"uint256"}],"name":"calculateRequiredCollateral","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"uint256","name":"destinationChainId","type":"uint256"},{"internalType":"uint256","name":"durationDays","type":"uint256"}],"name":"requestLoan","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[],"name":"depositCollateral","outputs":[],"stateMutability":"payable","type":"function"},
{"inputs":[],"name":"getMaticPrice","outputs":[{"internalType":"int256","name":"","type":"int256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getEthPrice","outputs":[{"internalType":"int256","name":"","type":"int256"}],"stateMutability":"view","type":"function"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"borrower","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"destinationChainId","type":"uint256"}],"name":"LoanInitiated","type":"event"}
]`

	destinationLendingABIJSON = `[
{"inputs":[{"internalType":"address","name":"borrower","type":"address"}],"name":"getLoanDetails","outputs":[{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"uint256","name":"repaidAmount","type":"uint256"},{"internalType":"uint256","name":"interestRate","type":"uint256"},{"internalType":"uint256","name":"dueDate","type":"uint256"},{"internalType":"uint256","name":"creditScore","type":"uint256"},{"internalType":"bool","name":"active","type":"bool"},{"internalType":"bool","name":"funded","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"borrower","type":"address"}],"name":"calculateTotalDue","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"repayLoan","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"borrower","type":"address"}],"name":"liquidateLoan","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"borrower","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"interestRate","type":"uint256"}],"name":"LoanRequested","type":"event"}
]`

	erc20ABIJSON = `[
{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"symbol","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"}
]`
)

var (
	// OriginABI is the origin lending contract interface.
	OriginABI abi.ABI
	// DestinationABI is the destination lending contract interface.
	DestinationABI abi.ABI
	// TokenABI is the ERC-20 subset read from the destination token.
	TokenABI abi.ABI
)

func init() {
	OriginABI = mustParse("origin lending", originLendingABIJSON)
	DestinationABI = mustParse("destination lending", destinationLendingABIJSON)
	TokenABI = mustParse("ERC-20", erc20ABIJSON)
}

func mustParse(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}
