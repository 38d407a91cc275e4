package cli

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"crosslend/internal/app"
)

var (
	requestAmount   string
	requestDuration uint64
	requestDest     uint64
	repayAmount     string
	liquidateTarget string
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Request a loan on the origin chain, to be paid out on a destination chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(requestAmount)
		if err != nil {
			return err
		}
		if requestDuration == 0 {
			return fmt.Errorf("--duration must be greater than zero")
		}
		if requestDest == 0 {
			return fmt.Errorf("--dest is required")
		}
		return getApp().Request(cmd.Context(), app.RequestOptions{
			Amount:        amount,
			DestinationID: requestDest,
			DurationDays:  requestDuration,
		})
	},
}

var depositCmd = &cobra.Command{
	Use:   "deposit",
	Short: "Deposit the collateral owed for the pending loan request",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Deposit(cmd.Context())
	},
}

var repayCmd = &cobra.Command{
	Use:   "repay",
	Short: "Repay the active loan on the selected destination chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(repayAmount)
		if err != nil {
			return err
		}
		return getApp().Repay(cmd.Context(), amount)
	},
}

var liquidateCmd = &cobra.Command{
	Use:   "liquidate",
	Short: "Liquidate an overdue loan on the selected destination chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !common.IsHexAddress(liquidateTarget) {
			return fmt.Errorf("--borrower must be a hex address")
		}
		return getApp().Liquidate(cmd.Context(), common.HexToAddress(liquidateTarget))
	},
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("--amount is required")
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --amount value: %w", err)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("--amount must be greater than zero")
	}
	return amount, nil
}

func init() {
	requestCmd.Flags().StringVar(&requestAmount, "amount", "", "Loan amount in destination token units")
	requestCmd.Flags().Uint64Var(&requestDuration, "duration", 30, "Loan duration in days")
	requestCmd.Flags().Uint64Var(&requestDest, "dest", 0, "Destination chain id")

	repayCmd.Flags().StringVar(&repayAmount, "amount", "", "Amount to repay in token units")

	liquidateCmd.Flags().StringVar(&liquidateTarget, "borrower", "", "Borrower address")
}
