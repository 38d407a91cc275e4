package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	ledgerLimit  int
	ledgerTxHash string
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the local transaction ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded actions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ledgerLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}
		return getApp().LedgerList(cmd.Context(), ledgerLimit)
	},
}

var ledgerConfirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Mark a pending entry completed once its transaction is mined",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ledgerTxHash == "" {
			return fmt.Errorf("--tx is required")
		}
		return getApp().LedgerConfirm(cmd.Context(), ledgerTxHash)
	},
}

var ledgerWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the ledger whenever it changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().LedgerWatch(cmd.Context())
	},
}

func init() {
	ledgerListCmd.Flags().IntVar(&ledgerLimit, "limit", 0, "Number of entries to display (0 for all)")
	ledgerConfirmCmd.Flags().StringVar(&ledgerTxHash, "tx", "", "Transaction hash of the pending entry")

	ledgerCmd.AddCommand(ledgerListCmd, ledgerConfirmCmd, ledgerWatchCmd)
}
