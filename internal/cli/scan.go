package cli

import (
	"github.com/spf13/cobra"

	"crosslend/internal/app"
)

var (
	scanCSVPath string
	scanPNGPath string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Rescan a destination chain for overdue loans",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Scan(cmd.Context(), app.ScanOptions{
			CSVPath: scanCSVPath,
			PNGPath: scanPNGPath,
		})
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanCSVPath, "csv", "", "Path to write the at-risk positions as CSV")
	scanCmd.Flags().StringVar(&scanPNGPath, "png", "", "Path to write a PNG chart of total due per borrower")
}
