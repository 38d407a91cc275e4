package cli

import (
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session and the loan state on the selected chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context())
	},
}

var pricesWatch time.Duration

var pricesCmd = &cobra.Command{
	Use:   "prices",
	Short: "Read the MATIC and ETH oracle prices from the origin chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Prices(cmd.Context(), pricesWatch)
	},
}

func init() {
	pricesCmd.Flags().DurationVar(&pricesWatch, "watch", 0, "Poll again on every aligned interval until interrupted (e.g. 1m)")
}
