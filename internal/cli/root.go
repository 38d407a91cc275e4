package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"crosslend/internal/app"
	"crosslend/internal/config"
	"crosslend/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	chainID   uint64
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "crosslend",
	Short: "Coordinate cross-chain loans between an origin and destination ledgers",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}
		if cmd == versionCmd {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		appHandle.ChainID = chainID
		appHandle.Out = cmd.OutOrStdout()
		return nil
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	rootCmd.PersistentFlags().Uint64Var(&chainID, "chain", 0, "Chain id to connect to (defaults to the origin chain)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pricesCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(depositCmd)
	rootCmd.AddCommand(repayCmd)
	rootCmd.AddCommand(liquidateCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
