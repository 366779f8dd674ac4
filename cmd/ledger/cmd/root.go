// Package cmd provides CLI commands for the ledger.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	fieldsFile string
	debug      bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Keep account balances consistent with a transaction log",
	Long: `ledger records signed-amount transactions against accounts identified
by their attributes and keeps each account's cached balance equal to the
sum of its transactions.

It supports:
- SQLite, PostgreSQL and bbolt storage (LEDGER_DRIVER)
- Native columns for known payload keys, JSON overflow for the rest
- Transfers and reverts in a single unit of work
- Auditing cached balances against the transaction log

Example:
  ledger init
  ledger mutate --account owner=alice --amount 100 --data note=rent
  ledger balance --account owner=alice`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Setup logging
		logLevel := slog.LevelInfo
		if debug {
			logLevel = slog.LevelDebug
		}

		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))
		slog.SetDefault(logger)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().StringVar(&fieldsFile, "fields", "", "YAML table and field mapping (default is LEDGER_FIELDS_FILE)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	// Add subcommands
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(mutateCmd)
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(revertCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(statsCmd)
}

// Helper function to get config file path.
func getConfigFile() string {
	if cfgFile != "" {
		return cfgFile
	}
	return "" // Will use default .env loading
}

// Helper function to handle errors and exit.
func exitOnError(err error, msg string) {
	if err != nil {
		slog.Error(msg, "error", err)
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
		os.Exit(1)
	}
}
