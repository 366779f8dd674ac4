package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/db"
)

// statsCmd represents the stats command.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display ledger statistics",
	Long: `Display statistics about the ledger tables.

Shows:
- Total number of accounts
- Total number of transactions
- Date of the last transaction

Example:
  ledger stats`,
	Run: runStats,
}

func runStats(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	slog.Info("Loading configuration")

	env, err := openEnvironment()
	exitOnError(err, "failed to open database")
	defer env.Close()

	var stats *db.Stats
	if env.sql != nil {
		stats, err = env.sql.GetStats(ctx, env.ledgerCfg)
		exitOnError(err, "failed to get statistics")
	} else {
		stats, err = countRecords(cmd, env)
		exitOnError(err, "failed to get statistics")
	}

	// Display statistics
	fmt.Println("\n=== Ledger Statistics ===")
	fmt.Printf("Total accounts:     %d\n", stats.TotalAccounts)
	fmt.Printf("Total transactions: %d\n", stats.TotalTransactions)

	if stats.LastTransaction.Valid {
		fmt.Printf("Last transaction:   %s\n", stats.LastTransaction.String)
	} else {
		fmt.Printf("Last transaction:   (never)\n")
	}

	fmt.Println()

	slog.Info("Statistics displayed successfully")
}

// countRecords computes statistics by scanning a store without aggregates.
func countRecords(cmd *cobra.Command, env *environment) (*db.Stats, error) {
	ctx := cmd.Context()
	cfg := env.ledgerCfg

	accounts, err := env.store.Lookup(ctx, cfg.AccountTable, nil, 0)
	if err != nil {
		return nil, err
	}
	txns, err := env.store.Lookup(ctx, cfg.TransactionTable, nil, 0)
	if err != nil {
		return nil, err
	}

	stats := &db.Stats{TotalAccounts: len(accounts), TotalTransactions: len(txns)}
	for _, rec := range txns {
		date, ok := rec[cfg.DateField].AsString()
		if ok && date > stats.LastTransaction.String {
			stats.LastTransaction.String = date
			stats.LastTransaction.Valid = true
		}
	}
	return stats, nil
}
