package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/codec"
)

// balanceCmd represents the balance command.
var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the cached and calculated balance of an account",
	Long: `Show the cached balance of the account matching --account and the sum
of its transactions computed from the log.

Example:
  ledger balance --account owner=alice`,
	Args: cobra.NoArgs,
	Run:  runBalance,
}

// getCmd represents the get command.
var getCmd = &cobra.Command{
	Use:   "get TRANSACTION_ID",
	Short: "Show one transaction as JSON",
	Args:  cobra.ExactArgs(1),
	Run:   runGet,
}

// historyCmd represents the history command.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the transactions of an account",
	Long: `List the transactions of the account matching --account in the order
they were recorded.

Example:
  ledger history --account owner=alice`,
	Args: cobra.NoArgs,
	Run:  runHistory,
}

// auditCmd represents the audit command.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check an account's cached balance against its transactions",
	Long: `Compare the cached balance of the account matching --account with the
sum of its transactions, read in one unit of work. Exits with status 1 on
a mismatch.

Example:
  ledger audit --account owner=alice`,
	Args: cobra.NoArgs,
	Run:  runAudit,
}

func init() {
	for _, c := range []*cobra.Command{balanceCmd, historyCmd, auditCmd} {
		c.Flags().StringArrayVar(&accountPairs, "account", nil, "account attribute key=value (repeatable, required)")
		c.MarkFlagRequired("account")
	}
}

func runBalance(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	attrs, err := parseAccount("account", accountPairs)
	exitOnError(err, "invalid arguments")

	env, l := mustLedger(ctx)
	defer env.Close()

	cached, err := l.Balance(ctx, attrs)
	exitOnError(err, "failed to read balance")
	calculated, err := l.Calculate(ctx, attrs)
	exitOnError(err, "failed to calculate balance")

	fmt.Printf("Account:    %s\n", codec.Map(attrs))
	fmt.Printf("Balance:    %d\n", cached)
	fmt.Printf("Calculated: %d\n", calculated)
}

func runGet(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	id, err := parseID(args[0])
	exitOnError(err, "invalid arguments")

	env, l := mustLedger(ctx)
	defer env.Close()

	t, err := l.Get(ctx, id)
	if t == nil {
		exitOnError(err, "failed to get transaction")
		exitOnError(fmt.Errorf("transaction %d does not exist", id), "failed to get transaction")
	}
	if !warnCorrupt(err, "Transaction payload is partially unreadable", "transaction_id", id) {
		exitOnError(err, "failed to get transaction")
	}

	out, err := formatTransaction(t)
	exitOnError(err, "failed to get transaction")
	fmt.Println(out)
}

func runHistory(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	attrs, err := parseAccount("account", accountPairs)
	exitOnError(err, "invalid arguments")

	env, l := mustLedger(ctx)
	defer env.Close()

	txns, err := l.History(ctx, attrs)
	if !warnCorrupt(err, "Some transaction payloads are partially unreadable") {
		exitOnError(err, "failed to list transactions")
	}

	if len(txns) == 0 {
		fmt.Println("No transactions")
		return
	}

	var running int64
	for _, t := range txns {
		running += t.Amount
		fmt.Printf("%6d  %s  %10d  %10d  %s\n",
			t.ID, t.Date.Format("2006-01-02 15:04:05"), t.Amount, running, codec.Map(t.Payload))
	}
}

func runAudit(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	attrs, err := parseAccount("account", accountPairs)
	exitOnError(err, "invalid arguments")

	env, l := mustLedger(ctx)
	defer env.Close()

	result, err := l.Audit(ctx, attrs)
	exitOnError(err, "audit failed")

	fmt.Printf("Account %d: cached %d, calculated %d\n", result.AccountID, result.Cached, result.Calculated)
	if !result.Consistent() {
		exitOnError(fmt.Errorf("cached balance differs by %d", result.Cached-result.Calculated), "audit failed")
	}
	fmt.Println("OK")
}
