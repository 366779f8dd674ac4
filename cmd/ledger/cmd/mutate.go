package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var (
	accountPairs []string
	toPairs      []string
	dataPairs    []string
	amount       int64
)

// mutateCmd represents the mutate command.
var mutateCmd = &cobra.Command{
	Use:   "mutate",
	Short: "Append a transaction and adjust the account balance",
	Long: `Append a signed-amount transaction to the account matching --account,
creating the account on first use, and add the amount to its balance.

Payload keys matching a native column of the transaction table are stored
in that column; all other keys go to the overflow field.

Example:
  ledger mutate --account owner=alice --amount 100
  ledger mutate --account owner=alice --amount -30 --data note=rent --data tags='["home"]'`,
	Args: cobra.NoArgs,
	Run:  runMutate,
}

// transferCmd represents the transfer command.
var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Move an amount between two accounts",
	Long: `Debit the --account account and credit the --to account by --amount in
a single unit of work.

Example:
  ledger transfer --account owner=alice --to owner=bob --amount 40 --data note=lunch`,
	Args: cobra.NoArgs,
	Run:  runTransfer,
}

// revertCmd represents the revert command.
var revertCmd = &cobra.Command{
	Use:   "revert TRANSACTION_ID",
	Short: "Append the opposite of an existing transaction",
	Long: `Append a transaction with the negated amount of TRANSACTION_ID to the
same account. The original payload is copied and --data entries override it.

Example:
  ledger revert 42 --data note=refund`,
	Args: cobra.ExactArgs(1),
	Run:  runRevert,
}

func init() {
	mutateCmd.Flags().StringArrayVar(&accountPairs, "account", nil, "account attribute key=value (repeatable, required)")
	mutateCmd.Flags().Int64Var(&amount, "amount", 0, "signed amount in minor units (required)")
	mutateCmd.Flags().StringArrayVar(&dataPairs, "data", nil, "payload key=value, value may be JSON (repeatable)")
	mutateCmd.MarkFlagRequired("account")
	mutateCmd.MarkFlagRequired("amount")

	transferCmd.Flags().StringArrayVar(&accountPairs, "account", nil, "source account attribute key=value (repeatable, required)")
	transferCmd.Flags().StringArrayVar(&toPairs, "to", nil, "destination account attribute key=value (repeatable, required)")
	transferCmd.Flags().Int64Var(&amount, "amount", 0, "positive amount in minor units (required)")
	transferCmd.Flags().StringArrayVar(&dataPairs, "data", nil, "payload key=value, value may be JSON (repeatable)")
	transferCmd.MarkFlagRequired("account")
	transferCmd.MarkFlagRequired("to")
	transferCmd.MarkFlagRequired("amount")

	revertCmd.Flags().StringArrayVar(&dataPairs, "data", nil, "payload key=value overriding the original (repeatable)")
}

func runMutate(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	attrs, err := parseAccount("account", accountPairs)
	exitOnError(err, "invalid arguments")
	payload, err := parsePayload(dataPairs)
	exitOnError(err, "invalid arguments")

	env, l := mustLedger(ctx)
	defer env.Close()

	slog.Debug("Mutating account", "account", accountPairs, "amount", amount)
	txID, err := l.Mutate(ctx, attrs, amount, payload)
	exitOnError(err, "mutation failed")

	balance, err := l.Balance(ctx, attrs)
	exitOnError(err, "failed to read balance")

	fmt.Printf("Transaction %d recorded, balance %d\n", txID, balance)
}

func runTransfer(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	from, err := parseAccount("account", accountPairs)
	exitOnError(err, "invalid arguments")
	to, err := parseAccount("to", toPairs)
	exitOnError(err, "invalid arguments")
	payload, err := parsePayload(dataPairs)
	exitOnError(err, "invalid arguments")

	env, l := mustLedger(ctx)
	defer env.Close()

	ids, err := l.Transfer(ctx, from, to, amount, payload)
	exitOnError(err, "transfer failed")

	fmt.Printf("Transfer recorded: debit %d, credit %d\n", ids[0], ids[1])
}

func runRevert(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	id, err := parseID(args[0])
	exitOnError(err, "invalid arguments")
	payload, err := parsePayload(dataPairs)
	exitOnError(err, "invalid arguments")

	env, l := mustLedger(ctx)
	defer env.Close()

	txID, err := l.Revert(ctx, id, payload)
	exitOnError(err, "revert failed")

	fmt.Printf("Transaction %d reverted by %d\n", id, txID)
}
