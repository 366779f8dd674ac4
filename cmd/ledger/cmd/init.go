package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/boltstore"
	"github.com/shunichi-ikebuchi/balance-ledger/pkg/db"
)

// initCmd represents the init command.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the ledger tables",
	Long: `Create the account and transaction tables described by the field
mapping. Existing tables are left untouched.

Example:
  ledger init
  ledger init --fields config/fields.yaml`,
	Run: runInit,
}

func runInit(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	env, err := openEnvironment()
	exitOnError(err, "failed to open database")
	defer env.Close()

	if env.bolt != nil {
		version, err := env.bolt.GetString("schema_version")
		if errors.Is(err, boltstore.ErrNotFound) {
			err = env.bolt.PutString("schema_version", db.SchemaVersion)
			version = db.SchemaVersion
		}
		exitOnError(err, "failed to initialize database")
		fmt.Printf("Initialized bbolt ledger (schema version %s)\n", version)
		return
	}

	schema, err := env.schema()
	exitOnError(err, "invalid field mapping")

	slog.Info("Initializing schema",
		"account_table", schema.Ledger.AccountTable,
		"transaction_table", schema.Ledger.TransactionTable,
	)
	exitOnError(db.InitializeSchema(ctx, env.conn, schema), "failed to initialize database")

	fmt.Printf("Initialized tables %s and %s\n", schema.Ledger.AccountTable, schema.Ledger.TransactionTable)
}
