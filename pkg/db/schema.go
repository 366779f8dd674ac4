// Package db provides the SQL storage backend of the ledger, for SQLite and
// PostgreSQL.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/codec"
	"github.com/shunichi-ikebuchi/balance-ledger/pkg/ledger"
)

// SchemaVersion is recorded in ledger_metadata by InitializeSchema.
const SchemaVersion = "1"

// Schema describes the tables InitializeSchema creates.
type Schema struct {
	Ledger ledger.Config

	// AccountAttributes are the identifying columns of the account table.
	// A unique index spans all of them.
	AccountAttributes []codec.Field

	// TransactionFields are the native payload columns of the transaction
	// table, next to the fixed ones.
	TransactionFields []codec.Field
}

// DefaultSchema returns the schema for DefaultConfig: accounts identified by
// an owner and transactions with a native note column.
func DefaultSchema() Schema {
	return Schema{
		Ledger:            ledger.DefaultConfig(),
		AccountAttributes: []codec.Field{{Name: "owner", Kind: codec.FieldString}},
		TransactionFields: []codec.Field{{Name: "note", Kind: codec.FieldString}},
	}
}

// Statements returns the DDL statements of s for driver.
func (s Schema) Statements(driver Driver) []string {
	cfg := s.Ledger.WithDefaults()
	q := quoteIdent

	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	date := "TEXT"
	if driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
		date = "TIMESTAMPTZ"
	}

	accountCols := []string{
		fmt.Sprintf("%s %s", q(cfg.AccountIDField), serial),
		fmt.Sprintf("%s BIGINT NOT NULL DEFAULT 0", q(cfg.BalanceField)),
	}
	attrNames := make([]string, 0, len(s.AccountAttributes))
	for _, f := range s.AccountAttributes {
		accountCols = append(accountCols, fmt.Sprintf("%s %s NOT NULL", q(f.Name), columnType(f.Kind)))
		attrNames = append(attrNames, q(f.Name))
	}

	txCols := []string{
		fmt.Sprintf("%s %s", q(cfg.TransactionIDField), serial),
		fmt.Sprintf("%s BIGINT NOT NULL REFERENCES %s(%s)",
			q(cfg.AccountLinkField), q(cfg.AccountTable), q(cfg.AccountIDField)),
		fmt.Sprintf("%s BIGINT NOT NULL", q(cfg.AmountField)),
		fmt.Sprintf("%s %s NOT NULL", q(cfg.DateField), date),
		fmt.Sprintf("%s TEXT", q(cfg.OverflowField)),
	}
	for _, name := range []string{cfg.ExtraAccountLinkField, cfg.RevertTransactionField} {
		if name != "" {
			txCols = append(txCols, fmt.Sprintf("%s BIGINT", q(name)))
		}
	}
	for _, f := range s.TransactionFields {
		txCols = append(txCols, fmt.Sprintf("%s %s", q(f.Name), columnType(f.Kind)))
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
			q(cfg.AccountTable), strings.Join(accountCols, ",\n    ")),
	}
	if len(attrNames) > 0 {
		stmts = append(stmts, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(%s)",
			q("idx_"+cfg.AccountTable+"_identity"), q(cfg.AccountTable), strings.Join(attrNames, ", ")))
	}
	stmts = append(stmts,
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)",
			q(cfg.TransactionTable), strings.Join(txCols, ",\n    ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
			q("idx_"+cfg.TransactionTable+"_account"), q(cfg.TransactionTable), q(cfg.AccountLinkField)),
		`CREATE TABLE IF NOT EXISTS ledger_metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`,
	)
	return stmts
}

// InitializeSchema initializes the database schema.
// It creates all tables if they don't exist and records the schema version.
func InitializeSchema(ctx context.Context, conn *Connection, s Schema) error {
	err := conn.Transaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range s.Statements(conn.driver) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return conn.SetMetadata(ctx, "schema_version", SchemaVersion)
}

func columnType(kind codec.FieldKind) string {
	switch kind {
	case codec.FieldNumber:
		return "NUMERIC"
	case codec.FieldBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// fieldKind maps a declared column type to the payload kind it stores.
// Unknown types are read back as strings.
func fieldKind(typeName string) codec.FieldKind {
	t := strings.ToUpper(typeName)
	switch {
	case strings.Contains(t, "BOOL"):
		return codec.FieldBool
	case strings.Contains(t, "INT"),
		strings.Contains(t, "NUMERIC"),
		strings.Contains(t, "DECIMAL"),
		strings.Contains(t, "REAL"),
		strings.Contains(t, "FLOA"),
		strings.Contains(t, "DOUB"):
		return codec.FieldNumber
	default:
		return codec.FieldString
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
