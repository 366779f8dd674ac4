package ledger

import (
	"fmt"
	"strings"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/codec"
)

// MissingAccountPolicy decides what read operations do when no account
// matches the given attributes.
type MissingAccountPolicy int

const (
	// MissingAccountError fails with ErrAccountNotFound.
	MissingAccountError MissingAccountPolicy = iota
	// MissingAccountZero reports a zero balance.
	MissingAccountZero
	// MissingAccountCreate creates the account, like Mutate does.
	MissingAccountCreate
)

func (p MissingAccountPolicy) String() string {
	switch p {
	case MissingAccountError:
		return "error"
	case MissingAccountZero:
		return "zero"
	case MissingAccountCreate:
		return "create"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseMissingAccountPolicy parses "error", "zero" or "create".
func ParseMissingAccountPolicy(s string) (MissingAccountPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "error":
		return MissingAccountError, nil
	case "zero":
		return MissingAccountZero, nil
	case "create":
		return MissingAccountCreate, nil
	}
	return 0, fmt.Errorf("%w: unknown missing account policy %q", ErrInvalidConfig, s)
}

// Config names the tables and fields the ledger works with.
// Empty names fall back to DefaultConfig.
type Config struct {
	AccountTable     string `yaml:"account_table"`
	TransactionTable string `yaml:"transaction_table"`

	AccountIDField     string `yaml:"account_id_field"`
	TransactionIDField string `yaml:"transaction_id_field"`
	BalanceField       string `yaml:"balance_field"`
	AccountLinkField   string `yaml:"account_link_field"`
	AmountField        string `yaml:"amount_field"`
	DateField          string `yaml:"date_field"`
	OverflowField      string `yaml:"overflow_field"`

	// ExtraAccountLinkField, when set, receives the counterparty account id
	// on both records written by Transfer.
	ExtraAccountLinkField string `yaml:"extra_account_link_field"`
	// RevertTransactionField, when set, receives the reverted transaction id
	// on records written by Revert.
	RevertTransactionField string `yaml:"revert_transaction_field"`

	// TransactionFields injects the native fields of the transaction table.
	// When nil they are discovered from the store once, in New.
	TransactionFields []codec.Field `yaml:"-"`

	MissingAccount MissingAccountPolicy `yaml:"-"`

	// ConflictRetries is how many times a unit of work is retried after the
	// store reports ErrConflict.
	ConflictRetries int `yaml:"conflict_retries"`
}

// DefaultConfig returns the default table and field names.
func DefaultConfig() Config {
	return Config{
		AccountTable:       "balance_accounts",
		TransactionTable:   "balance_transactions",
		AccountIDField:     "id",
		TransactionIDField: "id",
		BalanceField:       "balance",
		AccountLinkField:   "account_id",
		AmountField:        "amount",
		DateField:          "date",
		OverflowField:      "data",
		MissingAccount:     MissingAccountError,
		ConflictRetries:    3,
	}
}

// WithDefaults returns c with every empty name replaced by its default.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&c.AccountTable, d.AccountTable)
	fill(&c.TransactionTable, d.TransactionTable)
	fill(&c.AccountIDField, d.AccountIDField)
	fill(&c.TransactionIDField, d.TransactionIDField)
	fill(&c.BalanceField, d.BalanceField)
	fill(&c.AccountLinkField, d.AccountLinkField)
	fill(&c.AmountField, d.AmountField)
	fill(&c.DateField, d.DateField)
	fill(&c.OverflowField, d.OverflowField)
	return c
}

// Validate checks that the fixed transaction fields are distinct and that the
// optional link fields do not collide with them.
func (c Config) Validate() error {
	if c.AccountTable == "" || c.TransactionTable == "" {
		return fmt.Errorf("%w: table names are required", ErrInvalidConfig)
	}
	if c.AccountTable == c.TransactionTable {
		return fmt.Errorf("%w: account and transaction tables must differ", ErrInvalidConfig)
	}
	if c.AccountIDField == "" || c.BalanceField == "" {
		return fmt.Errorf("%w: account id and balance fields are required", ErrInvalidConfig)
	}
	if c.AccountIDField == c.BalanceField {
		return fmt.Errorf("%w: account id and balance fields must differ", ErrInvalidConfig)
	}

	seen := make(map[string]string)
	for _, f := range []struct{ name, value string }{
		{"transaction_id_field", c.TransactionIDField},
		{"account_link_field", c.AccountLinkField},
		{"amount_field", c.AmountField},
		{"date_field", c.DateField},
		{"overflow_field", c.OverflowField},
	} {
		if f.value == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, f.name)
		}
		if other, dup := seen[f.value]; dup {
			return fmt.Errorf("%w: %s and %s both use %q", ErrInvalidConfig, other, f.name, f.value)
		}
		seen[f.value] = f.name
	}

	for _, f := range []struct{ name, value string }{
		{"extra_account_link_field", c.ExtraAccountLinkField},
		{"revert_transaction_field", c.RevertTransactionField},
	} {
		if f.value == "" {
			continue
		}
		if other, dup := seen[f.value]; dup {
			return fmt.Errorf("%w: %s collides with %s (%q)", ErrInvalidConfig, f.name, other, f.value)
		}
	}
	if c.ExtraAccountLinkField != "" && c.ExtraAccountLinkField == c.RevertTransactionField {
		return fmt.Errorf("%w: extra account link and revert fields must differ", ErrInvalidConfig)
	}

	switch c.MissingAccount {
	case MissingAccountError, MissingAccountZero, MissingAccountCreate:
	default:
		return fmt.Errorf("%w: unknown missing account policy %d", ErrInvalidConfig, c.MissingAccount)
	}
	if c.ConflictRetries < 0 {
		return fmt.Errorf("%w: conflict_retries must not be negative", ErrInvalidConfig)
	}
	return nil
}

// reservedTransactionFields returns the transaction fields callers may not
// use as payload keys.
func (c Config) reservedTransactionFields() map[string]struct{} {
	return map[string]struct{}{
		c.TransactionIDField: {},
		c.AccountLinkField:   {},
		c.AmountField:        {},
		c.DateField:          {},
		c.OverflowField:      {},
	}
}
