package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/codec"
	"github.com/shunichi-ikebuchi/balance-ledger/pkg/ledger"
)

// FieldSpec declares one column of a table.
type FieldSpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// FieldMapping is the YAML description of the ledger tables:
//
//	account_table: wallets
//	overflow_field: extra
//	missing_account: zero
//	account_attributes:
//	  - {name: owner, type: string}
//	transaction_fields:
//	  - {name: note, type: string}
type FieldMapping struct {
	Ledger ledger.Config `yaml:",inline"`

	MissingAccount    string      `yaml:"missing_account"`
	AccountAttributes []FieldSpec `yaml:"account_attributes"`
	TransactionFields []FieldSpec `yaml:"transaction_fields"`
}

// DefaultFieldMapping returns the mapping used when no file is given:
// default names, accounts identified by owner and a native note column.
func DefaultFieldMapping() *FieldMapping {
	return &FieldMapping{
		Ledger:            ledger.DefaultConfig(),
		AccountAttributes: []FieldSpec{{Name: "owner", Type: "string"}},
		TransactionFields: []FieldSpec{{Name: "note", Type: "string"}},
	}
}

// LoadFieldMapping reads a FieldMapping from a YAML file. Names left out keep
// their defaults.
func LoadFieldMapping(path string) (*FieldMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read field mapping: %w", err)
	}

	mapping := FieldMapping{Ledger: ledger.DefaultConfig()}
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	mapping.Ledger = mapping.Ledger.WithDefaults()

	if _, err := mapping.Accounts(); err != nil {
		return nil, err
	}
	if _, err := mapping.Transactions(); err != nil {
		return nil, err
	}
	if mapping.MissingAccount != "" {
		if mapping.Ledger.MissingAccount, err = ledger.ParseMissingAccountPolicy(mapping.MissingAccount); err != nil {
			return nil, err
		}
	}

	return &mapping, nil
}

// Accounts returns the identifying account columns.
func (m *FieldMapping) Accounts() ([]codec.Field, error) {
	return toFields("account_attributes", m.AccountAttributes)
}

// Transactions returns the native transaction columns.
func (m *FieldMapping) Transactions() ([]codec.Field, error) {
	return toFields("transaction_fields", m.TransactionFields)
}

// LedgerConfig returns the ledger configuration of m with the environment
// overrides of c applied.
func (c *Config) LedgerConfig(m *FieldMapping) (ledger.Config, error) {
	cfg := m.Ledger.WithDefaults()

	if c.Ledger.MissingAccount != "" {
		policy, err := ledger.ParseMissingAccountPolicy(c.Ledger.MissingAccount)
		if err != nil {
			return ledger.Config{}, fmt.Errorf("invalid LEDGER_MISSING_ACCOUNT: %w", err)
		}
		cfg.MissingAccount = policy
	}
	if c.Ledger.ConflictRetries >= 0 {
		cfg.ConflictRetries = c.Ledger.ConflictRetries
	}

	if err := cfg.Validate(); err != nil {
		return ledger.Config{}, err
	}
	return cfg, nil
}

func toFields(section string, specs []FieldSpec) ([]codec.Field, error) {
	fields := make([]codec.Field, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("%s[%d]: name is required", section, i)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("%s: duplicate field %q", section, spec.Name)
		}
		seen[spec.Name] = true

		kind, err := parseKind(spec.Type)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", section, spec.Name, err)
		}
		fields = append(fields, codec.Field{Name: spec.Name, Kind: kind})
	}
	return fields, nil
}

func parseKind(s string) (codec.FieldKind, error) {
	switch strings.ToLower(s) {
	case "", "any":
		return codec.FieldAny, nil
	case "string", "text":
		return codec.FieldString, nil
	case "number", "numeric", "integer", "decimal":
		return codec.FieldNumber, nil
	case "bool", "boolean":
		return codec.FieldBool, nil
	}
	return 0, fmt.Errorf("unknown field type %q", s)
}
