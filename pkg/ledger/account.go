package ledger

import (
	"context"
	"fmt"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/codec"
)

// Account is a stored account.
type Account struct {
	ID         int64
	Attributes codec.Record
	Balance    int64
}

// AccountResolver finds accounts by their identifying attributes and creates
// them on first reference.
type AccountResolver struct {
	table        string
	idField      string
	balanceField string
}

// NewAccountResolver creates an AccountResolver for the account table of cfg.
func NewAccountResolver(cfg Config) *AccountResolver {
	return &AccountResolver{
		table:        cfg.AccountTable,
		idField:      cfg.AccountIDField,
		balanceField: cfg.BalanceField,
	}
}

// Find returns the id of the single account whose attributes equal attrs.
// found is false when there is none; two or more matches fail with
// ErrAmbiguousAccount.
func (r *AccountResolver) Find(ctx context.Context, q Querier, attrs codec.Record) (id int64, found bool, err error) {
	acc, found, err := r.Load(ctx, q, attrs)
	if err != nil || !found {
		return 0, found, err
	}
	return acc.ID, true, nil
}

// Load is Find returning the whole account.
func (r *AccountResolver) Load(ctx context.Context, q Querier, attrs codec.Record) (Account, bool, error) {
	if err := r.validate(attrs); err != nil {
		return Account{}, false, err
	}

	rows, err := q.Lookup(ctx, r.table, attrs, 2)
	if err != nil {
		return Account{}, false, fmt.Errorf("failed to look up account: %w", err)
	}
	switch len(rows) {
	case 0:
		return Account{}, false, nil
	case 1:
	default:
		return Account{}, false, fmt.Errorf("%w: %d accounts match %v", ErrAmbiguousAccount, len(rows), codec.Map(attrs))
	}

	acc, err := r.decode(rows[0])
	if err != nil {
		return Account{}, false, err
	}
	return acc, true, nil
}

// ResolveOrCreate returns the id of the account matching attrs, inserting a
// new zero-balance account seeded with attrs when none exists. It must run
// inside the unit of work of the enclosing mutation.
func (r *AccountResolver) ResolveOrCreate(ctx context.Context, tx Tx, attrs codec.Record) (int64, error) {
	id, found, err := r.Find(ctx, tx, attrs)
	if err != nil {
		return 0, err
	}
	if found {
		return id, nil
	}
	if _, byID := attrs[r.idField]; byID {
		return 0, fmt.Errorf("%w: %s=%v", ErrAccountNotFound, r.idField, attrs[r.idField])
	}

	rec := make(codec.Record, len(attrs)+1)
	for k, v := range attrs {
		rec[k] = v
	}
	rec[r.balanceField] = codec.Int(0)

	id, err = tx.Insert(ctx, r.table, r.idField, rec)
	if err != nil {
		return 0, fmt.Errorf("failed to create account: %w", err)
	}
	return id, nil
}

// validate requires at least one scalar attribute and forbids the balance
// field. Looking up by the id field is allowed; creating by it is not.
func (r *AccountResolver) validate(attrs codec.Record) error {
	if len(attrs) == 0 {
		return fmt.Errorf("%w: no attributes given", ErrInvalidAttributes)
	}
	for k, v := range attrs {
		if k == "" {
			return fmt.Errorf("%w: empty attribute name", ErrInvalidAttributes)
		}
		if k == r.balanceField {
			return fmt.Errorf("%w: %q is the balance field", ErrInvalidAttributes, k)
		}
		if !v.IsScalar() {
			return fmt.Errorf("%w: %q must be a string, number or bool, got %s", ErrInvalidAttributes, k, v.Kind())
		}
	}
	return nil
}

func (r *AccountResolver) decode(rec codec.Record) (Account, error) {
	id, ok := rec[r.idField].AsInt64()
	if !ok {
		return Account{}, fmt.Errorf("account record has no integer %q field", r.idField)
	}
	balance, ok := rec[r.balanceField].AsInt64()
	if !ok {
		return Account{}, fmt.Errorf("account %d has no integer %q field", id, r.balanceField)
	}

	attrs := make(codec.Record, len(rec))
	for k, v := range rec {
		if k == r.idField || k == r.balanceField || v.IsNull() {
			continue
		}
		attrs[k] = v
	}
	return Account{ID: id, Attributes: attrs, Balance: balance}, nil
}
