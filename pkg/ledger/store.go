package ledger

import (
	"context"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/codec"
)

// Querier is the read side of the storage command interface.
type Querier interface {
	// Lookup returns the records of table whose fields equal every entry of
	// criteria. A limit <= 0 means no limit.
	Lookup(ctx context.Context, table string, criteria codec.Record, limit int) ([]codec.Record, error)

	// Sum returns the sum of field over the records matching criteria, or 0.
	Sum(ctx context.Context, table, field string, criteria codec.Record) (int64, error)
}

// Tx is an atomic unit of work. Exactly one of Commit or Rollback must be called.
type Tx interface {
	Querier

	// Insert writes rec and returns the storage-assigned value of idField.
	Insert(ctx context.Context, table, idField string, rec codec.Record) (int64, error)

	// Increment atomically adds delta to field of the record whose idField
	// equals id.
	Increment(ctx context.Context, table, idField string, id int64, field string, delta int64) error

	Commit() error
	Rollback() error
}

// Store is the backing store of a ledger.
type Store interface {
	Querier

	// Begin starts a unit of work.
	Begin(ctx context.Context) (Tx, error)

	// Fields returns the fields available on table.
	Fields(ctx context.Context, table string) ([]codec.Field, error)
}
