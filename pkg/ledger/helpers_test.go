package ledger_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/codec"
	"github.com/shunichi-ikebuchi/balance-ledger/pkg/db"
	"github.com/shunichi-ikebuchi/balance-ledger/pkg/ledger"
)

type fixture struct {
	ledger *ledger.Ledger
	store  *db.Store
	conn   *db.Connection
}

func openStore(t *testing.T, schema db.Schema) (*db.Connection, *db.Store) {
	t.Helper()

	conn, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, db.InitializeSchema(context.Background(), conn, schema))
	return conn, db.NewStore(conn)
}

func newFixture(t *testing.T, schema db.Schema, opts ...ledger.Option) *fixture {
	t.Helper()

	conn, store := openStore(t, schema)
	l, err := ledger.New(context.Background(), store, schema.Ledger, opts...)
	require.NoError(t, err)

	return &fixture{ledger: l, store: store, conn: conn}
}

func owner(name string) codec.Record {
	return codec.Record{"owner": codec.String(name)}
}

func (f *fixture) transactionCount(t *testing.T) int {
	t.Helper()

	var n int
	require.NoError(t, f.conn.GetDB().QueryRow(`SELECT COUNT(*) FROM balance_transactions`).Scan(&n))
	return n
}

func (f *fixture) accountCount(t *testing.T, attrs codec.Record) int {
	t.Helper()

	rows, err := f.store.Lookup(context.Background(), "balance_accounts", attrs, 0)
	require.NoError(t, err)
	return len(rows)
}

// faultyStore injects failures into the units of work of a real store.
type faultyStore struct {
	*db.Store

	incrementErr   error
	onIncrement    func()
	commitConflict atomic.Int32
	begins         atomic.Int32
}

func (s *faultyStore) Begin(ctx context.Context) (ledger.Tx, error) {
	s.begins.Add(1)
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, store: s}, nil
}

type faultyTx struct {
	ledger.Tx
	store *faultyStore
}

func (t *faultyTx) Increment(ctx context.Context, table, idField string, id int64, field string, delta int64) error {
	if t.store.onIncrement != nil {
		t.store.onIncrement()
	}
	if t.store.incrementErr != nil {
		return t.store.incrementErr
	}
	return t.Tx.Increment(ctx, table, idField, id, field, delta)
}

func (t *faultyTx) Commit() error {
	if t.store.commitConflict.Add(-1) >= 0 {
		_ = t.Tx.Rollback()
		return fmt.Errorf("%w: injected", ledger.ErrConflict)
	}
	return t.Tx.Commit()
}

// stateRecorder collects state transitions per operation.
type stateRecorder struct {
	mu     sync.Mutex
	states []ledger.State
}

func (r *stateRecorder) observe(_ string, s ledger.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = nil
}

func (r *stateRecorder) get() []ledger.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.State, len(r.states))
	copy(out, r.states)
	return out
}
