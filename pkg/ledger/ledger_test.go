package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/codec"
	"github.com/shunichi-ikebuchi/balance-ledger/pkg/db"
	"github.com/shunichi-ikebuchi/balance-ledger/pkg/ledger"
)

func TestMutateCreatesAccountAndAdjustsBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, db.DefaultSchema())

	txID, err := f.ledger.Mutate(ctx, owner("alice"), 100, nil)
	require.NoError(t, err)
	assert.Positive(t, txID)

	balance, err := f.ledger.Balance(ctx, owner("alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	sum, err := f.ledger.Calculate(ctx, owner("alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), sum)

	txID, err = f.ledger.Mutate(ctx, owner("alice"), -30, nil)
	require.NoError(t, err)

	balance, err = f.ledger.Balance(ctx, owner("alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)

	got, err := f.ledger.Get(ctx, txID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(-30), got.Amount)
	assert.Empty(t, got.Payload)

	assert.Equal(t, 1, f.accountCount(t, owner("alice")))
}

func TestMutateRoutesPayloadFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, db.DefaultSchema())

	payload := codec.Payload{
		"note":         codec.String("rent"),
		"unknownField": codec.String("x"),
	}
	txID, err := f.ledger.Mutate(ctx, owner("bob"), 500, payload)
	require.NoError(t, err)

	var note, data string
	require.NoError(t, f.conn.GetDB().
		QueryRow(`SELECT note, data FROM balance_transactions WHERE id = ?`, txID).
		Scan(&note, &data))
	assert.Equal(t, "rent", note)
	assert.JSONEq(t, `{"unknownField":"x"}`, data)

	got, err := f.ledger.Get(ctx, txID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, payload.Equal(got.Payload), "got %v", got.Payload)
}

func TestMutateRollsBackWhenBalanceAdjustmentFails(t *testing.T) {
	ctx := context.Background()
	schema := db.DefaultSchema()
	_, store := openStore(t, schema)

	faulty := &faultyStore{Store: store}
	rec := &stateRecorder{}
	l, err := ledger.New(ctx, faulty, schema.Ledger, ledger.WithStateObserver(rec.observe))
	require.NoError(t, err)

	_, err = l.Mutate(ctx, owner("carol"), 40, nil)
	require.NoError(t, err)
	before, err := l.Calculate(ctx, owner("carol"))
	require.NoError(t, err)

	rec.reset()
	boom := errors.New("disk on fire")
	faulty.incrementErr = boom

	_, err = l.Mutate(ctx, owner("carol"), 60, codec.Payload{"note": codec.String("lost")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrTransactionAborted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []ledger.State{
		ledger.StateStarted,
		ledger.StateAccountResolved,
		ledger.StateTransactionAppended,
		ledger.StateRolledBack,
	}, rec.get())

	faulty.incrementErr = nil
	after, err := l.Calculate(ctx, owner("carol"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	history, err := l.History(ctx, owner("carol"))
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestMutateRollsBackNewAccount(t *testing.T) {
	ctx := context.Background()
	schema := db.DefaultSchema()
	_, store := openStore(t, schema)

	faulty := &faultyStore{Store: store, incrementErr: errors.New("injected")}
	l, err := ledger.New(ctx, faulty, schema.Ledger)
	require.NoError(t, err)

	_, err = l.Mutate(ctx, owner("dave"), 10, nil)
	require.ErrorIs(t, err, ledger.ErrTransactionAborted)

	_, err = l.Calculate(ctx, owner("dave"))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestMutateStateSequence(t *testing.T) {
	ctx := context.Background()
	rec := &stateRecorder{}
	f := newFixture(t, db.DefaultSchema(), ledger.WithStateObserver(rec.observe))

	_, err := f.ledger.Mutate(ctx, owner("erin"), 1, nil)
	require.NoError(t, err)

	assert.Equal(t, []ledger.State{
		ledger.StateStarted,
		ledger.StateAccountResolved,
		ledger.StateTransactionAppended,
		ledger.StateBalanceAdjusted,
		ledger.StateCommitted,
	}, rec.get())
}

func TestMutateRejectsReservedKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, db.DefaultSchema())

	for _, key := range []string{"id", "account_id", "amount", "date", "data"} {
		t.Run(key, func(t *testing.T) {
			_, err := f.ledger.Mutate(ctx, owner("frank"), 5, codec.Payload{key: codec.Int(1)})
			require.ErrorIs(t, err, ledger.ErrReservedKeyConflict)
			assert.NotErrorIs(t, err, ledger.ErrTransactionAborted)

			var keyErr *codec.KeyError
			require.ErrorAs(t, err, &keyErr)
			assert.Equal(t, key, keyErr.Key)
		})
	}

	assert.Zero(t, f.transactionCount(t))
	assert.Zero(t, f.accountCount(t, owner("frank")))
}

func TestMutateCancelledContext(t *testing.T) {
	f := newFixture(t, db.DefaultSchema())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.ledger.Mutate(ctx, owner("gina"), 5, nil)
	require.ErrorIs(t, err, ledger.ErrTransactionAborted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.transactionCount(t))
}

func TestMutateCancelledMidUnit(t *testing.T) {
	schema := db.DefaultSchema()
	conn, store := openStore(t, schema)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	faulty := &faultyStore{Store: store, onIncrement: cancel}
	l, err := ledger.New(context.Background(), faulty, schema.Ledger)
	require.NoError(t, err)

	_, err = l.Mutate(ctx, owner("hank"), 5, nil)
	require.ErrorIs(t, err, ledger.ErrTransactionAborted)

	var n int
	require.NoError(t, conn.GetDB().QueryRow(`SELECT COUNT(*) FROM balance_transactions`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, conn.GetDB().QueryRow(`SELECT COUNT(*) FROM balance_accounts`).Scan(&n))
	assert.Zero(t, n)
}

func TestMutateRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	schema := db.DefaultSchema()
	_, store := openStore(t, schema)

	faulty := &faultyStore{Store: store}
	faulty.commitConflict.Store(2)
	l, err := ledger.New(ctx, faulty, schema.Ledger)
	require.NoError(t, err)

	_, err = l.Mutate(ctx, owner("ivy"), 25, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), faulty.begins.Load())

	balance, err := l.Balance(ctx, owner("ivy"))
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)
}

func TestMutateGivesUpAfterConflictRetries(t *testing.T) {
	ctx := context.Background()
	schema := db.DefaultSchema()
	schema.Ledger.ConflictRetries = 1
	_, store := openStore(t, schema)

	faulty := &faultyStore{Store: store}
	faulty.commitConflict.Store(5)
	l, err := ledger.New(ctx, faulty, schema.Ledger)
	require.NoError(t, err)

	_, err = l.Mutate(ctx, owner("jack"), 25, nil)
	require.ErrorIs(t, err, ledger.ErrTransactionAborted)
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.Equal(t, int32(2), faulty.begins.Load())
}

func TestConcurrentMutationsKeepBalanceInvariant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, db.DefaultSchema())

	const workers = 16
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		amount := int64(i + 1)
		if i%3 == 0 {
			amount = -amount
		}
		g.Go(func() error {
			_, err := f.ledger.Mutate(ctx, owner("kate"), amount, nil)
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, f.accountCount(t, owner("kate")))

	result, err := f.ledger.Audit(ctx, owner("kate"))
	require.NoError(t, err)
	assert.True(t, result.Consistent(), "cached %d, calculated %d", result.Cached, result.Calculated)

	var expected int64
	for i := 0; i < workers; i++ {
		amount := int64(i + 1)
		if i%3 == 0 {
			amount = -amount
		}
		expected += amount
	}
	assert.Equal(t, expected, result.Calculated)
	assert.Equal(t, workers, f.transactionCount(t))
}

func TestConcurrentResolutionCreatesOneAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, db.DefaultSchema())

	const workers = 12
	ids := make([]int64, workers)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			txID, err := f.ledger.Mutate(ctx, owner("liam"), 1, nil)
			if err != nil {
				return err
			}
			got, err := f.ledger.Get(ctx, txID)
			if err != nil {
				return err
			}
			ids[i] = got.AccountID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, f.accountCount(t, owner("liam")))
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestCalculateMissingAccountPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("error", func(t *testing.T) {
		f := newFixture(t, db.DefaultSchema())
		_, err := f.ledger.Calculate(ctx, owner("nobody"))
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
		_, err = f.ledger.Balance(ctx, owner("nobody"))
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	})

	t.Run("zero", func(t *testing.T) {
		schema := db.DefaultSchema()
		schema.Ledger.MissingAccount = ledger.MissingAccountZero
		f := newFixture(t, schema)

		sum, err := f.ledger.Calculate(ctx, owner("nobody"))
		require.NoError(t, err)
		assert.Zero(t, sum)
		assert.Zero(t, f.accountCount(t, owner("nobody")))
	})

	t.Run("create", func(t *testing.T) {
		schema := db.DefaultSchema()
		schema.Ledger.MissingAccount = ledger.MissingAccountCreate
		f := newFixture(t, schema)

		sum, err := f.ledger.Calculate(ctx, owner("nobody"))
		require.NoError(t, err)
		assert.Zero(t, sum)
		assert.Equal(t, 1, f.accountCount(t, owner("nobody")))
	})
}

func TestIncreaseDecrease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, db.DefaultSchema())

	_, err := f.ledger.Increase(ctx, owner("mia"), -50, nil)
	require.NoError(t, err)
	txID, err := f.ledger.Decrease(ctx, owner("mia"), 20, nil)
	require.NoError(t, err)

	got, err := f.ledger.Get(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, int64(-20), got.Amount)

	balance, err := f.ledger.Balance(ctx, owner("mia"))
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	_, err = f.ledger.Increase(ctx, owner("mia"), 0, nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func linkedSchema() db.Schema {
	schema := db.DefaultSchema()
	schema.Ledger.ExtraAccountLinkField = "counterparty_id"
	schema.Ledger.RevertTransactionField = "reverts_id"
	return schema
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linkedSchema())

	_, err := f.ledger.Mutate(ctx, owner("noah"), 100, nil)
	require.NoError(t, err)

	ids, err := f.ledger.Transfer(ctx, owner("noah"), owner("olga"), 40, codec.Payload{"note": codec.String("lunch")})
	require.NoError(t, err)

	debit, err := f.ledger.Get(ctx, ids[0])
	require.NoError(t, err)
	credit, err := f.ledger.Get(ctx, ids[1])
	require.NoError(t, err)

	assert.Equal(t, int64(-40), debit.Amount)
	assert.Equal(t, int64(40), credit.Amount)
	assert.True(t, codec.Int(credit.AccountID).Equal(debit.Payload["counterparty_id"]))
	assert.True(t, codec.Int(debit.AccountID).Equal(credit.Payload["counterparty_id"]))
	assert.True(t, codec.String("lunch").Equal(credit.Payload["note"]))

	for name, want := range map[string]int64{"noah": 60, "olga": 40} {
		result, err := f.ledger.Audit(ctx, owner(name))
		require.NoError(t, err)
		assert.Equal(t, want, result.Cached, name)
		assert.True(t, result.Consistent(), name)
	}

	_, err = f.ledger.Transfer(ctx, owner("noah"), owner("noah"), 1, nil)
	assert.ErrorIs(t, err, ledger.ErrSameAccount)

	_, err = f.ledger.Transfer(ctx, owner("noah"), owner("olga"), 0, nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestRevert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, linkedSchema())

	origID, err := f.ledger.Mutate(ctx, owner("paul"), 75, codec.Payload{
		"note": codec.String("deposit"),
		"ref":  codec.String("A-1"),
	})
	require.NoError(t, err)

	revID, err := f.ledger.Revert(ctx, origID, codec.Payload{"note": codec.String("refund")})
	require.NoError(t, err)

	rev, err := f.ledger.Get(ctx, revID)
	require.NoError(t, err)
	assert.Equal(t, int64(-75), rev.Amount)
	assert.True(t, codec.String("refund").Equal(rev.Payload["note"]))
	assert.True(t, codec.String("A-1").Equal(rev.Payload["ref"]))
	assert.True(t, codec.Int(origID).Equal(rev.Payload["reverts_id"]))

	balance, err := f.ledger.Balance(ctx, owner("paul"))
	require.NoError(t, err)
	assert.Zero(t, balance)

	_, err = f.ledger.Revert(ctx, 9999, nil)
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestAuditDetectsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, db.DefaultSchema())

	_, err := f.ledger.Mutate(ctx, owner("quinn"), 10, nil)
	require.NoError(t, err)

	_, err = f.conn.GetDB().Exec(`UPDATE balance_accounts SET balance = 999 WHERE owner = 'quinn'`)
	require.NoError(t, err)

	result, err := f.ledger.Audit(ctx, owner("quinn"))
	require.NoError(t, err)
	assert.False(t, result.Consistent())
	assert.Equal(t, int64(999), result.Cached)
	assert.Equal(t, int64(10), result.Calculated)

	_, err = f.ledger.Audit(ctx, owner("nobody"))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestGetAndHistory(t *testing.T) {
	ctx := context.Background()
	when := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	f := newFixture(t, db.DefaultSchema(), ledger.WithClock(func() time.Time { return when }))

	missing, err := f.ledger.Get(ctx, 12345)
	require.NoError(t, err)
	assert.Nil(t, missing)

	for _, amount := range []int64{5, -2, 9} {
		_, err := f.ledger.Mutate(ctx, owner("rita"), amount, nil)
		require.NoError(t, err)
	}

	history, err := f.ledger.History(ctx, owner("rita"))
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, amount := range []int64{5, -2, 9} {
		assert.Equal(t, amount, history[i].Amount)
		assert.True(t, history[i].Date.Equal(when))
	}
	assert.Less(t, history[0].ID, history[1].ID)
}

func TestGetCorruptOverflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, db.DefaultSchema())

	txID, err := f.ledger.Mutate(ctx, owner("sam"), 3, codec.Payload{
		"note":  codec.String("kept"),
		"extra": codec.Bool(true),
	})
	require.NoError(t, err)

	_, err = f.conn.GetDB().Exec(`UPDATE balance_transactions SET data = '{broken' WHERE id = ?`, txID)
	require.NoError(t, err)

	got, err := f.ledger.Get(ctx, txID)
	require.ErrorIs(t, err, codec.ErrCorruptPayload)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.Amount)
	assert.True(t, codec.String("kept").Equal(got.Payload["note"]))
	_, ok := got.Payload["extra"]
	assert.False(t, ok)
}

func TestNativeNumberFieldRoundTrip(t *testing.T) {
	ctx := context.Background()
	schema := db.DefaultSchema()
	schema.TransactionFields = append(schema.TransactionFields, codec.Field{Name: "rate", Kind: codec.FieldNumber})
	f := newFixture(t, schema)

	for _, s := range []string{"1.25", "0.1", "42", "-3.5"} {
		var rate codec.Value
		require.NoError(t, rate.UnmarshalJSON([]byte(s)))
		payload := codec.Payload{"rate": rate, "note": codec.String("fx")}

		txID, err := f.ledger.Mutate(ctx, owner("uma"), 1, payload)
		require.NoError(t, err, s)

		got, err := f.ledger.Get(ctx, txID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, payload.Equal(got.Payload), "in=%s out=%v", s, got.Payload)
	}

	before := f.transactionCount(t)
	for _, s := range []string{"12345678901234567890", "1.000000000000000000001"} {
		var rate codec.Value
		require.NoError(t, rate.UnmarshalJSON([]byte(s)))

		_, err := f.ledger.Mutate(ctx, owner("uma"), 1, codec.Payload{"rate": rate})
		require.ErrorIs(t, err, codec.ErrUnsupportedValueType, s)
		assert.NotErrorIs(t, err, ledger.ErrTransactionAborted)
	}
	assert.Equal(t, before, f.transactionCount(t))

	balance, err := f.ledger.Balance(ctx, owner("uma"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	ctx := context.Background()
	_, store := openStore(t, db.DefaultSchema())

	_, err := ledger.New(ctx, store, ledger.Config{AccountTable: "t", TransactionTable: "t"})
	assert.ErrorIs(t, err, ledger.ErrInvalidConfig)

	_, err = ledger.New(ctx, nil, ledger.DefaultConfig())
	assert.ErrorIs(t, err, ledger.ErrInvalidConfig)

	_, err = ledger.New(ctx, store, ledger.Config{TransactionTable: "missing_table"})
	assert.Error(t, err)
}

func TestNewWithInjectedFields(t *testing.T) {
	ctx := context.Background()
	_, store := openStore(t, db.DefaultSchema())

	cfg := ledger.DefaultConfig()
	cfg.TransactionFields = []codec.Field{}
	l, err := ledger.New(ctx, store, cfg)
	require.NoError(t, err)
	assert.Empty(t, l.Transactions().Fields())

	txID, err := l.Mutate(ctx, owner("tom"), 1, codec.Payload{"note": codec.String("in overflow")})
	require.NoError(t, err)

	rows, err := store.Lookup(ctx, "balance_transactions", codec.Record{"id": codec.Int(txID)}, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0]["note"].IsNull())
	assert.True(t, codec.String(`{"note":"in overflow"}`).Equal(rows[0]["data"]))
}
