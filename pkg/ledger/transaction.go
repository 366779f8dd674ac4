package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/codec"
)

// Transaction is an immutable entry of the transaction log.
type Transaction struct {
	ID        int64
	AccountID int64
	Amount    int64
	Date      time.Time
	Payload   codec.Payload
}

// TransactionLog appends and reads transaction records.
type TransactionLog struct {
	table       string
	idField     string
	linkField   string
	amountField string
	dateField   string

	codec    *codec.Codec
	fields   []codec.Field
	reserved map[string]struct{}
	now      func() time.Time
}

// NewTransactionLog creates a TransactionLog for the transaction table of
// cfg. Fields lists the table's native fields; reserved ones are dropped.
func NewTransactionLog(cfg Config, fields []codec.Field, now func() time.Time) *TransactionLog {
	reserved := cfg.reservedTransactionFields()

	native := make([]codec.Field, 0, len(fields))
	for _, f := range fields {
		if _, skip := reserved[f.Name]; skip {
			continue
		}
		native = append(native, f)
	}
	if now == nil {
		now = time.Now
	}

	return &TransactionLog{
		table:       cfg.TransactionTable,
		idField:     cfg.TransactionIDField,
		linkField:   cfg.AccountLinkField,
		amountField: cfg.AmountField,
		dateField:   cfg.DateField,
		codec:       codec.New(cfg.OverflowField),
		fields:      native,
		reserved:    reserved,
		now:         now,
	}
}

// Fields returns the native payload fields.
func (l *TransactionLog) Fields() []codec.Field {
	out := make([]codec.Field, len(l.fields))
	copy(out, l.fields)
	return out
}

// Append writes one transaction record and returns its id.
// Payload keys naming a reserved field fail with ErrReservedKeyConflict.
func (l *TransactionLog) Append(ctx context.Context, tx Tx, accountID, amount int64, payload codec.Payload) (int64, error) {
	for _, key := range payload.Keys() {
		if _, reserved := l.reserved[key]; reserved {
			return 0, &codec.KeyError{Key: key, Err: ErrReservedKeyConflict}
		}
	}

	rec, err := l.codec.Serialize(payload, l.fields)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize payload: %w", err)
	}
	rec[l.linkField] = codec.Int(accountID)
	rec[l.amountField] = codec.Int(amount)
	rec[l.dateField] = codec.String(l.now().UTC().Format(time.RFC3339Nano))

	id, err := tx.Insert(ctx, l.table, l.idField, rec)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return id, nil
}

// Get reads one transaction. A missing transaction yields nil and no error.
// When only the overflow field is corrupt the transaction is returned with
// the remaining payload alongside an error wrapping codec.ErrCorruptPayload.
func (l *TransactionLog) Get(ctx context.Context, q Querier, id int64) (*Transaction, error) {
	rows, err := q.Lookup(ctx, l.table, codec.Record{l.idField: codec.Int(id)}, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %d: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return l.decode(rows[0])
}

// List returns the transactions of an account ordered by id.
func (l *TransactionLog) List(ctx context.Context, q Querier, accountID int64) ([]Transaction, error) {
	rows, err := q.Lookup(ctx, l.table, codec.Record{l.linkField: codec.Int(accountID)}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions of account %d: %w", accountID, err)
	}

	txns := make([]Transaction, 0, len(rows))
	var corrupt error
	for _, row := range rows {
		t, err := l.decode(row)
		if t == nil {
			return nil, err
		}
		if err != nil && corrupt == nil {
			corrupt = err
		}
		txns = append(txns, *t)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].ID < txns[j].ID })
	return txns, corrupt
}

// Sum aggregates the amounts of an account straight from the log.
func (l *TransactionLog) Sum(ctx context.Context, q Querier, accountID int64) (int64, error) {
	sum, err := q.Sum(ctx, l.table, l.amountField, codec.Record{l.linkField: codec.Int(accountID)})
	if err != nil {
		return 0, fmt.Errorf("failed to sum transactions of account %d: %w", accountID, err)
	}
	return sum, nil
}

func (l *TransactionLog) decode(rec codec.Record) (*Transaction, error) {
	var t Transaction
	var ok bool

	for _, f := range []struct {
		name string
		dst  *int64
	}{
		{l.idField, &t.ID},
		{l.linkField, &t.AccountID},
		{l.amountField, &t.Amount},
	} {
		if *f.dst, ok = rec[f.name].AsInt64(); !ok {
			return nil, corruptField(f.name, "not an integer: %s", rec[f.name])
		}
	}

	date, ok := rec[l.dateField].AsString()
	if !ok {
		return nil, corruptField(l.dateField, "not a timestamp: %s", rec[l.dateField])
	}
	parsed, err := time.Parse(time.RFC3339Nano, date)
	if err != nil {
		return nil, corruptField(l.dateField, "%v", err)
	}
	t.Date = parsed

	rest := make(codec.Record, len(rec))
	for k, v := range rec {
		switch k {
		case l.idField, l.linkField, l.amountField, l.dateField:
			continue
		}
		rest[k] = v
	}

	payload, err := l.codec.Unserialize(rest)
	t.Payload = payload
	if err != nil {
		return &t, fmt.Errorf("transaction %d: %w", t.ID, err)
	}
	return &t, nil
}

func corruptField(field, format string, args ...any) error {
	return &codec.KeyError{
		Key: field,
		Err: fmt.Errorf("%w: %s", codec.ErrCorruptPayload, fmt.Sprintf(format, args...)),
	}
}
