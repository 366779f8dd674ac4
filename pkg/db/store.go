package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/codec"
	"github.com/shunichi-ikebuchi/balance-ledger/pkg/ledger"
)

// queryer is implemented by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements ledger.Store on a SQL database.
type Store struct {
	conn *Connection
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates a new Store instance.
func NewStore(conn *Connection) *Store {
	return &Store{conn: conn}
}

// Begin starts a database transaction. On SQLite it takes the write lock
// immediately; on PostgreSQL row locks are taken by the statements.
func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := s.conn.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	return &Tx{tx: tx, driver: s.conn.driver}, nil
}

// Lookup implements ledger.Querier.
func (s *Store) Lookup(ctx context.Context, table string, criteria codec.Record, limit int) ([]codec.Record, error) {
	return lookup(ctx, s.conn.db, s.conn.driver, table, criteria, limit)
}

// Sum implements ledger.Querier.
func (s *Store) Sum(ctx context.Context, table, field string, criteria codec.Record) (int64, error) {
	return sum(ctx, s.conn.db, s.conn.driver, table, field, criteria)
}

// Fields returns the columns of table with the payload kind their declared
// type stores.
func (s *Store) Fields(ctx context.Context, table string) ([]codec.Field, error) {
	var query string
	switch s.conn.driver {
	case DriverPostgres:
		query = `
			SELECT column_name, data_type FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1
			ORDER BY ordinal_position
		`
	default:
		query = `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`
	}

	rows, err := s.conn.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to get columns of %s: %w", table, err)
	}
	defer rows.Close()

	var fields []codec.Field
	for rows.Next() {
		var name, typeName string
		if err := rows.Scan(&name, &typeName); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		fields = append(fields, codec.Field{Name: name, Kind: fieldKind(typeName)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get columns of %s: %w", table, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}

	return fields, nil
}

// Tx is a unit of work on a database transaction.
type Tx struct {
	tx     *sql.Tx
	driver Driver
}

var _ ledger.Tx = (*Tx)(nil)

// Lookup implements ledger.Querier.
func (t *Tx) Lookup(ctx context.Context, table string, criteria codec.Record, limit int) ([]codec.Record, error) {
	return lookup(ctx, t.tx, t.driver, table, criteria, limit)
}

// Sum implements ledger.Querier.
func (t *Tx) Sum(ctx context.Context, table, field string, criteria codec.Record) (int64, error) {
	return sum(ctx, t.tx, t.driver, table, field, criteria)
}

// Insert writes rec and returns the generated id.
func (t *Tx) Insert(ctx context.Context, table, idField string, rec codec.Record) (int64, error) {
	names := sortedKeys(rec)
	cols := make([]string, len(names))
	marks := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		if err := checkExact(t.driver, rec[name]); err != nil {
			return 0, &codec.KeyError{Key: name, Err: err}
		}
		arg, err := toArg(rec[name])
		if err != nil {
			return 0, &codec.KeyError{Key: name, Err: err}
		}
		cols[i] = quoteIdent(name)
		marks[i] = "?"
		args[i] = arg
	}

	var query string
	if len(cols) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quoteIdent(table))
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	}

	if t.driver == DriverPostgres {
		var id int64
		query = rebind(t.driver, query+" RETURNING "+quoteIdent(idField))
		if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, mapError(fmt.Errorf("failed to insert into %s: %w", table, err))
		}
		return id, nil
	}

	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapError(fmt.Errorf("failed to insert into %s: %w", table, err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

// Increment adds delta to field in a single UPDATE statement.
func (t *Tx) Increment(ctx context.Context, table, idField string, id int64, field string, delta int64) error {
	query := rebind(t.driver, fmt.Sprintf("UPDATE %s SET %s = %s + ? WHERE %s = ?",
		quoteIdent(table), quoteIdent(field), quoteIdent(field), quoteIdent(idField)))

	result, err := t.tx.ExecContext(ctx, query, delta, id)
	if err != nil {
		return mapError(fmt.Errorf("failed to increment %s.%s: %w", table, field, err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no %s record with %s = %d", table, idField, id)
	}
	return nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Rollback rolls the transaction back.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

func lookup(ctx context.Context, q queryer, driver Driver, table string, criteria codec.Record, limit int) ([]codec.Record, error) {
	where, args, err := whereClause(criteria)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s%s", quoteIdent(table), where)
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := q.QueryContext(ctx, rebind(driver, query), args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query %s: %w", table, err))
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}
	kinds := make([]codec.FieldKind, len(types))
	for i, ct := range types {
		kinds[i] = fieldKind(ct.DatabaseTypeName())
	}

	var records []codec.Record
	for rows.Next() {
		raw := make([]any, len(types))
		dest := make([]any, len(types))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}

		rec := make(codec.Record, len(types))
		for i, ct := range types {
			v, err := fromColumn(raw[i], kinds[i])
			if err != nil {
				return nil, &codec.KeyError{Key: ct.Name(), Err: err}
			}
			rec[ct.Name()] = v
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(fmt.Errorf("failed to query %s: %w", table, err))
	}

	return records, nil
}

func sum(ctx context.Context, q queryer, driver Driver, table, field string, criteria codec.Record) (int64, error) {
	where, args, err := whereClause(criteria)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SELECT COALESCE(SUM(%s), 0) FROM %s%s", quoteIdent(field), quoteIdent(table), where)

	var total int64
	if err := q.QueryRowContext(ctx, rebind(driver, query), args...).Scan(&total); err != nil {
		return 0, mapError(fmt.Errorf("failed to sum %s.%s: %w", table, field, err))
	}
	return total, nil
}

// whereClause builds an equality conjunction over criteria in key order.
// Null criteria match NULL columns.
func whereClause(criteria codec.Record) (string, []any, error) {
	if len(criteria) == 0 {
		return "", nil, nil
	}

	names := sortedKeys(criteria)
	conds := make([]string, 0, len(names))
	args := make([]any, 0, len(names))
	for _, name := range names {
		v := criteria[name]
		if v.IsNull() {
			conds = append(conds, quoteIdent(name)+" IS NULL")
			continue
		}
		arg, err := toArg(v)
		if err != nil {
			return "", nil, &codec.KeyError{Key: name, Err: err}
		}
		conds = append(conds, quoteIdent(name)+" = ?")
		args = append(args, arg)
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// toArg converts a scalar value to a driver argument. Integral numbers are
// bound as int64, other numbers as their exact decimal text.
func toArg(v codec.Value) (any, error) {
	switch v.Kind() {
	case codec.KindNull:
		return nil, nil
	case codec.KindString:
		s, _ := v.AsString()
		return s, nil
	case codec.KindBool:
		b, _ := v.AsBool()
		return b, nil
	case codec.KindNumber:
		if n, ok := v.AsInt64(); ok {
			return n, nil
		}
		d, _ := v.AsNumber()
		return d.String(), nil
	}
	return nil, fmt.Errorf("%w: %s cannot be stored in a column", codec.ErrUnsupportedValueType, v.Kind())
}

// checkExact rejects numbers that SQLite would keep only as a lossy REAL.
// Numeric affinity turns decimal text into a float64, read back with
// decimal.NewFromFloat, so a number must survive that trip unchanged.
func checkExact(driver Driver, v codec.Value) error {
	if driver != DriverSQLite || v.Kind() != codec.KindNumber {
		return nil
	}
	if _, ok := v.AsInt64(); ok {
		return nil
	}

	d, _ := v.AsNumber()
	f := d.InexactFloat64()
	if math.IsInf(f, 0) || !decimal.NewFromFloat(f).Equal(d) {
		return fmt.Errorf("%w: %s cannot be stored exactly in a SQLite column", codec.ErrUnsupportedValueType, d)
	}
	return nil
}

// fromColumn converts a scanned driver value to a payload value, using the
// column kind to undo the storage representation.
func fromColumn(raw any, kind codec.FieldKind) (codec.Value, error) {
	switch v := raw.(type) {
	case nil:
		return codec.Null(), nil
	case bool:
		return codec.Bool(v), nil
	case int64:
		if kind == codec.FieldBool {
			return codec.Bool(v != 0), nil
		}
		return codec.Int(v), nil
	case float64:
		return codec.Number(decimal.NewFromFloat(v)), nil
	case time.Time:
		return codec.String(v.UTC().Format(time.RFC3339Nano)), nil
	case []byte:
		return fromText(string(v), kind)
	case string:
		return fromText(v, kind)
	}
	return codec.Value{}, fmt.Errorf("%w: driver value %T", codec.ErrUnsupportedValueType, raw)
}

func fromText(s string, kind codec.FieldKind) (codec.Value, error) {
	switch kind {
	case codec.FieldNumber:
		d, err := decimal.NewFromString(s)
		if err != nil {
			return codec.Value{}, fmt.Errorf("%w: %q is not a number", codec.ErrCorruptPayload, s)
		}
		return codec.Number(d), nil
	case codec.FieldBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return codec.Value{}, fmt.Errorf("%w: %q is not a bool", codec.ErrCorruptPayload, s)
		}
		return codec.Bool(b), nil
	}
	return codec.String(s), nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
// Queries built here never carry a literal question mark.
func rebind(driver Driver, query string) string {
	if driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// mapError wraps unique violations, serialization failures and lock
// contention in ledger.ErrConflict so the unit of work is retried.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.Code == sqlite3.ErrBusy,
			sqliteErr.Code == sqlite3.ErrLocked,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
		}
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
		}
	}
	return err
}

func sortedKeys(rec codec.Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
