// Package boltstore implements the ledger storage interface on an embedded
// bbolt database. Each table is a bucket of JSON records keyed by id.
// bbolt admits one writer at a time, so every unit of work is serialized.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/codec"
	"github.com/shunichi-ikebuchi/balance-ledger/pkg/ledger"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownTable is returned for tables the store was not opened with.
	ErrUnknownTable = errors.New("unknown table")
)

// BucketMeta holds string metadata.
const BucketMeta = "ledger_metadata"

// Options configures a Store.
type Options struct {
	// Tables lists the buckets to create.
	Tables []string

	// Fields declares the native fields of each table. Records are
	// schemaless, so tables left out place every payload key in overflow.
	Fields map[string][]codec.Field

	// Timeout bounds the wait for the file lock on open.
	Timeout time.Duration
}

// OptionsFor returns Options with the tables of cfg.
func OptionsFor(cfg ledger.Config) Options {
	cfg = cfg.WithDefaults()
	return Options{
		Tables:  []string{cfg.AccountTable, cfg.TransactionTable},
		Fields:  map[string][]codec.Field{},
		Timeout: time.Second,
	}
}

// Store represents the bbolt database wrapper.
type Store struct {
	db     *bolt.DB
	tables map[string]struct{}
	fields map[string][]codec.Field
}

var _ ledger.Store = (*Store)(nil)

// New creates a new Store instance and initializes buckets.
func New(dbPath string, opts Options) (*Store, error) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	tables := make(map[string]struct{}, len(opts.Tables))
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := append([]string{BucketMeta}, opts.Tables...)
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
			tables[bucket] = struct{}{}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	delete(tables, BucketMeta)

	fields := make(map[string][]codec.Field, len(opts.Fields))
	for table, fs := range opts.Fields {
		fields[table] = append([]codec.Field(nil), fs...)
	}

	return &Store{db: db, tables: tables, fields: fields}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin starts a read-write bbolt transaction. It blocks while another unit
// of work is open.
func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx, store: s}, nil
}

// Lookup implements ledger.Querier.
func (s *Store) Lookup(ctx context.Context, table string, criteria codec.Record, limit int) ([]codec.Record, error) {
	var records []codec.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		records, err = lookup(ctx, tx, table, criteria, limit)
		return err
	})
	return records, err
}

// Sum implements ledger.Querier.
func (s *Store) Sum(ctx context.Context, table, field string, criteria codec.Record) (int64, error) {
	var total int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		total, err = sum(ctx, tx, table, field, criteria)
		return err
	})
	return total, err
}

// Fields returns the native fields declared for table.
func (s *Store) Fields(_ context.Context, table string) ([]codec.Field, error) {
	if _, ok := s.tables[table]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	out := make([]codec.Field, len(s.fields[table]))
	copy(out, s.fields[table])
	return out, nil
}

// PutString stores a metadata value.
func (s *Store) PutString(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BucketMeta)).Put([]byte(key), []byte(value))
	})
}

// GetString retrieves a metadata value.
func (s *Store) GetString(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(BucketMeta)).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}

		value = string(data)
		return nil
	})
	return value, err
}

// Tx is a unit of work on a read-write bbolt transaction.
type Tx struct {
	tx    *bolt.Tx
	store *Store
}

var _ ledger.Tx = (*Tx)(nil)

// Lookup implements ledger.Querier.
func (t *Tx) Lookup(ctx context.Context, table string, criteria codec.Record, limit int) ([]codec.Record, error) {
	return lookup(ctx, t.tx, table, criteria, limit)
}

// Sum implements ledger.Querier.
func (t *Tx) Sum(ctx context.Context, table, field string, criteria codec.Record) (int64, error) {
	return sum(ctx, t.tx, table, field, criteria)
}

// Insert stores rec under the next sequence of the table bucket and sets
// idField to it.
func (t *Tx) Insert(ctx context.Context, table, idField string, rec codec.Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b, err := t.store.bucket(t.tx, table)
	if err != nil {
		return 0, err
	}

	seq, err := b.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("failed to generate ID: %w", err)
	}
	id := int64(seq)

	stored := make(codec.Record, len(rec)+1)
	for k, v := range rec {
		stored[k] = v
	}
	stored[idField] = codec.Int(id)

	if err := put(b, id, stored); err != nil {
		return 0, err
	}
	return id, nil
}

// Increment reads, adjusts and rewrites one record. The write lock held by
// the transaction makes this atomic.
func (t *Tx) Increment(ctx context.Context, table, idField string, id int64, field string, delta int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := t.store.bucket(t.tx, table)
	if err != nil {
		return err
	}

	rec, err := get(b, id)
	if err != nil {
		return fmt.Errorf("failed to increment %s.%s: %w", table, field, err)
	}
	if got, ok := rec[idField].AsInt64(); !ok || got != id {
		return fmt.Errorf("%w: %s with %s = %d", ErrNotFound, table, idField, id)
	}

	current := int64(0)
	if v, ok := rec[field]; ok && !v.IsNull() {
		if current, ok = v.AsInt64(); !ok {
			return fmt.Errorf("%s.%s of record %d is not an integer: %s", table, field, id, v)
		}
	}
	next := current + delta
	if (delta > 0 && next < current) || (delta < 0 && next > current) {
		return fmt.Errorf("%s.%s of record %d overflows", table, field, id)
	}
	rec[field] = codec.Int(next)

	return put(b, id, rec)
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback discards the transaction.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, bolt.ErrTxClosed) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

func (s *Store) bucket(tx *bolt.Tx, table string) (*bolt.Bucket, error) {
	if _, ok := s.tables[table]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	b := tx.Bucket([]byte(table))
	if b == nil {
		return nil, fmt.Errorf("bucket %s not found", table)
	}
	return b, nil
}

func lookup(ctx context.Context, tx *bolt.Tx, table string, criteria codec.Record, limit int) ([]codec.Record, error) {
	var records []codec.Record
	err := scan(ctx, tx, table, criteria, func(rec codec.Record) bool {
		records = append(records, rec)
		return limit <= 0 || len(records) < limit
	})
	return records, err
}

func sum(ctx context.Context, tx *bolt.Tx, table, field string, criteria codec.Record) (int64, error) {
	var total int64
	var bad error
	err := scan(ctx, tx, table, criteria, func(rec codec.Record) bool {
		v := rec[field]
		if v.IsNull() {
			return true
		}
		n, ok := v.AsInt64()
		if !ok {
			bad = fmt.Errorf("%s.%s is not an integer: %s", table, field, v)
			return false
		}
		total += n
		return true
	})
	if err != nil {
		return 0, err
	}
	return total, bad
}

// scan calls fn for every record of table matching criteria until fn
// returns false. A missing field matches a null criterion.
func scan(ctx context.Context, tx *bolt.Tx, table string, criteria codec.Record, fn func(codec.Record) bool) error {
	b := tx.Bucket([]byte(table))
	if b == nil || table == BucketMeta {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var rec codec.Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to decode %s record %d: %w", table, btoi(k), err)
		}
		if !matches(rec, criteria) {
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

func matches(rec, criteria codec.Record) bool {
	for k, want := range criteria {
		if !rec[k].Equal(want) {
			return false
		}
	}
	return true
}

func get(b *bolt.Bucket, id int64) (codec.Record, error) {
	data := b.Get(itob(id))
	if data == nil {
		return nil, ErrNotFound
	}

	var rec codec.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %d: %w", id, err)
	}
	return rec, nil
}

func put(b *bolt.Bucket, id int64, rec codec.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return b.Put(itob(id), data)
}

// itob converts an int64 to a byte slice for use as a bbolt key.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
