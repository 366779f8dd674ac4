package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Driver names a supported database/sql driver.
type Driver string

const (
	DriverSQLite   Driver = "sqlite3"
	DriverPostgres Driver = "postgres"
)

// ParseDriver accepts "sqlite", "sqlite3", "postgres" or "postgresql".
func ParseDriver(s string) (Driver, error) {
	switch s {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "postgresql":
		return DriverPostgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

// Connection manages a database connection.
type Connection struct {
	db     *sql.DB
	driver Driver
	dsn    string
}

// Open opens a SQLite database connection.
// It enables WAL mode, foreign key constraints and immediate write locks, so
// every unit of work takes the database write lock when it begins.
func Open(dbPath string) (*Connection, error) {
	// Ensure database file's parent directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000", dbPath)
	return open(DriverSQLite, connStr)
}

// OpenPostgres opens a PostgreSQL connection from a lib/pq DSN or URL.
func OpenPostgres(dsn string) (*Connection, error) {
	return open(DriverPostgres, dsn)
}

func open(driver Driver, dsn string) (*Connection, error) {
	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{
		db:     db,
		driver: driver,
		dsn:    dsn,
	}, nil
}

// Close closes the database connection.
func (c *Connection) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// GetDB returns the underlying *sql.DB instance.
// Use this for custom queries not covered by other methods.
func (c *Connection) GetDB() *sql.DB {
	return c.db
}

// Driver returns the driver the connection was opened with.
func (c *Connection) Driver() Driver {
	return c.driver
}

// Transaction executes a function within a transaction.
// If the function returns an error, the transaction is rolled back.
// Otherwise, the transaction is committed.
func (c *Connection) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetMetadata retrieves a metadata value. A missing key yields "".
func (c *Connection) GetMetadata(ctx context.Context, key string) (string, error) {
	query := rebind(c.driver, `SELECT value FROM ledger_metadata WHERE key = ?`)

	var value string
	err := c.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata: %w", err)
	}

	return value, nil
}

// SetMetadata sets a metadata value.
func (c *Connection) SetMetadata(ctx context.Context, key, value string) error {
	query := rebind(c.driver, `
		INSERT INTO ledger_metadata (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`)

	if _, err := c.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set metadata: %w", err)
	}

	return nil
}
