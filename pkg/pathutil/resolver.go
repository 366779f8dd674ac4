// Package pathutil provides centralized path management for the ledger data directory.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// PathResolver manages paths for the ledger database files.
type PathResolver struct {
	root         string
	databasePath string
	boltPath     string
}

// Config represents the configuration for PathResolver.
type Config struct {
	// Root is the ledger data directory (e.g., ~/ledger)
	Root string
	// DatabasePath overrides the SQLite database file path
	DatabasePath string
	// BoltPath overrides the bbolt database file path
	BoltPath string
}

// New creates a new PathResolver with the given configuration.
// Unless overridden, the SQLite file defaults to {Root}/.ledger/ledger.db
// and the bbolt file to {Root}/.ledger/ledger.bolt.
func New(config Config) *PathResolver {
	dbPath := config.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(config.Root, ".ledger", "ledger.db")
	}

	boltPath := config.BoltPath
	if boltPath == "" {
		boltPath = filepath.Join(config.Root, ".ledger", "ledger.bolt")
	}

	return &PathResolver{
		root:         config.Root,
		databasePath: dbPath,
		boltPath:     boltPath,
	}
}

// FromEnv creates a PathResolver from environment variables.
// Expected environment variables:
//   - LEDGER_ROOT: Data directory (required)
//   - LEDGER_DB_PATH: SQLite database file path (optional)
//   - LEDGER_BOLT_PATH: bbolt database file path (optional)
func FromEnv() (*PathResolver, error) {
	root := os.Getenv("LEDGER_ROOT")
	if root == "" {
		return nil, fmt.Errorf("LEDGER_ROOT environment variable is required")
	}

	return New(Config{
		Root:         root,
		DatabasePath: os.Getenv("LEDGER_DB_PATH"),
		BoltPath:     os.Getenv("LEDGER_BOLT_PATH"),
	}), nil
}

// GetRoot returns the data directory.
func (p *PathResolver) GetRoot() string {
	return p.root
}

// GetDatabasePath returns the SQLite database file path.
func (p *PathResolver) GetDatabasePath() string {
	return p.databasePath
}

// GetBoltPath returns the bbolt database file path.
func (p *PathResolver) GetBoltPath() string {
	return p.boltPath
}

// EnsureDir creates a directory if it doesn't exist.
// It creates all parent directories as needed (like mkdir -p).
func (p *PathResolver) EnsureDir(dirPath string) error {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dirPath, err)
	}
	return nil
}

// EnsureParentDir ensures the parent directory of a file exists.
func (p *PathResolver) EnsureParentDir(filePath string) error {
	dir := filepath.Dir(filePath)
	return p.EnsureDir(dir)
}

// FileExists checks if a file exists.
func (p *PathResolver) FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return err == nil
}
