// Package config provides configuration management for the ledger.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config represents the application configuration.
type Config struct {
	Storage    StorageConfig
	Ledger     LedgerConfig
	FieldsFile string
	Debug      bool
}

// StorageConfig selects and locates the backing store.
type StorageConfig struct {
	// Driver is "sqlite", "postgres" or "bolt".
	Driver string
	// DSN is the PostgreSQL connection string.
	DSN string
	// Root is the data directory for the file-based stores.
	Root string
	// DBPath overrides the SQLite database file path.
	DBPath string
	// BoltPath overrides the bbolt database file path.
	BoltPath string
}

// LedgerConfig holds ledger behavior settings.
type LedgerConfig struct {
	// MissingAccount is "error", "zero" or "create". Empty defers to the
	// field mapping.
	MissingAccount string
	// ConflictRetries is negative when unset.
	ConflictRetries int
}

// Load loads configuration from environment variables.
// It automatically loads .env file from the current directory if available.
// You can optionally specify a custom .env file path.
func Load(envPath ...string) (*Config, error) {
	// Load .env file
	if len(envPath) > 0 && envPath[0] != "" {
		if err := godotenv.Load(envPath[0]); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	} else {
		// Try to load .env from current directory (ignore error if not found)
		_ = godotenv.Load()
	}

	retries, err := parseIntEnv("LEDGER_CONFLICT_RETRIES", -1)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Storage: StorageConfig{
			Driver:   strings.ToLower(getEnvOrDefault("LEDGER_DRIVER", "sqlite")),
			DSN:      os.Getenv("LEDGER_DSN"),
			Root:     getEnvOrDefault("LEDGER_ROOT", "."),
			DBPath:   os.Getenv("LEDGER_DB_PATH"),
			BoltPath: os.Getenv("LEDGER_BOLT_PATH"),
		},
		Ledger: LedgerConfig{
			MissingAccount:  os.Getenv("LEDGER_MISSING_ACCOUNT"),
			ConflictRetries: retries,
		},
		FieldsFile: os.Getenv("LEDGER_FIELDS_FILE"),
		Debug:      os.Getenv("DEBUG") == "true",
	}

	return config, nil
}

// Validate validates the configuration.
// It checks if all required fields are set and that the driver is known.
func (c *Config) Validate(required ...[]string) error {
	switch c.Storage.Driver {
	case "sqlite", "sqlite3", "postgres", "postgresql", "bolt":
	default:
		return fmt.Errorf("unsupported LEDGER_DRIVER %q: use sqlite, postgres or bolt", c.Storage.Driver)
	}

	var missing []string

	for _, path := range required {
		if len(path) == 0 {
			continue
		}

		var value string
		switch path[0] {
		case "storage":
			if len(path) < 2 {
				continue
			}
			switch path[1] {
			case "driver":
				value = c.Storage.Driver
			case "dsn":
				value = c.Storage.DSN
			case "root":
				value = c.Storage.Root
			case "dbPath":
				value = c.Storage.DBPath
			case "boltPath":
				value = c.Storage.BoltPath
			}
		case "fieldsFile":
			value = c.FieldsFile
		}

		if value == "" {
			missing = append(missing, strings.Join(path, "."))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v\nPlease check your .env file or environment variables", missing)
	}

	return nil
}

// Required returns the settings the configured driver cannot run without.
func (c *Config) Required() [][]string {
	switch c.Storage.Driver {
	case "postgres", "postgresql":
		return [][]string{{"storage", "dsn"}}
	default:
		return [][]string{{"storage", "root"}}
	}
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv parses an int from an environment variable.
// Returns defaultValue if the environment variable is not set.
func parseIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value for %s: %s", key, value)
	}

	return parsed, nil
}
