package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/boltstore"
	"github.com/shunichi-ikebuchi/balance-ledger/pkg/config"
	"github.com/shunichi-ikebuchi/balance-ledger/pkg/db"
	"github.com/shunichi-ikebuchi/balance-ledger/pkg/ledger"
	"github.com/shunichi-ikebuchi/balance-ledger/pkg/pathutil"
)

// environment holds the opened store and the resolved configuration.
type environment struct {
	cfg       *config.Config
	mapping   *config.FieldMapping
	ledgerCfg ledger.Config

	store ledger.Store
	conn  *db.Connection
	sql   *db.Store
	bolt  *boltstore.Store
}

// openEnvironment loads configuration and opens the configured store.
func openEnvironment() (*environment, error) {
	cfg, err := config.Load(getConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(cfg.Required()...); err != nil {
		return nil, err
	}

	mappingPath := fieldsFile
	if mappingPath == "" {
		mappingPath = cfg.FieldsFile
	}
	mapping := config.DefaultFieldMapping()
	if mappingPath != "" {
		slog.Debug("Loading field mapping", "path", mappingPath)
		if mapping, err = config.LoadFieldMapping(mappingPath); err != nil {
			return nil, err
		}
	}

	ledgerCfg, err := cfg.LedgerConfig(mapping)
	if err != nil {
		return nil, err
	}

	env := &environment{cfg: cfg, mapping: mapping, ledgerCfg: ledgerCfg}

	pathResolver := pathutil.New(pathutil.Config{
		Root:         cfg.Storage.Root,
		DatabasePath: cfg.Storage.DBPath,
		BoltPath:     cfg.Storage.BoltPath,
	})

	switch cfg.Storage.Driver {
	case "bolt":
		txFields, err := mapping.Transactions()
		if err != nil {
			return nil, err
		}
		boltPath := pathResolver.GetBoltPath()
		if err := pathResolver.EnsureParentDir(boltPath); err != nil {
			return nil, err
		}

		opts := boltstore.OptionsFor(ledgerCfg)
		opts.Fields[ledgerCfg.TransactionTable] = txFields
		slog.Debug("Opening database", "driver", "bolt", "path", boltPath)
		if env.bolt, err = boltstore.New(boltPath, opts); err != nil {
			return nil, err
		}
		env.store = env.bolt

	default:
		driver, err := db.ParseDriver(cfg.Storage.Driver)
		if err != nil {
			return nil, err
		}
		if driver == db.DriverPostgres {
			slog.Debug("Opening database", "driver", driver)
			env.conn, err = db.OpenPostgres(cfg.Storage.DSN)
		} else {
			dbPath := pathResolver.GetDatabasePath()
			slog.Debug("Opening database", "driver", driver, "path", dbPath)
			env.conn, err = db.Open(dbPath)
		}
		if err != nil {
			return nil, err
		}
		env.sql = db.NewStore(env.conn)
		env.store = env.sql
	}

	return env, nil
}

// Close closes the store.
func (e *environment) Close() {
	if e.conn != nil {
		_ = e.conn.Close()
	}
	if e.bolt != nil {
		_ = e.bolt.Close()
	}
}

// schema returns the DDL description of the configured tables.
func (e *environment) schema() (db.Schema, error) {
	accounts, err := e.mapping.Accounts()
	if err != nil {
		return db.Schema{}, err
	}
	txFields, err := e.mapping.Transactions()
	if err != nil {
		return db.Schema{}, err
	}
	return db.Schema{
		Ledger:            e.ledgerCfg,
		AccountAttributes: accounts,
		TransactionFields: txFields,
	}, nil
}

// newLedger creates the ledger on the opened store.
func (e *environment) newLedger(ctx context.Context) (*ledger.Ledger, error) {
	return ledger.New(ctx, e.store, e.ledgerCfg, ledger.WithLogger(slog.Default()))
}

// mustLedger opens the environment and the ledger or exits.
func mustLedger(ctx context.Context) (*environment, *ledger.Ledger) {
	env, err := openEnvironment()
	exitOnError(err, "failed to open ledger")

	l, err := env.newLedger(ctx)
	if err != nil {
		env.Close()
		exitOnError(err, "failed to open ledger")
	}
	return env, l
}
