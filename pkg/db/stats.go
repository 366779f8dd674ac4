package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/ledger"
)

// Stats represents ledger table statistics.
type Stats struct {
	TotalAccounts     int
	TotalTransactions int
	LastTransaction   sql.NullString
}

// GetStats retrieves statistics for the tables named by cfg.
func (s *Store) GetStats(ctx context.Context, cfg ledger.Config) (*Stats, error) {
	cfg = cfg.WithDefaults()
	var stats Stats

	// Get account count
	err := s.conn.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(cfg.AccountTable))).
		Scan(&stats.TotalAccounts)
	if err != nil {
		return nil, fmt.Errorf("failed to get account count: %w", err)
	}

	// Get transaction count
	err = s.conn.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(cfg.TransactionTable))).
		Scan(&stats.TotalTransactions)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction count: %w", err)
	}

	// Get last transaction date
	err = s.conn.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(%s) FROM %s`,
		quoteIdent(cfg.DateField), quoteIdent(cfg.TransactionTable))).
		Scan(&stats.LastTransaction)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get last transaction date: %w", err)
	}

	return &stats, nil
}
