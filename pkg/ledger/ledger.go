// Package ledger keeps per-account balances consistent with an append-only
// transaction log. Every mutation resolves the account, appends the
// transaction and increments the cached balance inside one unit of work of
// the backing Store, so either all of it is stored or none of it is.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/codec"
)

// Ledger is the balance manager. It holds no mutable state of its own and is
// safe for concurrent use.
type Ledger struct {
	store        Store
	cfg          Config
	accounts     *AccountResolver
	transactions *TransactionLog
	logger       *slog.Logger
	observer     StateObserver
	now          func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock sets the clock used for transaction dates.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithStateObserver registers fn to be called on every unit of work state transition.
func WithStateObserver(fn StateObserver) Option {
	return func(l *Ledger) { l.observer = fn }
}

// New creates a Ledger on store. Empty names in cfg take their defaults.
// Unless cfg.TransactionFields is set, the native fields of the transaction
// table are read from the store here, once.
func New(ctx context.Context, store Store, cfg Config, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Ledger{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	fields := cfg.TransactionFields
	if fields == nil {
		discovered, err := store.Fields(ctx, cfg.TransactionTable)
		if err != nil {
			return nil, fmt.Errorf("failed to discover fields of %s: %w", cfg.TransactionTable, err)
		}
		fields = discovered
	}

	l.accounts = NewAccountResolver(cfg)
	l.transactions = NewTransactionLog(cfg, fields, l.now)

	l.logger.DebugContext(ctx, "ledger ready",
		"account_table", cfg.AccountTable,
		"transaction_table", cfg.TransactionTable,
		"native_fields", codec.FieldNames(l.transactions.Fields()),
	)
	return l, nil
}

// Config returns the effective configuration.
func (l *Ledger) Config() Config { return l.cfg }

// Accounts returns the account resolver.
func (l *Ledger) Accounts() *AccountResolver { return l.accounts }

// Transactions returns the transaction log.
func (l *Ledger) Transactions() *TransactionLog { return l.transactions }

// Mutate appends a transaction of amount to the account matching attrs,
// creating the account if needed, and adds amount to its cached balance.
// It returns the id of the new transaction. On any failure nothing is stored.
func (l *Ledger) Mutate(ctx context.Context, attrs codec.Record, amount int64, payload codec.Payload) (int64, error) {
	var txID int64
	err := l.runUnit(ctx, "mutate", func(ctx context.Context, tx Tx, u *unit) error {
		accountID, err := l.accounts.ResolveOrCreate(ctx, tx, attrs)
		if err != nil {
			return err
		}
		u.advance(ctx, StateAccountResolved)

		txID, err = l.post(ctx, tx, u, accountID, amount, payload)
		return err
	})
	if err != nil {
		return 0, err
	}

	l.logger.InfoContext(ctx, "transaction committed", "transaction_id", txID, "amount", amount)
	return txID, nil
}

// Increase mutates the account by the absolute value of amount.
func (l *Ledger) Increase(ctx context.Context, attrs codec.Record, amount int64, payload codec.Payload) (int64, error) {
	amount, err := absAmount(amount)
	if err != nil {
		return 0, err
	}
	return l.Mutate(ctx, attrs, amount, payload)
}

// Decrease mutates the account by the negated absolute value of amount.
func (l *Ledger) Decrease(ctx context.Context, attrs codec.Record, amount int64, payload codec.Payload) (int64, error) {
	amount, err := absAmount(amount)
	if err != nil {
		return 0, err
	}
	return l.Mutate(ctx, attrs, -amount, payload)
}

// Transfer moves amount from one account to another in a single unit of
// work and returns the ids of the debit and credit transactions.
func (l *Ledger) Transfer(ctx context.Context, from, to codec.Record, amount int64, payload codec.Payload) ([2]int64, error) {
	var ids [2]int64
	if amount <= 0 {
		return ids, fmt.Errorf("%w: transfer amount must be positive, got %d", ErrInvalidAmount, amount)
	}

	err := l.runUnit(ctx, "transfer", func(ctx context.Context, tx Tx, u *unit) error {
		fromID, err := l.accounts.ResolveOrCreate(ctx, tx, from)
		if err != nil {
			return err
		}
		toID, err := l.accounts.ResolveOrCreate(ctx, tx, to)
		if err != nil {
			return err
		}
		if fromID == toID {
			return fmt.Errorf("%w: account %d", ErrSameAccount, fromID)
		}
		u.advance(ctx, StateAccountResolved)

		if ids[0], err = l.post(ctx, tx, u, fromID, -amount, l.linked(payload, toID)); err != nil {
			return err
		}
		ids[1], err = l.post(ctx, tx, u, toID, amount, l.linked(payload, fromID))
		return err
	})
	if err != nil {
		return [2]int64{}, err
	}

	l.logger.InfoContext(ctx, "transfer committed", "debit_id", ids[0], "credit_id", ids[1], "amount", amount)
	return ids, nil
}

// Revert appends the opposite of an existing transaction to the same account.
// The new record carries the original payload overlaid with payload.
func (l *Ledger) Revert(ctx context.Context, transactionID int64, payload codec.Payload) (int64, error) {
	var txID int64
	err := l.runUnit(ctx, "revert", func(ctx context.Context, tx Tx, u *unit) error {
		orig, err := l.transactions.Get(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if orig == nil {
			return fmt.Errorf("%w: %d", ErrTransactionNotFound, transactionID)
		}
		u.advance(ctx, StateAccountResolved)

		data := orig.Payload.Clone()
		for k, v := range payload {
			data[k] = v
		}
		if l.cfg.RevertTransactionField != "" {
			data[l.cfg.RevertTransactionField] = codec.Int(transactionID)
		}

		txID, err = l.post(ctx, tx, u, orig.AccountID, -orig.Amount, data)
		return err
	})
	if err != nil {
		return 0, err
	}

	l.logger.InfoContext(ctx, "revert committed", "transaction_id", txID, "reverted_id", transactionID)
	return txID, nil
}

// Calculate returns the sum of all transaction amounts of the account matching
// attrs, aggregated from the log rather than read from the cached balance.
// A missing account is handled per Config.MissingAccount.
func (l *Ledger) Calculate(ctx context.Context, attrs codec.Record) (int64, error) {
	acc, found, err := l.readAccount(ctx, attrs)
	if err != nil || !found {
		return 0, err
	}
	return l.transactions.Sum(ctx, l.store, acc.ID)
}

// Balance returns the cached balance of the account matching attrs.
// A missing account is handled per Config.MissingAccount.
func (l *Ledger) Balance(ctx context.Context, attrs codec.Record) (int64, error) {
	acc, found, err := l.readAccount(ctx, attrs)
	if err != nil || !found {
		return 0, err
	}
	return acc.Balance, nil
}

// AuditResult compares the cached balance with the aggregated log.
type AuditResult struct {
	AccountID  int64
	Cached     int64
	Calculated int64
}

// Consistent reports whether the cached balance equals the log sum.
func (r AuditResult) Consistent() bool { return r.Cached == r.Calculated }

// Audit reads the cached balance and the log sum of an existing account
// within one unit of work.
func (l *Ledger) Audit(ctx context.Context, attrs codec.Record) (AuditResult, error) {
	var res AuditResult
	err := l.runUnit(ctx, "audit", func(ctx context.Context, tx Tx, u *unit) error {
		acc, found, err := l.accounts.Load(ctx, tx, attrs)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %v", ErrAccountNotFound, codec.Map(attrs))
		}
		sum, err := l.transactions.Sum(ctx, tx, acc.ID)
		if err != nil {
			return err
		}
		res = AuditResult{AccountID: acc.ID, Cached: acc.Balance, Calculated: sum}
		return nil
	})
	if err != nil {
		return AuditResult{}, err
	}
	if !res.Consistent() {
		l.logger.WarnContext(ctx, "balance drift detected",
			"account_id", res.AccountID, "cached", res.Cached, "calculated", res.Calculated)
	}
	return res, nil
}

// Get reads one transaction; nil without error when it does not exist.
func (l *Ledger) Get(ctx context.Context, transactionID int64) (*Transaction, error) {
	return l.transactions.Get(ctx, l.store, transactionID)
}

// History lists the transactions of the account matching attrs.
func (l *Ledger) History(ctx context.Context, attrs codec.Record) ([]Transaction, error) {
	acc, found, err := l.readAccount(ctx, attrs)
	if err != nil || !found {
		return nil, err
	}
	return l.transactions.List(ctx, l.store, acc.ID)
}

// post appends one transaction and adjusts the account balance by amount.
func (l *Ledger) post(ctx context.Context, tx Tx, u *unit, accountID, amount int64, payload codec.Payload) (int64, error) {
	txID, err := l.transactions.Append(ctx, tx, accountID, amount, payload)
	if err != nil {
		return 0, err
	}
	u.advance(ctx, StateTransactionAppended)

	if err := tx.Increment(ctx, l.cfg.AccountTable, l.cfg.AccountIDField, accountID, l.cfg.BalanceField, amount); err != nil {
		return 0, fmt.Errorf("failed to adjust balance of account %d: %w", accountID, err)
	}
	u.advance(ctx, StateBalanceAdjusted)
	return txID, nil
}

// linked copies payload and records the counterparty account id when
// ExtraAccountLinkField is configured.
func (l *Ledger) linked(payload codec.Payload, counterparty int64) codec.Payload {
	if l.cfg.ExtraAccountLinkField == "" {
		return payload
	}
	out := payload.Clone()
	out[l.cfg.ExtraAccountLinkField] = codec.Int(counterparty)
	return out
}

// readAccount loads the account for a read operation, applying the missing
// account policy.
func (l *Ledger) readAccount(ctx context.Context, attrs codec.Record) (Account, bool, error) {
	acc, found, err := l.accounts.Load(ctx, l.store, attrs)
	if err != nil || found {
		return acc, found, err
	}

	switch l.cfg.MissingAccount {
	case MissingAccountZero:
		return Account{}, false, nil
	case MissingAccountCreate:
		err := l.runUnit(ctx, "create_account", func(ctx context.Context, tx Tx, u *unit) error {
			if _, err := l.accounts.ResolveOrCreate(ctx, tx, attrs); err != nil {
				return err
			}
			u.advance(ctx, StateAccountResolved)
			return nil
		})
		if err != nil {
			return Account{}, false, err
		}
		return l.accounts.Load(ctx, l.store, attrs)
	default:
		return Account{}, false, fmt.Errorf("%w: %v", ErrAccountNotFound, codec.Map(attrs))
	}
}

// runUnit runs fn inside a unit of work, retrying the whole unit when the
// store reports ErrConflict.
func (l *Ledger) runUnit(ctx context.Context, op string, fn func(context.Context, Tx, *unit) error) error {
	for attempt := 1; ; attempt++ {
		err := l.attempt(ctx, op, attempt, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) && attempt <= l.cfg.ConflictRetries && ctx.Err() == nil {
			l.logger.InfoContext(ctx, "retrying unit of work after conflict", "op", op, "attempt", attempt, "error", err)
			continue
		}
		if isDomainError(err) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrTransactionAborted, op, err)
	}
}

func (l *Ledger) attempt(ctx context.Context, op string, n int, fn func(context.Context, Tx, *unit) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := l.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin unit of work: %w", err)
	}

	u := &unit{op: op, attempt: n, logger: l.logger, observer: l.observer}
	u.advance(ctx, StateStarted)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			u.advance(ctx, StateRolledBack)
			panic(p)
		}
	}()

	if err := fn(ctx, tx, u); err != nil {
		return l.rollback(ctx, tx, u, err)
	}
	if err := ctx.Err(); err != nil {
		return l.rollback(ctx, tx, u, err)
	}

	if err := tx.Commit(); err != nil {
		u.advance(ctx, StateRolledBack)
		return fmt.Errorf("failed to commit unit of work: %w", err)
	}
	u.advance(ctx, StateCommitted)
	return nil
}

func (l *Ledger) rollback(ctx context.Context, tx Tx, u *unit, cause error) error {
	failedAt := u.state
	rbErr := tx.Rollback()
	u.advance(ctx, StateRolledBack)

	l.logger.WarnContext(ctx, "unit of work rolled back",
		"op", u.op, "attempt", u.attempt, "failed_after", failedAt.String(), "error", cause)
	if rbErr != nil {
		return fmt.Errorf("%w, rollback error: %w", cause, rbErr)
	}
	return cause
}

func absAmount(amount int64) (int64, error) {
	if amount < 0 {
		amount = -amount
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be non-zero, got %d", ErrInvalidAmount, amount)
	}
	return amount, nil
}
