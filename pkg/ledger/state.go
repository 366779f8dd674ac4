package ledger

import (
	"context"
	"fmt"
	"log/slog"
)

// State is a step of a mutation's unit of work.
//
//	Started -> AccountResolved -> TransactionAppended -> BalanceAdjusted -> Committed
//
// Any failure moves to RolledBack. Committed and RolledBack are terminal.
type State int

const (
	StateStarted State = iota
	StateAccountResolved
	StateTransactionAppended
	StateBalanceAdjusted
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateAccountResolved:
		return "account_resolved"
	case StateTransactionAppended:
		return "transaction_appended"
	case StateBalanceAdjusted:
		return "balance_adjusted"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s ends a unit of work.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// StateObserver is called on every state transition of a unit of work.
type StateObserver func(op string, s State)

// unit tracks the state of one unit of work.
type unit struct {
	op       string
	attempt  int
	state    State
	logger   *slog.Logger
	observer StateObserver
}

func (u *unit) advance(ctx context.Context, s State) {
	if u.state.Terminal() {
		return
	}
	u.state = s
	u.logger.DebugContext(ctx, "ledger state", "op", u.op, "attempt", u.attempt, "state", s.String())
	if u.observer != nil {
		u.observer(u.op, s)
	}
}
