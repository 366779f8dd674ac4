package ledger

import (
	"errors"

	"github.com/shunichi-ikebuchi/balance-ledger/pkg/codec"
)

var (
	// ErrAccountNotFound is returned when no account matches the given attributes.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAmbiguousAccount is returned when more than one account matches.
	ErrAmbiguousAccount = errors.New("ambiguous account")

	// ErrTransactionAborted is returned when a unit of work could not commit.
	// Nothing it did is left in storage and the call may be retried.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrReservedKeyConflict is returned when a payload uses a reserved field name.
	ErrReservedKeyConflict = codec.ErrReservedKeyConflict

	// ErrConflict is returned by stores on unique-constraint violations and
	// lock contention. Units of work failing with it are retried.
	ErrConflict = errors.New("storage conflict")

	// ErrTransactionNotFound is returned by Revert for an unknown transaction id.
	ErrTransactionNotFound = errors.New("transaction not found")

	ErrInvalidAttributes = errors.New("invalid account attributes")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrSameAccount       = errors.New("transfer source and destination are the same account")
	ErrInvalidConfig     = errors.New("invalid ledger config")
)

// isDomainError reports whether err is a caller-facing validation failure
// that is surfaced unchanged instead of as ErrTransactionAborted.
func isDomainError(err error) bool {
	for _, target := range []error{
		ErrAccountNotFound,
		ErrAmbiguousAccount,
		ErrReservedKeyConflict,
		ErrTransactionNotFound,
		ErrInvalidAttributes,
		ErrInvalidAmount,
		ErrSameAccount,
		codec.ErrUnsupportedValueType,
		codec.ErrCorruptPayload,
		codec.ErrNoOverflowField,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
