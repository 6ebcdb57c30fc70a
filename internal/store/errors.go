package store

import (
	"errors"
	"fmt"
)

var (
	// ErrGameNotFound means the game record does not exist. Fatal, no retry.
	ErrGameNotFound = errors.New("game not found")

	// ErrLockConflict means a live lease is held by another owner. Transient.
	ErrLockConflict = errors.New("lock held by another owner")

	// ErrLockTimeout means acquisition retries exhausted their budget.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrTransactionConflict means an optimistic update lost a race with a
	// concurrent writer. Retried automatically up to policy limits.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrNetworkUnavailable means the connectivity signal reports offline.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrNoNumbersRemaining signals natural game completion, not a failure.
	ErrNoNumbersRemaining = errors.New("no numbers remaining")
)

// ValidationError reports a game-state precheck failure. In lenient mode it
// is logged and ignored; in strict mode it blocks the operation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("game state validation failed: %s", e.Reason)
}

// Retryable reports whether err is worth another attempt. Fatal errors
// (missing game, exhausted numbers, validation) are excluded.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransactionConflict) ||
		errors.Is(err, ErrLockConflict) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrNetworkUnavailable)
}
