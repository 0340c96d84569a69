package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks malformed input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientInventory indicates a debit larger than the available stock.
	ErrInsufficientInventory = errors.New("insufficient inventory")
	// ErrStateTransition indicates an illegal workflow status change.
	ErrStateTransition = errors.New("illegal state transition")
	// ErrConflict indicates a modification that cannot be applied as requested.
	ErrConflict = errors.New("conflict")
	// ErrConcurrentModification is the retryable flavour of ErrConflict.
	ErrConcurrentModification = fmt.Errorf("%w: concurrent modification", ErrConflict)
	// ErrDuplicateBatch is returned when an import batch was already applied.
	ErrDuplicateBatch = fmt.Errorf("%w: batch already processed", ErrConflict)
)

// Invalid wraps ErrValidation with a field scoped reason.
func Invalid(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, reason)
}

// IsRetryable reports whether err signals a transient concurrent write.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// StateTransitionError reports a rejected workflow status change.
type StateTransitionError struct {
	Entity string
	ID     int64
	From   string
	To     string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("%s %d: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrStateTransition.
func (e *StateTransitionError) Unwrap() error {
	return ErrStateTransition
}
