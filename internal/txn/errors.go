package txn

import (
	"errors"
	"fmt"
)

// ErrCancelled resolves the handle of a transaction that was cancelled
// externally or superseded by a throttled resubmission.
var ErrCancelled = errors.New("transaction cancelled")

// DependencyError resolves the handle of a transaction that was cancelled
// because one of its dependencies ended Rejected or Cancelled. Cause carries
// the dependency's own error when the executor's failure policy propagates it.
type DependencyError struct {
	DependencyID string
	Cause        error
}

func (e *DependencyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dependency %s failed: %v", e.DependencyID, e.Cause)
	}
	return fmt.Sprintf("dependency %s failed", e.DependencyID)
}

// Unwrap exposes the dependency's error to errors.Is / errors.As chains.
func (e *DependencyError) Unwrap() error {
	return e.Cause
}
