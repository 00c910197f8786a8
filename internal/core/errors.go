package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error taxonomy for the public operations. Callers classify failures with
// errors.Is against these sentinels.
var (
	// ErrInputInvalid marks malformed materials, an empty purpose, a
	// non-positive budget, or an unknown filter value. No state changed.
	ErrInputInvalid = errors.New("invalid input")

	// ErrNotFound marks an unknown item or artifact. References to ids from
	// another workspace surface as ErrNotFound so existence never leaks.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks a dependency outage that survived internal retries.
	ErrTransient = errors.New("transient dependency failure")

	// ErrConflict marks a link that would violate graph invariants.
	ErrConflict = errors.New("conflict")

	// ErrCancelled marks a deadline or cancellation. Ingestion may still have
	// persisted a partial result before the cutoff.
	ErrCancelled = errors.New("cancelled")
)

// internalError wraps an invariant violation with a diagnostic id the
// operator can grep logs for.
func internalError(err error) error {
	return fmt.Errorf("internal error (diagnostic %s): %w", uuid.NewString(), err)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInputInvalid}, args...)...)
}
