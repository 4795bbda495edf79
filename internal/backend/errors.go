package backend

import (
	"errors"
	"fmt"
)

// ErrNoSession is returned when a write is attempted without a signed-in
// identity. Callers treat it as a neutral no-op condition, not a failure.
var ErrNoSession = errors.New("no active session")

// TransientError wraps connectivity and server-side failures. It is never
// auto-retried in a tight loop; the periodic refresh or the next user
// action is the implicit retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ConflictError reports that a conditional write matched zero rows, e.g. a
// mark-read whose record a concurrent actor already read. The end state
// matches the caller's intent, so most callers treat it as success.
type ConflictError struct {
	Op string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: condition matched no rows", e.Op)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
