package recorder

import (
	"errors"
	"fmt"
)

// ErrFinalized is returned by every terminal or mutating call made after
// the run reached completed or failed. Nothing is written.
var ErrFinalized = errors.New("recorder: run already finalized")

// PersistError means a write was retried and still failed. For terminal
// writes the run is in limbo: its outcome is known in memory but has no
// durable terminal record.
type PersistError struct {
	RunID    string
	Op       string
	Attempts int
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("recorder: %s for run %s failed after %d attempt(s): %v", e.Op, e.RunID, e.Attempts, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// IsLimbo reports whether err carries a terminal-write persistence failure.
func IsLimbo(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe) && (pe.Op == opComplete || pe.Op == opFail)
}
