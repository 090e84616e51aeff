package task

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidState is returned when a lifecycle operation is called from
	// a state that forbids it.
	ErrInvalidState = errors.New("invalid task state")

	// ErrNonZeroExit is returned by Wait when RequireSuccess is set and the
	// process exited with a non-zero code.
	ErrNonZeroExit = errors.New("non-zero exit status")
)

// StateError reports the operation and the state that rejected it.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s task in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// ExitError carries the exit code of a process that was required to succeed.
type ExitError struct {
	Code    int
	Command []string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", strings.Join(e.Command, " "), e.Code)
}

func (e *ExitError) Unwrap() error { return ErrNonZeroExit }
