package ao

import (
	"errors"
	"fmt"
)

// Kind classifies an iteration failure
type Kind int

const (
	// Recoverable failures skip the iteration and keep the previous state
	Recoverable Kind = iota

	// Fatal failures abort the run
	Fatal
)

func (k Kind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "recoverable"
}

// ErrTooManyFailures is wrapped when recoverable failures escalate
var ErrTooManyFailures = errors.New("ao: too many consecutive failed iterations")

// IterationError is the failure of one iteration
type IterationError struct {
	Kind      Kind
	Iteration int
	Err       error
}

func (e *IterationError) Error() string {
	return fmt.Sprintf("iteration %d (%s): %v", e.Iteration, e.Kind, e.Err)
}

func (e *IterationError) Unwrap() error {
	return e.Err
}

func recoverable(i int, err error) *IterationError {
	return &IterationError{Kind: Recoverable, Iteration: i, Err: err}
}

func fatal(i int, err error) *IterationError {
	return &IterationError{Kind: Fatal, Iteration: i, Err: err}
}

// RunError is the error of a failed run
type RunError struct {
	RunID     string
	Variant   Variant
	Depth     int
	Iteration int
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("ao: run %s (%s) failed at depth %d iteration %d: %v", e.RunID, e.Variant, e.Depth, e.Iteration, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
