package task

import (
	"errors"
	"fmt"
)

// ErrCancelled is appended to a task's errors when it is cancelled before
// or during execution.
var ErrCancelled = errors.New("task cancelled")

// ConditionError reports that a condition vetoed a task before it executed.
type ConditionError struct {
	Condition string
	Err       error
}

// Error implements the error interface.
func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition %s failed: %v", e.Condition, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConditionError) Unwrap() error { return e.Err }

// IsConditionError reports whether err is, or wraps, a ConditionError.
func IsConditionError(err error) bool {
	var ce *ConditionError
	return errors.As(err, &ce)
}
