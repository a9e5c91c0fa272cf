package runloop

import (
	"errors"
	"fmt"
)

// ErrBudgetExceeded is reported when a bounded reaction drain runs out of
// iterations before the reaction queue empties. It indicates runaway
// recursive scheduling, typically a reaction that unconditionally requeues
// itself.
var ErrBudgetExceeded = errors.New("reaction drain budget exceeded")

// PanicError wraps a value recovered from a panicking task body.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("task panic: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type,
// enabling errors.Is and errors.As matching through the cause chain.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
