package worker

import (
	"errors"
	"fmt"
)

// ErrReleased is returned when a call is made through a handle that has
// already been released, or after the worker has shut down.
var ErrReleased = errors.New("worker: handle released")

// PanicError reports a panic recovered while running a submitted closure.
// The worker keeps serving after a panic; only the panicking call fails.
type PanicError struct {
	// Worker is the name of the worker that recovered the panic.
	Worker string

	// Value is the value passed to panic.
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("worker %s: panic in call: %v", e.Worker, e.Value)
}

// Unwrap returns the panic value if it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// IsPanic returns true if the error is a recovered panic.
// Uses errors.As to handle wrapped errors.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
