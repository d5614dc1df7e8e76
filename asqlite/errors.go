package asqlite

import (
	"errors"
	"fmt"
)

// AlreadyClosed is the marker reported when a call reaches a connection that
// has already been closed.
//
// It is comparable, so errors.Is(err, ErrAlreadyClosed) matches it as well as
// any *Error with ErrCodeAlreadyClosed.
type AlreadyClosed struct{}

// Error implements the error interface.
func (AlreadyClosed) Error() string {
	return "asqlite: connection already closed"
}

// FromAlreadyClosed lets AlreadyClosed itself satisfy ClosedConverter.
func (AlreadyClosed) FromAlreadyClosed(m AlreadyClosed) AlreadyClosed {
	return m
}

// ErrAlreadyClosed is the AlreadyClosed marker as an error value.
var ErrAlreadyClosed error = AlreadyClosed{}

// ClosedConverter is implemented by caller error types that can represent a
// closed connection. The method is called on the zero value of E.
type ClosedConverter[E any] interface {
	error
	FromAlreadyClosed(AlreadyClosed) E
}

// ErrorCode categorizes connection errors.
type ErrorCode string

const (
	// ErrCodeAlreadyClosed indicates the connection was closed before the call ran.
	ErrCodeAlreadyClosed ErrorCode = "ALREADY_CLOSED"

	// ErrCodeClose indicates SQLite refused to close the connection.
	// The connection stays open and usable.
	ErrCodeClose ErrorCode = "CLOSE_FAILED"

	// ErrCodeOpen indicates SQLite could not open the database.
	ErrCodeOpen ErrorCode = "OPEN_FAILED"

	// ErrCodeInvalidFlags indicates a contradictory OpenFlags combination.
	ErrCodeInvalidFlags ErrorCode = "INVALID_FLAGS"

	// ErrCodePragma indicates a configured pragma failed after open.
	ErrCodePragma ErrorCode = "PRAGMA_FAILED"

	// ErrCodeMigrate indicates a schema migration failed.
	ErrCodeMigrate ErrorCode = "MIGRATION_FAILED"
)

// Error is the error type returned by Close, the open functions, and Migrate.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Err is the underlying error, usually a sqlite3.Error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error. An ErrCodeAlreadyClosed error unwraps
// to the AlreadyClosed marker.
func (e *Error) Unwrap() error {
	if e.Code == ErrCodeAlreadyClosed {
		return AlreadyClosed{}
	}
	return e.Err
}

// FromAlreadyClosed makes *Error a ClosedConverter.
func (*Error) FromAlreadyClosed(AlreadyClosed) *Error {
	return &Error{Code: ErrCodeAlreadyClosed, Message: "connection already closed"}
}

// IsAlreadyClosed returns true if err reports a closed connection.
func IsAlreadyClosed(err error) bool {
	return errors.Is(err, ErrAlreadyClosed)
}

// IsCloseError returns true if err is a failed native close.
// Uses errors.As to handle wrapped errors.
func IsCloseError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeClose
	}
	return false
}
