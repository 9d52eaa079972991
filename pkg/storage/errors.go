package storage

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	ErrWrongArgs    = errors.New("wrong number of arguments")
	ErrUnknownCmd   = errors.New("unknown command")
	ErrNotInteger   = errors.New("value is not an integer or out of range")
	ErrSyntax       = errors.New("syntax error")
	ErrDBIndex      = errors.New("DB index is out of range")
	ErrNoScript     = errors.New("no matching script")
	ErrScript       = errors.New("script error")
	ErrSnapshotLoad = errors.New("snapshot load failed")
)

// StorageError provides structured error information for keyspace operations.
type StorageError struct {
	Op      string // Command or operation that failed (e.g., "INCR", "load")
	DB      int
	Key     string
	Cause   error
	Context string
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	switch {
	case e.Key != "":
		return fmt.Sprintf("%s db%d key %q: %v", e.Op, e.DB, e.Key, e.Cause)
	case e.Context != "":
		return fmt.Sprintf("%s (%s): %v", e.Op, e.Context, e.Cause)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Cause)
	}
}

// Unwrap returns the underlying cause for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Reply renders the error as a client-facing error message: the cause
// with the conventional uppercase error code.
func (e *StorageError) Reply() string {
	return ReplyText(e.Cause)
}

// ErrorBuilder provides a fluent interface for building StorageErrors.
type ErrorBuilder struct {
	err StorageError
}

// NewError creates a new error builder with the given operation.
func NewError(op string) *ErrorBuilder {
	return &ErrorBuilder{err: StorageError{Op: op}}
}

// Key sets the database and key the operation touched.
func (b *ErrorBuilder) Key(db int, key string) *ErrorBuilder {
	b.err.DB = db
	b.err.Key = key
	return b
}

// Context sets additional context information.
func (b *ErrorBuilder) Context(ctx string) *ErrorBuilder {
	b.err.Context = ctx
	return b
}

// Cause sets the underlying error cause.
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.err.Cause = err
	return b
}

// Err returns the error as an error interface.
func (b *ErrorBuilder) Err() error {
	return &b.err
}

// ReplyText maps an error to the text of an error reply.
func ReplyText(err error) string {
	if errors.Is(err, ErrNoScript) {
		return "NOSCRIPT No matching script. Please use EVAL."
	}
	var se *StorageError
	if errors.As(err, &se) && se.Cause != nil {
		err = se.Cause
	}
	return "ERR " + err.Error()
}
