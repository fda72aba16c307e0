// Package storeerr defines the error taxonomy shared by the mapper, the
// session layer and the work queue.
//
// Every layer returns either one of the sentinels below (possibly wrapped)
// or an *Error carrying the failing operation and the node or work id.
// Callers test for a category with [errors.Is]:
//
//	if errors.Is(err, storeerr.ErrConcurrentUpdate) { ... }
package storeerr

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a mutation targets a missing node or work item.
	// Lookups never return it; they return a nil result instead.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentUpdate reports an optimistic conflict detected by the store.
	// The current transaction is lost.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrConnectionReset reports that the physical connection was dropped
	// under an open transaction. The connection is reopened on the next Begin.
	ErrConnectionReset = errors.New("connection reset")

	// ErrOperationNotAllowed reports a business rule violation.
	ErrOperationNotAllowed = errors.New("operation not allowed")

	// ErrSecurityViolation reports a permission denial.
	ErrSecurityViolation = errors.New("permission denied")

	// ErrResourceExhausted reports a pool acquisition timeout.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrNoTransaction is returned by data operations on a session without an
	// active transaction.
	ErrNoTransaction = errors.New("no active transaction")

	// ErrReadOnly is returned when mutating a version or a checked-in document.
	ErrReadOnly = errors.New("read only")

	// ErrClosed is returned by operations on a closed session, repository or store.
	ErrClosed = errors.New("closed")

	// ErrInvalidArgument reports a malformed request (bad name, unknown type, cycle).
	ErrInvalidArgument = errors.New("invalid argument")
)

// Error attaches the failing operation and the affected id to a cause.
//
// It formats as "<op>: <cause> (id=X)". Use [errors.As] to get the fields:
//
//	var sErr *storeerr.Error
//	if errors.As(err, &sErr) {
//	    log.Printf("%s failed for %s", sErr.Op, sErr.ID)
//	}
type Error struct {
	// Op names the operation, e.g. "removeNode" or "workCompleted".
	Op string

	// ID is the node or work id the operation was applied to, if any.
	ID string

	// Err is the underlying cause, usually one of the sentinels.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.Err != nil {
			b.WriteString(": ")
		}
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	if e.ID != "" {
		b.WriteString(" (id=")
		b.WriteString(e.ID)
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying cause for [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New returns an *Error for op and id wrapping cause.
func New(op, id string, cause error) error {
	return &Error{Op: op, ID: id, Err: cause}
}

// WithContext attaches op and id to err. If err already is an *Error the
// missing fields are filled in place and existing values are preserved.
func WithContext(err error, op, id string) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	if errors.As(err, &existing) {
		if existing.Op == "" {
			existing.Op = op
		}
		if existing.ID == "" {
			existing.ID = id
		}
		return err
	}

	return &Error{Op: op, ID: id, Err: err}
}

// IsRetryable reports whether the whole unit of work that produced err may
// be re-run from scratch. The core never retries by itself.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate) || errors.Is(err, ErrConnectionReset)
}
