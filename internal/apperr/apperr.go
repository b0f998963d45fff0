// Package apperr defines the error taxonomy shared by the core packages
// and the Result value returned by user-facing mutations.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	// ErrInconsistent marks on-disk or stored state that should never occur.
	// It is propagated, never swallowed.
	ErrInconsistent = errors.New("inconsistent state")
)

// Result is the outcome of a mutation. Message is safe to show to the
// user; Err carries the classification for the calling layer and is nil
// on success.
type Result struct {
	OK      bool
	Message string
	Err     error
}

// OK returns a successful Result.
func OK(msg string) Result {
	return Result{OK: true, Message: msg}
}

// Fail returns a failed Result classified by kind.
func Fail(kind error, msg string) Result {
	if kind == nil {
		kind = errors.New(msg)
	}
	return Result{Message: msg, Err: kind}
}

// Failf is Fail with a formatted message.
func Failf(kind error, format string, args ...any) Result {
	return Fail(kind, fmt.Sprintf(format, args...))
}

var kinds = []error{ErrNotFound, ErrConflict, ErrForbidden, ErrInvalidInput, ErrInconsistent}

// Kind returns the sentinel err is classified by, or nil.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// FromError converts an error into a failed Result. Classified errors keep
// their message; anything else gets a generic one so internal details do
// not leak to callers.
func FromError(err error) Result {
	if err == nil {
		return Result{OK: true}
	}
	if k := Kind(err); k != nil && k != ErrInconsistent {
		return Result{Message: err.Error(), Err: err}
	}
	return Result{Message: "unexpected server error", Err: err}
}

// Is reports whether the Result failed with the given kind.
func (r Result) Is(kind error) bool {
	return r.Err != nil && errors.Is(r.Err, kind)
}
