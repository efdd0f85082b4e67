package remote

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Failure kinds. Match them with errors.Is.
var (
	ErrUnavailable      = errors.New("remote unavailable")
	ErrPermissionDenied = errors.New("remote permission denied")
	ErrNotFound         = errors.New("remote not found")
	ErrUnknown          = errors.New("remote failure")

	// ErrAborted means a transaction kept losing to concurrent writers and
	// its retries ran out. The remote was reachable, so it is not transient.
	ErrAborted = errors.New("remote transaction aborted")
)

// Error is a classified remote failure.
type Error struct {
	Op   string // e.g. "get conversations/c1"
	Kind error  // one of the Err* sentinels
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Is reports whether target is e's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fail wraps err as a failure of the given kind.
func Fail(op string, kind error, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// IsTransient reports whether err is a condition that may clear up on its own
// (network loss, timeouts). Callers degrade to the local cache for these.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Classify wraps err with the kind implied by its gRPC status or context
// state. Errors that are already classified pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Fail(op, ErrUnavailable, err)
	}
	if errors.Is(err, context.Canceled) {
		return Fail(op, ErrUnknown, err)
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return Fail(op, ErrUnavailable, err)
	case codes.Aborted:
		return Fail(op, ErrAborted, err)
	case codes.PermissionDenied, codes.Unauthenticated:
		return Fail(op, ErrPermissionDenied, err)
	case codes.NotFound:
		return Fail(op, ErrNotFound, err)
	default:
		return Fail(op, ErrUnknown, err)
	}
}
