package service

import (
	"context"
	"errors"
	"fmt"

	"identityrecon/internal/lock"
	"identityrecon/internal/sentinel"
)

// Error kinds. Every error returned by the service matches exactly one of
// these with errors.Is, except that an exhausted retry matches both
// ErrStoreUnavailable and the ErrConcurrencyConflict that caused it.
var (
	// ErrValidation: neither email nor phone was supplied. Not retried.
	ErrValidation = errors.New("validation error")
	// ErrStoreUnavailable: the store failed. Propagated, never retried here.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvariantViolation: the identity graph is inconsistent. Fatal for the
	// request and never repaired in place.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrConcurrencyConflict: another reconciliation holds the identifiers.
	// The whole identify sequence is retried.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrNotFound: a contact looked up by id does not exist.
	ErrNotFound = errors.New("contact not found")
)

// Error carries the kind, the failing operation and the cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invariantf(op, format string, args ...any) error {
	return &Error{Kind: ErrInvariantViolation, Op: op, Err: fmt.Errorf(format, args...)}
}

// storeError maps a store or lock failure onto a service kind. Errors that
// already carry a kind pass through unchanged.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrConflict), errors.Is(err, lock.ErrTimeout):
		return &Error{Kind: ErrConcurrencyConflict, Op: op, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &Error{Kind: ErrStoreUnavailable, Op: op, Err: err}
	}
}
