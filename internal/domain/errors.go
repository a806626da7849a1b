package domain

import "errors"

var (
	// ErrInsufficientCredit is returned when a debit or reservation would
	// exceed the user's available balance. User-recoverable; never retried.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an optimistic, status-guarded update
	// matched no rows because the record changed underneath the caller.
	ErrConflict = errors.New("state conflict")
)
