package sentinel

import "errors"

// Sentinel errors for storage facts. Stores return these (optionally wrapped)
// so the service layer can translate them into reconciliation error kinds.
//
//   - ErrNotFound: the contact does not exist or is soft-deleted
//   - ErrConflict: a concurrent transaction or lock holder won the race
//   - ErrUnavailable: the backend could not be reached
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)
