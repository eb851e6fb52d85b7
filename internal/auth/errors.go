package auth

import "errors"

// Error kinds shared by every component of the engine. Callers match them
// with errors.Is; the wrapped message carries the detail.
var (
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvariant    = errors.New("invariant violation")
	ErrValidation   = errors.New("validation error")
)
