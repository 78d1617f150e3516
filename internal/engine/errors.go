package engine

import "errors"

// Sentinel errors for the categories the API layer maps to HTTP status
// codes. Wrap with fmt.Errorf("%w: %s", ErrBadSignature, "missing") so
// callers can both errors.Is and render a message.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadSignature = errors.New("bad signature")
	ErrConflict     = errors.New("conflict")
	ErrGone         = errors.New("gone")
	ErrInternal     = errors.New("internal error")
)
