package domain

import "errors"

// Error kinds. Call sites wrap them with fmt.Errorf("%w: ...") and the HTTP
// layer maps them with errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrExpired         = errors.New("expired")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstream        = errors.New("upstream failure")
)
