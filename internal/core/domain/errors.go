package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad caller input; never retried
	ErrValidation = errors.New("validation failed")

	ErrNotFound            = errors.New("not found")
	ErrDuplicateIdentifier = errors.New("instance identifier already registered with different credentials")

	// ErrInvalidInstance is returned by enqueue when the target instance is missing or blocked
	ErrInvalidInstance = errors.New("invalid instance")

	// ErrLeaseLost means a claimed message was released or claimed again by
	// another worker; the holder must not touch it
	ErrLeaseLost = errors.New("message lease lost")
)

// Provider error classes. Gateways wrap one of these so the delivery
// worker can classify failures without knowing the transport.
var (
	ErrRateLimited     = errors.New("provider rate limit exceeded")
	ErrRejected        = errors.New("provider rejected request")
	ErrInstanceBlocked = errors.New("provider instance blocked")
	ErrTransient       = errors.New("provider temporarily unavailable")
)

// ValidationError describes which field was rejected
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError builds a ValidationError for a field
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
