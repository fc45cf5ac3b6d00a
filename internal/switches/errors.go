package switches

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed or out-of-bounds input at creation.
	ErrValidation = errors.New("switches: validation failed")
	// ErrNotFound indicates an unknown switch id.
	ErrNotFound = errors.New("switches: switch not found")
	// ErrUnauthorized indicates the caller is not the switch owner.
	ErrUnauthorized = errors.New("switches: caller is not the owner")
	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("switches: invalid state")

	errMissingStore      = errors.New("kv store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errCorruptRecord     = errors.New("stored switch record is corrupt")
)

// ServiceError carries a dotted code naming the operation and failure reason.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted error code, e.g. switches.checkin.not_armed.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func validationError(operation, reason, detail string) error {
	return newServiceError(operation, reason, fmt.Errorf("%w: %s", ErrValidation, detail))
}
