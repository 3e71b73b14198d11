package errors

import (
	"errors"
	"fmt"
)

var (
	// Session errors
	ErrSessionNotFound        = errors.New("payment session not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrCheckoutInProgress     = errors.New("checkout already in progress")
	ErrConfirmationPending    = errors.New("confirmation still pending at provider")
	ErrOptimisticLockFailed   = errors.New("optimistic lock conflict")
	ErrInvalidAmount          = errors.New("invalid amount")

	// Checkout taxonomy
	ErrProviderUnavailable       = errors.New("payment provider unavailable")
	ErrProviderDeclined          = errors.New("payment declined by provider")
	ErrNetworkFailure            = errors.New("network failure")
	ErrValidationMismatch        = errors.New("provider outcome does not match session")
	ErrDoubleConfirmationAttempt = errors.New("confirmation already in flight")

	// Idempotency errors
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Auth errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// Kind is the checkout-facing classification of an error.
type Kind string

const (
	KindNone                      Kind = ""
	KindProviderUnavailable       Kind = "provider_unavailable"
	KindProviderDeclined          Kind = "provider_declined"
	KindNetworkFailure            Kind = "network_failure"
	KindValidationMismatch        Kind = "validation_mismatch"
	KindDoubleConfirmationAttempt Kind = "double_confirmation_attempt"
	KindInternal                  Kind = "internal"
)

// Classify maps err onto the checkout error taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrDoubleConfirmationAttempt):
		return KindDoubleConfirmationAttempt
	case errors.Is(err, ErrValidationMismatch):
		return KindValidationMismatch
	case errors.Is(err, ErrProviderDeclined):
		return KindProviderDeclined
	case errors.Is(err, ErrProviderUnavailable):
		return KindProviderUnavailable
	case errors.Is(err, ErrNetworkFailure):
		return KindNetworkFailure
	default:
		return KindInternal
	}
}

// IsRetryable reports whether the failed step can be repeated on the same session.
func IsRetryable(err error) bool {
	return Classify(err) == KindNetworkFailure
}
