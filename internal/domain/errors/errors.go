package errors

import (
	"errors"
	"fmt"
)

var (
	// Newsletter errors
	ErrIssueNotFound = errors.New("newsletter issue not found")

	// Subscription errors
	ErrSubscriberAlreadyExists   = errors.New("subscriber already exists")
	ErrSubscriptionTokenNotFound = errors.New("subscription token is invalid")

	// Idempotency errors
	ErrIdempotencyInProgress = errors.New("request with this idempotency key is still in progress")
	ErrIdempotencyNotStarted = errors.New("idempotency key was not started in this transaction")
	ErrTransactionRequired   = errors.New("operation requires an open transaction")

	// Delivery errors
	ErrChannelUnavailable = errors.New("delivery channel unavailable")
	ErrUnknownChannel     = errors.New("unknown delivery channel")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Auth errors
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCredentials = errors.New("invalid username or password")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
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

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// DeliveryErrorKind tells the worker whether a failed send may be retried.
type DeliveryErrorKind int

const (
	DeliveryTransient DeliveryErrorKind = iota
	DeliveryTerminal
)

func (k DeliveryErrorKind) String() string {
	if k == DeliveryTerminal {
		return "terminal"
	}
	return "transient"
}

// DeliveryError is returned by delivery channels to classify a failed send.
type DeliveryError struct {
	Kind DeliveryErrorKind
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery error: %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func NewTransientDeliveryError(err error) *DeliveryError {
	return &DeliveryError{Kind: DeliveryTransient, Err: err}
}

func NewTerminalDeliveryError(err error) *DeliveryError {
	return &DeliveryError{Kind: DeliveryTerminal, Err: err}
}

// IsTerminal reports whether err is a delivery error that must not be retried.
// Unclassified errors are treated as transient.
func IsTerminal(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == DeliveryTerminal
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return err != nil && !IsTerminal(err)
}
