package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotEntitled      = errors.New("not entitled")
	ErrConflict         = errors.New("conflict")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInternalError    = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeEntitle    ErrorType = "entitlement"
	ErrorTypeAPI        ErrorType = "api"
	ErrorTypeInternal   ErrorType = "internal"
)

// BridgeError is a structured error for account-bridge operations.
type BridgeError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "bind_email", "provision_media")
	Identity   int64  // Chat identity the operation was acting on, if any
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *BridgeError) Error() string {
	if e.Identity != 0 {
		return fmt.Sprintf("%s failed for identity %d: %v", e.Op, e.Identity, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *BridgeError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	case ErrNotEntitled:
		return e.Type == ErrorTypeEntitle
	case ErrConflict:
		return e.Type == ErrorTypeConflict
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	}

	return errors.Is(e.Err, target)
}

// New creates a new BridgeError
func New(errorType ErrorType, op string, identity int64, err error) *BridgeError {
	return &BridgeError{
		Type:      errorType,
		Op:        op,
		Identity:  identity,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *BridgeError) WithStatusCode(code int) *BridgeError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeConnection:
		return true
	case ErrorTypeAuth, ErrorTypeValidation, ErrorTypeNotFound, ErrorTypeConflict, ErrorTypeEntitle:
		return false
	default: // ErrorTypeInternal, ErrorTypeAPI
		if err != nil {
			return !errors.Is(err, ErrInvalidInput)
		}
		return true
	}
}

// WrapConnectionError wraps a connection error with context
func WrapConnectionError(op string, identity int64, err error) error {
	return New(ErrorTypeConnection, op, identity, err)
}

// WrapAuthError wraps an authentication error with context
func WrapAuthError(op string, identity int64, err error) error {
	return New(ErrorTypeAuth, op, identity, err)
}

// WrapAPIError wraps an upstream API error with context
func WrapAPIError(op string, identity int64, err error, statusCode int) error {
	return New(ErrorTypeAPI, op, identity, err).WithStatusCode(statusCode)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		return bridgeErr.Retryable
	}
	return errors.Is(err, ErrConnectionFailed)
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		if bridgeErr.Type == ErrorTypeAuth {
			return true
		}
		if bridgeErr.StatusCode == 401 || bridgeErr.StatusCode == 403 {
			return true
		}
	}

	return errors.Is(err, ErrUnauthorized)
}
