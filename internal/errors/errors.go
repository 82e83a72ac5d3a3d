package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Base error types
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrCancelled            = errors.New("credential prompt cancelled")
	ErrInvalidPolicy        = errors.New("invalid policy")
	ErrStorage              = errors.New("token storage failure")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeCancelled  ErrorType = "cancelled"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeStorage    ErrorType = "storage"
)

// GateError is a structured error raised by the token gate. Transport
// failures are never converted into a GateError; they reach callers unchanged.
type GateError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "retry", "set_token")
	Policy     string // Path prefix of the governing policy, if any
	Path       string // Request path, if any
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable

	// Response is the final response observed before the error was raised.
	// Its body has already been buffered, so callers may read it freely.
	Response *http.Response
}

func (e *GateError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *GateError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrAuthenticationFailed:
		return e.Type == ErrorTypeAuth
	case ErrCancelled:
		return e.Type == ErrorTypeCancelled
	case ErrInvalidPolicy:
		return e.Type == ErrorTypeValidation
	case ErrStorage:
		return e.Type == ErrorTypeStorage
	}

	return errors.Is(e.Err, target)
}

// NewAuthError reports a credential that was rejected after re-acquisition.
func NewAuthError(op, policyPrefix, title, path string, resp *http.Response) *GateError {
	label := strings.TrimSpace(title)
	if label == "" {
		label = policyPrefix
	}
	gateErr := &GateError{
		Type:     ErrorTypeAuth,
		Op:       op,
		Policy:   policyPrefix,
		Path:     path,
		Err:      fmt.Errorf("%w: invalid token for %s", ErrAuthenticationFailed, label),
		Response: resp,
	}
	if resp != nil {
		gateErr.StatusCode = resp.StatusCode
	}
	return gateErr
}

// WrapStorageError wraps a token store failure with context
func WrapStorageError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &GateError{
		Type: ErrorTypeStorage,
		Op:   op,
		Err:  fmt.Errorf("key %q: %w", key, err),
	}
}

// WrapValidationError wraps a policy validation failure with context
func WrapValidationError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &GateError{
		Type: ErrorTypeValidation,
		Op:   op,
		Err:  err,
	}
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var gateErr *GateError
	if errors.As(err, &gateErr) {
		return gateErr.Type == ErrorTypeAuth
	}

	return errors.Is(err, ErrAuthenticationFailed)
}

// IsCancelled reports whether err stems from a dismissed credential prompt.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
