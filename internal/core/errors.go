package core

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	ErrCodeLockTimeout        = "lock_timeout"
	ErrCodeNotFound           = "not_found"
	ErrCodeAgentNotEmpty      = "agent_not_empty"
	ErrCodeInconsistent       = "inconsistent"
	ErrCodeAlreadyExists      = "already_exists"
	ErrCodeWrongPreviousOwner = "wrong_previous_owner"
	ErrCodeConflict           = "conflict"
	ErrCodeInvalidRequest     = "invalid_request"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeInternalError      = "internal_error"
)

// Error is the structured error returned by the object store, the scheduler
// and the catalogue boundary.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is reports whether target is an *Error with the same code. It lets callers
// write errors.Is(err, core.ErrNotFound) against the kind sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Kind sentinels for errors.Is.
var (
	ErrLockTimeout        = &Error{Code: ErrCodeLockTimeout}
	ErrNotFound           = &Error{Code: ErrCodeNotFound}
	ErrAgentNotEmpty      = &Error{Code: ErrCodeAgentNotEmpty}
	ErrInconsistent       = &Error{Code: ErrCodeInconsistent}
	ErrAlreadyExists      = &Error{Code: ErrCodeAlreadyExists}
	ErrWrongPreviousOwner = &Error{Code: ErrCodeWrongPreviousOwner}
	ErrConflict           = &Error{Code: ErrCodeConflict}
	ErrInvalidRequest     = &Error{Code: ErrCodeInvalidRequest}
	ErrUnauthorized       = &Error{Code: ErrCodeUnauthorized}
)

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternalError for foreign errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternalError
}

// IsNotFound is shorthand for errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether the operation that produced err may be retried
// from the top.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// NewNoSuchObjectError is returned when a backend entry does not exist.
func NewNoSuchObjectError(address string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("Object '%s' does not exist.", address),
		Details: map[string]any{
			"resource_type": "Object",
			"resource_id":   address,
		},
	}
}

// NewNotFoundError creates a not-found error for any resource.
func NewNotFoundError(resourceType, resourceID string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found.", resourceType, resourceID),
		Details: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
}

// NewLockTimeoutError creates a retryable lock timeout error.
func NewLockTimeoutError(address string, mode string) *Error {
	return &Error{
		Code:      ErrCodeLockTimeout,
		Message:   fmt.Sprintf("Timed out acquiring %s lock on '%s'.", mode, address),
		Retryable: true,
		Details: map[string]any{
			"resource_id": address,
			"lock_mode":   mode,
		},
	}
}

// NewAgentNotEmptyError is returned when an agent is removed while it still
// owns objects.
func NewAgentNotEmptyError(agent string, owned int) *Error {
	return &Error{
		Code:    ErrCodeAgentNotEmpty,
		Message: fmt.Sprintf("Agent '%s' still owns %d objects.", agent, owned),
		Details: map[string]any{
			"agent_address": agent,
			"owned_objects": owned,
		},
	}
}

// NewInconsistentError reports a protocol violation.
func NewInconsistentError(message string, details map[string]any) *Error {
	return &Error{
		Code:    ErrCodeInconsistent,
		Message: message,
		Details: details,
	}
}

// NewAlreadyExistsError is returned by create operations on existing ids.
func NewAlreadyExistsError(resourceType, resourceID string) *Error {
	return &Error{
		Code:    ErrCodeAlreadyExists,
		Message: fmt.Sprintf("%s '%s' already exists.", resourceType, resourceID),
		Details: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
}

// NewWrongPreviousOwnerError is returned when an ownership switch finds an
// owner other than the expected one.
func NewWrongPreviousOwnerError(address, expected, actual string) *Error {
	return &Error{
		Code:    ErrCodeWrongPreviousOwner,
		Message: fmt.Sprintf("Object '%s' is owned by '%s', expected '%s'.", address, actual, expected),
		Details: map[string]any{
			"resource_id":    address,
			"expected_owner": expected,
			"actual_owner":   actual,
		},
	}
}

// NewConflictError creates a retryable conflict error.
func NewConflictError(message string, details map[string]any) *Error {
	return &Error{
		Code:      ErrCodeConflict,
		Message:   message,
		Retryable: true,
		Details:   details,
	}
}

// NewInvalidRequestError creates a user error.
func NewInvalidRequestError(message string, details map[string]any) *Error {
	return &Error{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	}
}

// NewUnauthorizedError is returned for requests without valid credentials.
func NewUnauthorizedError() *Error {
	return &Error{
		Code:    ErrCodeUnauthorized,
		Message: "Missing or invalid API key.",
	}
}

// NewInternalError creates a retryable internal error.
func NewInternalError(message string) *Error {
	return &Error{
		Code:      ErrCodeInternalError,
		Message:   message,
		Retryable: true,
	}
}
