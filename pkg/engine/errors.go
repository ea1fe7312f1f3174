package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, a step that exceeded its duration budget.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: an illegal status transition, an identity clash on upsert.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid descriptor, missing prerequisite, resource not found.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID or key that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation or step being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError by code. A target without a code matches by class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Class == t.Class
	}
	return e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	ErrCodePrerequisiteMissing     = "PREREQUISITE_MISSING"
	ErrCodeCyclicGraph             = "CYCLIC_GRAPH"
	ErrCodeStepFailed              = "STEP_FAILED"
	ErrCodeStepTimeout             = "STEP_TIMEOUT"
	ErrCodeRollbackPartialFailure  = "ROLLBACK_PARTIAL_FAILURE"
	ErrCodeMaxRetriesExceeded      = "MAX_RETRIES_EXCEEDED"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeInvalidDescriptor       = "INVALID_DESCRIPTOR"
	ErrCodePolicyDenied            = "POLICY_DENIED"
	ErrCodeDestructiveRetryBlocked = "DESTRUCTIVE_RETRY_BLOCKED"
	ErrCodeInvalidTransition       = "INVALID_TRANSITION"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. They carry only a code and must not be mutated.
var (
	ErrPrerequisiteMissing     = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePrerequisiteMissing}
	ErrCyclicGraph             = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCyclicGraph}
	ErrStepFailed              = &EngineError{Class: ErrorClassTransient, Code: ErrCodeStepFailed}
	ErrStepTimeout             = &EngineError{Class: ErrorClassTransient, Code: ErrCodeStepTimeout}
	ErrRollbackPartialFailure  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeRollbackPartialFailure}
	ErrMaxRetriesExceeded      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeMaxRetriesExceeded}
	ErrNotFound                = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrInvalidDescriptor       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidDescriptor}
	ErrPolicyDenied            = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied}
	ErrDestructiveRetryBlocked = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDestructiveRetryBlocked}
	ErrInvalidTransition       = &EngineError{Class: ErrorClassConflict, Code: ErrCodeInvalidTransition}
)

// NotFoundf returns a permanent NOT_FOUND error.
func NotFoundf(format string, args ...interface{}) *EngineError {
	return NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(ErrCodeNotFound)
}

// InvalidDescriptorf returns a permanent INVALID_DESCRIPTOR error.
func InvalidDescriptorf(format string, args ...interface{}) *EngineError {
	return NewPermanentError(fmt.Sprintf(format, args...), nil).WithCode(ErrCodeInvalidDescriptor)
}

// CodeOf returns the code of the first EngineError in the chain, or "".
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
