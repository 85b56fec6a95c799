package types

import "fmt"

// ErrorCode represents a unified error code across the platform.
type ErrorCode string

// Routing and registry error codes
const (
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrNoEligibleAgent ErrorCode = "NO_ELIGIBLE_AGENT"
	ErrConfig          ErrorCode = "CONFIG_ERROR"
	ErrTimeout         ErrorCode = "TIMEOUT"
	ErrInternal        ErrorCode = "INTERNAL_ERROR"
)

// Envelope error codes
const (
	ErrIntegrity     ErrorCode = "INTEGRITY_ERROR"
	ErrSignature     ErrorCode = "SIGNATURE_ERROR"
	ErrReplay        ErrorCode = "REPLAY_DETECTED"
	ErrDriftExceeded ErrorCode = "DRIFT_EXCEEDED"
)

// Learning and telemetry error codes
const (
	ErrDuplicateFeedback ErrorCode = "DUPLICATE_FEEDBACK"
	ErrCapacityExceeded  ErrorCode = "CAPACITY_EXCEEDED"
	ErrKarmaUnavailable  ErrorCode = "KARMA_UNAVAILABLE"
	ErrSinkClosed        ErrorCode = "SINK_CLOSED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	AgentID   string    `json:"agent_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithAgent tags the error with the agent it concerns.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrNotFound)
}
