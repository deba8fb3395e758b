package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeMissingStepReference = "MISSING_STEP_REFERENCE"
	ErrCodeCircularReference    = "CIRCULAR_REFERENCE"
	ErrCodeParameterResolution  = "PARAMETER_RESOLUTION_ERROR"
	ErrCodeToolInvocation       = "TOOL_INVOCATION_ERROR"
	ErrCodeToolUnavailable      = "TOOL_UNAVAILABLE"
	ErrCodeRecursionLimit       = "RECURSION_LIMIT"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeTimeout              = "TIMEOUT_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeRetryExhausted       = "RETRY_EXHAUSTED"
	ErrCodeExecution            = "EXECUTION_ERROR"
	ErrCodeStore                = "STORE_ERROR"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	StepIndex int            `json:"step_index,omitempty"`
	StepName  string         `json:"step_name,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepName, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code permits retrying the step.
// Resolution failures, validation failures, recursion limits and cancellation
// are never retried; tool invocation failures and timeouts are.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeToolInvocation, ErrCodeTimeout, ErrCodeExecution, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches the failing step's index and name.
func (e *EngineError) WithStep(index int, name string) *EngineError {
	e.StepIndex = index
	e.StepName = name
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}
