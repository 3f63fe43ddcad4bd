package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and escalation logic.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates an invalid configuration. Fatal at startup.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassThrottled indicates the poll budget is spent.
	// The application is deferred to the next cycle without counting a failure.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassTransient indicates an upstream query failure scoped to one application.
	// Retried on the next cycle, never within the same cycle.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassExecution indicates a failed synchronize or restart step.
	// Retried within the cycle up to the configured attempt count.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassPersistence indicates the durable state could not be read or written.
	// Fatal for the whole process.
	ErrorClassPersistence ErrorClass = "persistence"
)

// Execution stages reported by ExecutionError.
const (
	StageClone   = "clone"
	StageSync    = "sync"
	StageRestart = "restart"
	StageTimeout = "timeout"
	StageOracle  = "oracle"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Application is the application the error is scoped to, if any.
	Application string `json:"application,omitempty"`

	// Stage is the executor stage that failed (execution errors only).
	Stage string `json:"stage,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Application != "" && e.Stage != "" {
		msg = fmt.Sprintf("%s (application=%s, stage=%s)", msg, e.Application, e.Stage)
	} else if e.Application != "" {
		msg = fmt.Sprintf("%s (application=%s)", msg, e.Application)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// ErrBudgetExhausted matches any throttled error with errors.Is.
var ErrBudgetExhausted = &EngineError{Class: ErrorClassThrottled, Code: ErrCodeBudgetExhausted}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewBudgetExhaustedError creates the deferral condition returned by the commit oracle.
func NewBudgetExhaustedError(application string, err error) *EngineError {
	return &EngineError{
		Class:       ErrorClassThrottled,
		Message:     "poll budget exhausted",
		Code:        ErrCodeBudgetExhausted,
		Application: application,
		Err:         err,
	}
}

// NewOracleError creates an upstream query error for one application.
func NewOracleError(application string, err error) *EngineError {
	return &EngineError{
		Class:       ErrorClassTransient,
		Message:     "latest commit query failed",
		Code:        ErrCodeUpstream,
		Application: application,
		Stage:       StageOracle,
		Err:         err,
	}
}

// NewExecutionError creates an executor failure for the given stage.
func NewExecutionError(application, stage string, err error) *EngineError {
	code := ErrCodeCommandFailed
	if stage == StageTimeout {
		code = ErrCodeTimeout
	}
	return &EngineError{
		Class:       ErrorClassExecution,
		Message:     stage + " failed",
		Code:        code,
		Application: application,
		Stage:       stage,
		Err:         err,
	}
}

// NewPersistenceError creates a state store failure.
func NewPersistenceError(operation string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPersistence,
		Message: operation,
		Code:    ErrCodeStorage,
		Err:     err,
	}
}

// WithApplication adds application context to an error.
func (e *EngineError) WithApplication(name string) *EngineError {
	e.Application = name
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsBudgetExhausted returns true if the error is the poll budget deferral condition.
func IsBudgetExhausted(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsOracleError returns true if the error is an upstream query failure.
func IsOracleError(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsExecutionError returns true if the error came from the action executor.
func IsExecutionError(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassExecution
}

// IsConfigurationError returns true if the error is classified as configuration.
func IsConfigurationError(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConfiguration
}

// IsPersistenceError returns true if the error is classified as persistence.
func IsPersistenceError(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPersistence
}

// IsFatal returns true for errors that must stop the process.
// Only configuration and persistence errors are process-fatal.
func IsFatal(err error) bool {
	return IsConfigurationError(err) || IsPersistenceError(err)
}

// StageOf returns the executor stage carried by err, or "" if none.
func StageOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeBudgetExhausted = "BUDGET_EXHAUSTED"
	ErrCodeUpstream        = "UPSTREAM_ERROR"
	ErrCodeCommandFailed   = "COMMAND_FAILED"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeStorage         = "STORAGE_ERROR"
	ErrCodeInternal        = "INTERNAL_ERROR"
)
