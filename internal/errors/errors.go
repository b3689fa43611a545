// Package errors provides the error taxonomy shared by the devspin
// orchestration engine. Every failure surfaced to a caller carries a code,
// the service it concerns, the operation that failed and the underlying cause.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// AppError is an orchestration error with enough context to diagnose a
// failure without rerunning the command.
type AppError struct {
	// Code is a stable identifier for programmatic handling.
	Code string
	// Service names the offending service, if any.
	Service string
	// Operation names the stage of orchestration that failed (e.g. "reserve", "spawn").
	Operation string
	// Message is a user-facing description.
	Message string
	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	var b strings.Builder
	if e.Service != "" {
		b.WriteString("service ")
		b.WriteString(e.Service)
		if e.Operation != "" {
			b.WriteString(" (")
			b.WriteString(e.Operation)
			b.WriteString(")")
		}
		b.WriteString(": ")
	} else if e.Operation != "" {
		b.WriteString(e.Operation)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return e.Code != "" && e.Code == t.Code
	}
	return false
}

// Error codes.
const (
	ErrCodeConfigInvalid       = "CONFIG_INVALID"
	ErrCodeCycleDetected       = "CYCLE_DETECTED"
	ErrCodePortUnavailable     = "PORT_UNAVAILABLE"
	ErrCodeSpawnFailed         = "SPAWN_FAILED"
	ErrCodeProcessCrashed      = "PROCESS_CRASHED"
	ErrCodeHealthCheckFailed   = "HEALTH_CHECK_FAILED"
	ErrCodeHealthCheckTimedOut = "HEALTH_CHECK_TIMED_OUT"
	ErrCodeSignalFailed        = "SIGNAL_FAILED"
	ErrCodeStateCorrupt        = "STATE_CORRUPT"
	ErrCodeStateNotFound       = "STATE_NOT_FOUND"
	ErrCodeProjectActive       = "PROJECT_ACTIVE"
	ErrCodeHookFailed          = "HOOK_FAILED"
	ErrCodeAborted             = "ABORTED"
)

// New creates an AppError.
func New(code, service, operation, message string, cause error) *AppError {
	return &AppError{
		Code:      code,
		Service:   service,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// ErrConfigInvalid reports a schema or reference error in a project.
func ErrConfigInvalid(message string, cause error) *AppError {
	return New(ErrCodeConfigInvalid, "", "validate", message, cause)
}

// ErrCycleDetected reports a dependency cycle. cause carries the cycle path.
func ErrCycleDetected(cause error) *AppError {
	return New(ErrCodeCycleDetected, "", "resolve", "dependency cycle detected", cause)
}

// ErrPortUnavailable reports a port that is leased or not bindable.
func ErrPortUnavailable(service string, port int, cause error) *AppError {
	return New(ErrCodePortUnavailable, service, "reserve", fmt.Sprintf("port %d unavailable", port), cause)
}

// ErrSpawnFailed reports a process that could not be created.
func ErrSpawnFailed(service string, cause error) *AppError {
	return New(ErrCodeSpawnFailed, service, "spawn", "failed to spawn process", cause)
}

// ErrProcessCrashed reports a process that exited while expected to be running.
func ErrProcessCrashed(service, message string, cause error) *AppError {
	return New(ErrCodeProcessCrashed, service, "supervise", message, cause)
}

// ErrSignalFailed reports a process that could not be terminated.
func ErrSignalFailed(service string, cause error) *AppError {
	return New(ErrCodeSignalFailed, service, "stop", "failed to terminate process", cause)
}

// ErrStateNotFound reports a project without a persisted run record.
func ErrStateNotFound(project string) *AppError {
	return New(ErrCodeStateNotFound, "", "load", fmt.Sprintf("no run record for project %q", project), nil)
}

// ErrStateCorrupt reports a run record that exists but cannot be read.
func ErrStateCorrupt(project string, cause error) *AppError {
	return New(ErrCodeStateCorrupt, "", "load", fmt.Sprintf("run record for project %q is unreadable", project), cause)
}

// GetErrorCode extracts the code from an error, or "" if it is not an AppError.
func GetErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether any AppError in err's chain has the given code.
func IsCode(err error, code string) bool {
	return errors.Is(err, &AppError{Code: code})
}

// GetService extracts the offending service name from an error.
func GetService(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Service
	}
	return ""
}

// ErrHealthCheckFailed reports a check whose retry budget was exhausted.
func ErrHealthCheckFailed(service, check string, attempts int, cause error) *AppError {
	return New(ErrCodeHealthCheckFailed, service, "health",
		fmt.Sprintf("health check %s failed after %d attempts", check, attempts), cause)
}

// ErrHealthCheckTimedOut reports a check that did not pass before its deadline.
func ErrHealthCheckTimedOut(service, check string, attempts int, cause error) *AppError {
	return New(ErrCodeHealthCheckTimedOut, service, "health",
		fmt.Sprintf("health check %s timed out after %d attempts", check, attempts), cause)
}

// ErrProjectActive reports a start request for a project that is already running.
func ErrProjectActive(project string) *AppError {
	return New(ErrCodeProjectActive, "", "start", fmt.Sprintf("project %q is already running", project), nil)
}

// ErrHookFailed reports a lifecycle hook that exited unsuccessfully.
func ErrHookFailed(hook string, cause error) *AppError {
	return New(ErrCodeHookFailed, "", hook, "hook failed", cause)
}

// ErrAborted reports a service that was not started because the run was aborted.
func ErrAborted(service string, cause error) *AppError {
	return New(ErrCodeAborted, service, "start", "start aborted", cause)
}
