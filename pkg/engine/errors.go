package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass decides whether an error aborts the run or only the resource it came from.
type ErrorClass string

const (
	// ErrorClassFatal aborts the whole run before any resource is touched.
	// Examples: unreadable manifest, malformed YAML, policy denial.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassNoop ends the run cleanly without doing anything.
	// Example: the manifest has no section for the running host.
	ErrorClassNoop ErrorClass = "noop"

	// ErrorClassRecoverable is confined to a single resource; siblings keep going.
	// Examples: missing package, missing clone source, failed guard, failed commit.
	ErrorClassRecoverable ErrorClass = "recoverable"
)

// Error codes for the failure taxonomy.
const (
	ErrCodeManifest          = "MANIFEST_ERROR"
	ErrCodeHostNotFound      = "HOST_NOT_FOUND"
	ErrCodeResourceNotFound  = "RESOURCE_NOT_FOUND"
	ErrCodeGuardUnsatisfied  = "GUARD_UNSATISFIED"
	ErrCodeTransactionFailed = "TRANSACTION_FAILED"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodePolicyDenied      = "POLICY_DENIED"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource identifier that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Code, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
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

// NewManifestError reports an unreadable or malformed manifest.
func NewManifestError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassFatal,
		Code:    ErrCodeManifest,
		Message: message,
		Err:     err,
	}
}

// NewHostNotFoundError reports that the manifest has no section for host.
func NewHostNotFoundError(host string) *EngineError {
	return &EngineError{
		Class:    ErrorClassNoop,
		Code:     ErrCodeHostNotFound,
		Message:  fmt.Sprintf("cannot find config to apply for '%s'", host),
		Resource: host,
	}
}

// NewResourceNotFoundError reports a missing package or clone source.
func NewResourceNotFoundError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRecoverable,
		Code:    ErrCodeResourceNotFound,
		Message: message,
		Err:     err,
	}
}

// NewGuardUnsatisfiedError reports that an onlyif guard exited non-zero.
func NewGuardUnsatisfiedError(command string, exitCode int) *EngineError {
	return &EngineError{
		Class:    ErrorClassRecoverable,
		Code:     ErrCodeGuardUnsatisfied,
		Message:  fmt.Sprintf("requirement to execute '%s' wasn't satisfied (exit %d)", command, exitCode),
		Resource: command,
	}
}

// NewTransactionError reports a failed package commit, file write or non-zero command exit.
func NewTransactionError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRecoverable,
		Code:    ErrCodeTransactionFailed,
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

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsManifestError returns true if err means the manifest could not be used.
func IsManifestError(err error) bool {
	return hasCode(err, ErrCodeManifest)
}

// IsHostNotFound returns true if err means there is nothing to apply for this host.
func IsHostNotFound(err error) bool {
	return hasCode(err, ErrCodeHostNotFound)
}

// IsResourceNotFound returns true if a package or clone source was missing.
func IsResourceNotFound(err error) bool {
	return hasCode(err, ErrCodeResourceNotFound)
}

// IsGuardUnsatisfied returns true if a command was skipped because its guard failed.
func IsGuardUnsatisfied(err error) bool {
	return hasCode(err, ErrCodeGuardUnsatisfied)
}

// IsTransactionError returns true if a commit, write or command execution failed.
func IsTransactionError(err error) bool {
	return hasCode(err, ErrCodeTransactionFailed)
}

// IsRecoverable returns true if the error is confined to a single resource.
// Unclassified errors are treated as recoverable so one bad resource never stops a run.
func IsRecoverable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRecoverable
	}
	return err != nil
}

// NewInternalError reports an unexpected failure inside a reconciler, such as a recovered panic.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRecoverable,
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// NewPolicyDeniedError reports that a blocking policy violation stopped the run.
func NewPolicyDeniedError(host string, violations []string) *EngineError {
	return &EngineError{
		Class:    ErrorClassFatal,
		Code:     ErrCodePolicyDenied,
		Message:  fmt.Sprintf("policy denied applying config for '%s': %s", host, strings.Join(violations, "; ")),
		Resource: host,
	}
}

// IsPolicyDenied checks if err is a policy denial.
func IsPolicyDenied(err error) bool {
	return hasCode(err, ErrCodePolicyDenied)
}
