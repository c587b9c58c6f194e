package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies an orchestration error for retry and rollback logic.
type ErrorClass string

const (
	// ErrorClassDeclaration is a malformed topology: dangling port
	// reference, duplicate connection target, connect after deploy, or an
	// out-of-order lifecycle call. Always local and synchronous, never
	// retried.
	ErrorClassDeclaration ErrorClass = "declaration"

	// ErrorClassTransient is a temporary provider failure that may succeed
	// on retry. Examples: network timeouts, instances not yet ready.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled is provider rate limiting or quota exhaustion.
	// Retried with a longer backoff than plain transient failures.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassFatal is a non-recoverable failure: invalid machine spec,
	// authorization denied, build or placement failure. Surfaced
	// immediately and triggers rollback of everything already provisioned.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassCrash is a process that exited before stop was requested.
	ErrorClassCrash ErrorClass = "crash"
)

// Error codes for programmatic handling.
const (
	CodeDanglingPort       = "DANGLING_PORT"
	CodeDuplicateTarget    = "DUPLICATE_TARGET"
	CodePortRoleConflict   = "PORT_ROLE_CONFLICT"
	CodeConnectAfterDeploy = "CONNECT_AFTER_DEPLOY"
	CodeLifecycle          = "LIFECYCLE_ORDER"
	CodeUnknownPort        = "UNKNOWN_PORT"
	CodeProvision          = "PROVISION_FAILED"
	CodeBuild              = "BUILD_FAILED"
	CodePlacement          = "PLACEMENT_FAILED"
	CodeWiring             = "WIRING_FAILED"
	CodeLaunch             = "LAUNCH_FAILED"
	CodeCrash              = "PROCESS_CRASH"
)

// Error is a classified orchestration error with topology context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass

	// Code is a stable error code.
	Code string

	// Message is the human-readable message.
	Message string

	// Host is the host ID involved, if any.
	Host string

	// Service is the service name involved, if any.
	Service string

	// Port is the port name involved, if any.
	Port string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)

	var ctx []string
	if e.Host != "" {
		ctx = append(ctx, "host="+e.Host)
	}
	if e.Service != "" {
		ctx = append(ctx, "service="+e.Service)
	}
	if e.Port != "" {
		ctx = append(ctx, "port="+e.Port)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is matches on class and code so sentinel comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// NewDeclarationError creates a declaration error with the given code.
func NewDeclarationError(code, message string) *Error {
	return &Error{Class: ErrorClassDeclaration, Code: code, Message: message}
}

// NewTransientError creates a retryable provisioning error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Code: CodeProvision, Message: message, Err: err}
}

// NewThrottledError creates a rate-limited provisioning error.
func NewThrottledError(message string, err error) *Error {
	return &Error{Class: ErrorClassThrottled, Code: CodeProvision, Message: message, Err: err}
}

// NewFatalError creates a non-recoverable error with the given code.
func NewFatalError(code, message string, err error) *Error {
	return &Error{Class: ErrorClassFatal, Code: code, Message: message, Err: err}
}

// NewCrashError records an unexpected process exit.
func NewCrashError(service string, exitCode int) *Error {
	return &Error{
		Class:   ErrorClassCrash,
		Code:    CodeCrash,
		Message: fmt.Sprintf("process exited unexpectedly with code %d", exitCode),
		Service: service,
	}
}

// WithHost adds host context.
func (e *Error) WithHost(id string) *Error {
	e.Host = id
	return e
}

// WithService adds service context.
func (e *Error) WithService(name string) *Error {
	e.Service = name
	return e
}

// WithPort adds port context.
func (e *Error) WithPort(name string) *Error {
	e.Port = name
	return e
}

// IsDeclaration reports whether err is a declaration error.
func IsDeclaration(err error) bool { return hasClass(err, ErrorClassDeclaration) }

// IsTransient reports whether err is a transient provisioning error.
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

// IsThrottled reports whether err is a throttled provisioning error.
func IsThrottled(err error) bool { return hasClass(err, ErrorClassThrottled) }

// IsFatal reports whether err is a fatal error.
func IsFatal(err error) bool { return hasClass(err, ErrorClassFatal) }

// IsRetryable reports whether a provisioning attempt may be retried.
func IsRetryable(err error) bool { return IsTransient(err) || IsThrottled(err) }

func hasClass(err error, class ErrorClass) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// TeardownReport collects best-effort teardown failures. They are reported,
// never escalated, because the caller has no remaining corrective action.
type TeardownReport struct {
	// Errors are the individual teardown failures, if any.
	Errors []error
}

// Add records a teardown failure. Nil errors are ignored.
func (r *TeardownReport) Add(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err)
	}
}

// Merge appends all errors from another slice.
func (r *TeardownReport) Merge(errs []error) {
	for _, err := range errs {
		r.Add(err)
	}
}

// Empty reports whether teardown completed without failures.
func (r *TeardownReport) Empty() bool { return len(r.Errors) == 0 }

// String summarizes the collected failures.
func (r *TeardownReport) String() string {
	if r.Empty() {
		return "teardown clean"
	}
	msgs := make([]string, len(r.Errors))
	for i, err := range r.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("teardown completed with %d failure(s): %s", len(r.Errors), strings.Join(msgs, "; "))
}
