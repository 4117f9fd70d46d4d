// Package errors provides standardized error handling for the dexoptd
// system. It implements structured error types with proper wrapping and
// classification following Go 1.20+ error handling best practices.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions
var (
	// Request validation
	ErrInvalidArgument = errors.New("invalid argument")

	// A requested permission policy is inconsistent with the visibility
	// or ownership of the source files it applies to.
	ErrPermissionDenied = errors.New("permission denied")

	// Filesystem-level failures
	ErrFilesystemFailed = errors.New("filesystem operation failed")

	// Child tool failures
	ErrToolFailed    = errors.New("tool execution failed")
	ErrToolCancelled = errors.New("tool execution cancelled")

	// A sequence-sensitive operation was attempted when forbidden and
	// must not be retried.
	ErrIllegalState = errors.New("illegal state")

	// Catch-all for unexpected conditions
	ErrServiceFailed = errors.New("service failure")
)

// PathError represents an error tied to a concrete filesystem path
type PathError struct {
	Path      string
	Operation string
	Err       error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %s: operation %s: %v", e.Path, e.Operation, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// ToolError represents a child tool that exited non-zero or was killed
// by a signal. Signal is zero when the tool exited on its own.
type ToolError struct {
	Tool     string
	ExitCode int
	Signal   int
	Err      error
}

func (e *ToolError) Error() string {
	if e.Signal != 0 {
		return fmt.Sprintf("tool %s: killed by signal %d: %v", e.Tool, e.Signal, e.Err)
	}
	return fmt.Sprintf("tool %s: exit code %d: %v", e.Tool, e.ExitCode, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// ConfigError represents an error related to configuration
type ConfigError struct {
	Component string
	Field     string
	Err       error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config %s.%s: %v", e.Component, e.Field, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Component, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Error wrapping constructors
func WrapPathError(path, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &PathError{Path: path, Operation: operation, Err: err}
}

func WrapConfigError(component, field string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigError{Component: component, Field: field, Err: err}
}

// NewInvalidArgument builds an invalid-argument error with a formatted
// description of the rejected input.
func NewInvalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// NewPermissionDenied builds a permission-denied error with a formatted
// description of the policy conflict.
func NewPermissionDenied(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, args...))
}

// NewIllegalState builds an illegal-state error for operations that
// must not be retried.
func NewIllegalState(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrIllegalState, fmt.Sprintf(format, args...))
}

// NewCancelled tags err as a deliberate interruption so callers can
// tell it apart from failure. The cause stays unwrappable.
func NewCancelled(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrToolCancelled, err)
}

// NewServiceFailure builds an error for conditions the daemon has no
// recovery for, such as a child process state the kernel should never
// report.
func NewServiceFailure(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrServiceFailed, fmt.Sprintf(format, args...))
}

// NewFilesystemError wraps a low-level filesystem error with the path
// and operation it occurred on.
func NewFilesystemError(path, operation string, err error) error {
	return WrapPathError(path, operation, fmt.Errorf("%w: %v", ErrFilesystemFailed, err))
}

// NewToolError builds a tool-failure error carrying the exit status
// triple of the failed child.
func NewToolError(tool string, exitCode, signal int) error {
	return &ToolError{Tool: tool, ExitCode: exitCode, Signal: signal, Err: ErrToolFailed}
}

// Error classification functions
func IsPathError(err error) bool {
	var pe *PathError
	return errors.As(err, &pe)
}

func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

func IsIllegalState(err error) bool {
	return errors.Is(err, ErrIllegalState)
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrToolCancelled)
}

func IsServiceFailure(err error) bool {
	return errors.Is(err, ErrServiceFailed)
}

// Error extraction helpers
func GetToolStatus(err error) (exitCode, signal int, ok bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te.ExitCode, te.Signal, true
	}
	return 0, 0, false
}

// Re-exported stdlib helpers so callers only import one errors package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func New(text string) error {
	return errors.New(text)
}
