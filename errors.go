package svcagent

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by agent operations
var (
	// ErrNotFound indicates no catalog entry matches the requested service
	ErrNotFound = errors.New("svcagent: service not found")

	// ErrNotRunning indicates no running service matches the request
	ErrNotRunning = errors.New("svcagent: service not running")

	// ErrAmbiguous indicates several catalog versions match an unversioned request
	ErrAmbiguous = errors.New("svcagent: ambiguous service version")

	// ErrMissingName indicates a descriptor file has no name field
	ErrMissingName = errors.New("svcagent: descriptor has no name")

	// ErrInvalidParams indicates command parameters failed validation
	ErrInvalidParams = errors.New("svcagent: invalid params")

	// ErrUnknownOperation indicates the requested command does not exist
	ErrUnknownOperation = errors.New("svcagent: unknown operation")

	// ErrHandoffInProgress indicates a restart or quit has already begun
	ErrHandoffInProgress = errors.New("svcagent: hand-off in progress")
)

// OpError represents a failed operation against one service
type OpError struct {
	// Op is the operation that failed
	Op Operation
	// Service is the requested service name
	Service string
	// Version is the requested version, empty for any
	Version string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	target := e.Service
	if e.Version != "" {
		target += "@" + e.Version
	}
	return fmt.Sprintf("svcagent %s %q: %v", e.Op.String(), target, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a shell command that failed to launch or exited non-zero
type ExecutionError struct {
	// Command is the command line handed to the shell
	Command string
	// ExitCode is the process exit code, -1 when it never ran
	ExitCode int
	// Stdout is the captured standard output
	Stdout string
	// Stderr is the captured standard error
	Stderr string
	// Err is the underlying launch or wait error
	Err error
}

// Error returns a formatted error message including trimmed stderr
func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("svcagent exec %q: exit code %d", e.Command, e.ExitCode)
	if e.ExitCode < 0 && e.Err != nil {
		msg = fmt.Sprintf("svcagent exec %q: %v", e.Command, e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// LoadError reports a descriptor file that could not be loaded
type LoadError struct {
	// Path is the descriptor file path
	Path string
	// Err is the underlying read, parse or validation error
	Err error
}

// Error returns a formatted error message
func (e *LoadError) Error() string {
	return fmt.Sprintf("svcagent load %q: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *LoadError) Unwrap() error {
	return e.Err
}

// MultiError aggregates multiple errors from bulk operations
type MultiError struct {
	// Errors contains all accumulated errors
	Errors []error
}

// Error returns a summary of the accumulated errors
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred", len(m.Errors))
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}

// ErrorCode maps an error to the stable code carried in control responses
func ErrorCode(err error) string {
	var execErr *ExecutionError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrNotRunning):
		return "NOT_RUNNING"
	case errors.Is(err, ErrAmbiguous):
		return "AMBIGUOUS"
	case errors.Is(err, ErrInvalidParams):
		return "INVALID_PARAMS"
	case errors.Is(err, ErrUnknownOperation):
		return "UNKNOWN_OPERATION"
	case errors.Is(err, ErrHandoffInProgress):
		return "HANDOFF_IN_PROGRESS"
	case errors.As(err, &execErr):
		return "EXECUTION_ERROR"
	default:
		return "INTERNAL"
	}
}
