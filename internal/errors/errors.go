// Package errors provides structured CLI error types for Skiff.
//
// CLIError wraps errors with user-facing messages, hints, and exit codes
// to provide consistent, actionable error output across all commands.
// Runtime components use the sentinel errors and Kind constants below; the
// CLI layer translates them into CLIErrors at the command boundary.
package errors

import (
	"errors"
	"fmt"
)

// Exit codes for CLI errors.
const (
	ExitSuccess  = 0  // Successful execution
	ExitGeneral  = 1  // General error
	ExitBackend  = 2  // Backend process error
	ExitSession  = 3  // Terminal session error
	ExitConfig   = 4  // Configuration error
	ExitProtocol = 5  // Socket protocol error
	ExitUsage    = 64 // Command line usage error (BSD convention)
)

// Kind classifies a runtime error for protocol error frames and logs.
type Kind string

// Runtime error kinds. These travel over the wire in error frames, so the
// values are stable identifiers rather than display strings.
const (
	KindPortExhausted    Kind = "port_exhausted"
	KindBackendUnhealthy Kind = "backend_unhealthy"
	KindBackendFatal     Kind = "backend_fatal"
	KindSessionNotFound  Kind = "session_not_found"
	KindSpawnFailed      Kind = "spawn_failed"
	KindProtocolError    Kind = "protocol_error"
	KindLinkIO           Kind = "link_io"
	KindInternal         Kind = "internal"
)

// Sentinel errors for the runtime taxonomy. Components wrap these with
// context via fmt.Errorf("...: %w", ...) so callers can match with errors.Is.
var (
	// ErrPortExhausted means no port in the negotiation range could be bound.
	ErrPortExhausted = errors.New("no free port in negotiation range")

	// ErrBackendUnhealthy marks a recoverable backend failure that drives a restart.
	ErrBackendUnhealthy = errors.New("backend unhealthy")

	// ErrBackendFatal marks restart-budget exhaustion; the supervisor will not retry.
	ErrBackendFatal = errors.New("backend restart budget exhausted")

	// ErrSessionNotFound means the session id is unknown or the session already exited.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSpawnFailed means the OS could not create the process or pseudo-terminal.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrProtocolError marks a malformed socket frame.
	ErrProtocolError = errors.New("protocol error")

	// ErrLinkIO marks an I/O failure on one attached client's stream.
	ErrLinkIO = errors.New("link I/O error")
)

// KindOf maps a runtime error to its wire-level kind.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrPortExhausted):
		return KindPortExhausted
	case errors.Is(err, ErrBackendFatal):
		return KindBackendFatal
	case errors.Is(err, ErrBackendUnhealthy):
		return KindBackendUnhealthy
	case errors.Is(err, ErrSessionNotFound):
		return KindSessionNotFound
	case errors.Is(err, ErrSpawnFailed):
		return KindSpawnFailed
	case errors.Is(err, ErrProtocolError):
		return KindProtocolError
	case errors.Is(err, ErrLinkIO):
		return KindLinkIO
	default:
		return KindInternal
	}
}

// CLIError represents a user-facing CLI error with actionable guidance.
type CLIError struct {
	// Message is the primary error message shown to the user.
	Message string

	// Hint provides actionable guidance on how to fix the error.
	Hint string

	// Cause is the underlying error, if any.
	Cause error

	// Code is the exit code for the CLI.
	Code int
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}

	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CLIError) Unwrap() error {
	return e.Cause
}

// New creates a new CLIError with the given message and exit code.
func New(code int, message string) *CLIError {
	return &CLIError{
		Message: message,
		Code:    code,
	}
}

// Wrap wraps an existing error with a CLIError.
func Wrap(code int, message string, cause error) *CLIError {
	return &CLIError{
		Message: message,
		Cause:   cause,
		Code:    code,
	}
}

// WithHint adds a hint to the error.
func (e *CLIError) WithHint(hint string) *CLIError {
	e.Hint = hint
	return e
}

// As is a convenience function for errors.As with CLIError.
func As(err error, target **CLIError) bool {
	return errors.As(err, target)
}

// --- Common error constructors ---

// RuntimeNotRunning returns an error when no Skiff runtime is reachable.
func RuntimeNotRunning(socketPath string) *CLIError {
	return &CLIError{
		Message: "Skiff runtime is not running",
		Hint:    fmt.Sprintf("Start it with 'skiff run' (socket: %s)", socketPath),
		Code:    ExitGeneral,
	}
}

// RuntimeAlreadyRunning returns an error when a live runtime owns the socket.
func RuntimeAlreadyRunning(pid int) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Another Skiff runtime is already running (pid %d)", pid),
		Hint:    "Stop it with 'skiff stop' before starting a new one",
		Code:    ExitGeneral,
	}
}

// BackendStartFailed returns an error when the backend never became healthy.
func BackendStartFailed(cause error) *CLIError {
	return &CLIError{
		Message: "Backend process failed to start",
		Hint:    "Check the backend command and run 'skiff doctor' for diagnostics",
		Cause:   cause,
		Code:    ExitBackend,
	}
}

// PortNegotiationFailed returns an error for startup port exhaustion.
func PortNegotiationFailed(preferred, span int, cause error) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("No free port found in range %d-%d", preferred, preferred+span),
		Hint:    "Free a port in the range or change backend.port in the config",
		Cause:   cause,
		Code:    ExitBackend,
	}
}

// SessionNotFound returns an error for an unknown session.
func SessionNotFound(id string) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Session not found: %s", id),
		Hint:    "The session may have exited, or the ID is incorrect",
		Cause:   ErrSessionNotFound,
		Code:    ExitSession,
	}
}

// BackendCommandMissing returns an error when no backend command is configured.
func BackendCommandMissing() *CLIError {
	return &CLIError{
		Message: "No backend command configured",
		Hint:    "Set backend.command in the config or pass --backend",
		Code:    ExitConfig,
	}
}

// ConfigFailed returns an error for configuration load/save failures.
func ConfigFailed(operation string, cause error) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Failed to %s", operation),
		Hint:    "Check file permissions for your Skiff config directory or run 'skiff doctor'",
		Cause:   cause,
		Code:    ExitConfig,
	}
}

// SocketDialFailed returns an error when the local socket cannot be reached.
func SocketDialFailed(socketPath string, cause error) *CLIError {
	return &CLIError{
		Message: "Could not connect to the Skiff runtime socket",
		Hint:    fmt.Sprintf("Is the runtime running? Expected socket at %s", socketPath),
		Cause:   cause,
		Code:    ExitGeneral,
	}
}

// StaleSocket returns an error for a leftover socket with no live runtime.
func StaleSocket(socketPath string) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Stale runtime socket at %s", socketPath),
		Hint:    "Remove the socket file or run 'skiff run' to recreate it",
		Code:    ExitGeneral,
	}
}
