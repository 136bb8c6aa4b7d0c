package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "not found"
)

// Kind classifies orchestrator errors so the turn controller can pick a
// recovery strategy without string matching.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindUnknownTool         Kind = "unknown_tool"
	KindDuplicateDispatch   Kind = "duplicate_dispatch"
	KindConflict            Kind = "conflict"
	KindTransport           Kind = "transport_failure"
	KindRegistryUnavailable Kind = "registry_unavailable"
	KindInternal            Kind = "internal"
)

// AppError wraps an underlying error with a kind, an HTTP status and a safe message.
type AppError struct {
	Err     error
	Kind    Kind
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Kind:    KindInternal,
		Status:  status,
		Message: message,
	}
}

// Validation marks bad or missing tool arguments. Recoverable: the turn
// controller re-plans once with the message as a hint.
func Validation(err error, message string) *AppError {
	return &AppError{Err: err, Kind: KindValidation, Status: http.StatusUnprocessableEntity, Message: message}
}

// UnknownTool marks a tool name absent from the manifest snapshot.
func UnknownTool(name string) *AppError {
	return &AppError{Kind: KindUnknownTool, Status: http.StatusNotFound, Message: fmt.Sprintf("unknown tool %q", name)}
}

// DuplicateDispatch marks a second concurrent dispatch for the same
// (turn, tool) pair. Swallowed by the caller, never user-visible.
func DuplicateDispatch(turnID, tool string) *AppError {
	return &AppError{Kind: KindDuplicateDispatch, Status: http.StatusConflict, Message: fmt.Sprintf("dispatch already pending for turn %s tool %s", turnID, tool)}
}

// Conflict marks resource contention reported by a capability endpoint.
// The reason must be human-describable, never a stack trace.
func Conflict(reason string) *AppError {
	return &AppError{Kind: KindConflict, Status: http.StatusConflict, Message: reason}
}

// Transport marks a network or endpoint failure after retry exhaustion.
func Transport(err error, message string) *AppError {
	return &AppError{Err: err, Kind: KindTransport, Status: http.StatusBadGateway, Message: message}
}

// RegistryUnavailable marks a manifest fetch failure with no stale fallback.
func RegistryUnavailable(err error) *AppError {
	return &AppError{Err: err, Kind: KindRegistryUnavailable, Status: http.StatusServiceUnavailable, Message: "tool registry unavailable"}
}

// KindOf extracts the Kind from an error chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}
