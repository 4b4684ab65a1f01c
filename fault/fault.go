// Package fault defines the error taxonomy shared by every service surface.
// Errors are classified by Kind; transports map kinds to HTTP status codes
// and WebSocket close codes so that a failure means the same thing no matter
// which boundary reports it.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a failure class.
type Kind string

const (
	// Unauthenticated means the caller presented no or invalid credentials.
	Unauthenticated Kind = "unauthenticated"
	// AccessDenied means the caller is known but not allowed.
	AccessDenied Kind = "access-denied"
	// NotFound means the addressed entity does not exist.
	NotFound Kind = "not-found"
	// Conflict means the operation collides with current state.
	Conflict Kind = "conflict"
	// QuotaExceeded means a per-principal resource limit was hit.
	QuotaExceeded Kind = "quota-exceeded"
	// InvalidInput means the request was malformed or out of range.
	InvalidInput Kind = "invalid-input"
	// SafetyViolation means a hardware safety limit was breached.
	SafetyViolation Kind = "safety-violation"
	// EmergencyStopActive means the interlock latch blocks the operation.
	EmergencyStopActive Kind = "emergency-stop-active"
	// UnknownDriver means no driver is registered under the requested name.
	UnknownDriver Kind = "unknown-driver"
	// ConnectionFailed means the instrument could not be reached.
	ConnectionFailed Kind = "connection-failed"
	// StartFailed means the run could not be started on the instrument.
	StartFailed Kind = "start-failed"
	// BusUnavailable means the telemetry bus is down.
	BusUnavailable Kind = "bus-unavailable"
	// Timeout means the operation exceeded its deadline.
	Timeout Kind = "timeout"
	// Cancelled means the caller gave up; never a failure at the boundary.
	Cancelled Kind = "cancelled"
	// Internal is the fallback for unclassified errors.
	Internal Kind = "internal"
)

// Error carries a Kind plus a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf returns an error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message, keeping the chain intact.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf walks the error chain and returns the first Kind found.
// Context cancellation and deadline errors classify even without wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// HTTPStatus maps an error to the HTTP status code its kind prescribes.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Unauthenticated:
		return http.StatusUnauthorized
	case AccessDenied:
		return http.StatusForbidden
	case NotFound, UnknownDriver:
		return http.StatusNotFound
	case Conflict, EmergencyStopActive:
		return http.StatusConflict
	case QuotaExceeded:
		return http.StatusTooManyRequests
	case InvalidInput, SafetyViolation:
		return http.StatusBadRequest
	case BusUnavailable:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// CloseCode maps an error to the WebSocket close code sent during teardown.
func CloseCode(err error) int {
	switch KindOf(err) {
	case Unauthenticated, AccessDenied, NotFound:
		return 1008 // policy violation
	case QuotaExceeded:
		return 1013 // try again later
	default:
		return 1011 // internal error
	}
}
