package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorKind classifies a failure for retry and propagation decisions.
type ErrorKind string

const (
	// ErrTransient covers timeouts, connection resets, file-busy, and
	// database-locked failures. Retried per operation policy.
	ErrTransient ErrorKind = "transient"
	// ErrPermission covers denied/forbidden failures. Never retried; the
	// provider is removed for the current call without tripping its breaker.
	ErrPermission ErrorKind = "permission"
	// ErrNotFound covers absent entities. Never retried.
	ErrNotFound ErrorKind = "not_found"
	// ErrValidation covers ill-typed parameters. Never retried; the handler
	// marks the thought FAILED.
	ErrValidation ErrorKind = "validation"
	// ErrNoProvider means the registry cannot satisfy a capability.
	ErrNoProvider ErrorKind = "no_provider"
	// ErrFatal covers integrity violations: audit chain break, storage
	// corruption. Triggers graceful shutdown.
	ErrFatal ErrorKind = "fatal"
	// ErrSecurity covers signature verification and variance breaches. The
	// action is blocked and an audit event recorded.
	ErrSecurity ErrorKind = "security"
)

// CoreError attaches a kind and operation to an underlying error.
type CoreError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CoreError) Unwrap() error { return e.Err }

// Is matches two CoreErrors by kind, so errors.Is(err, &CoreError{Kind: k})
// works as a kind test.
func (e *CoreError) Is(target error) bool {
	var ce *CoreError
	if errors.As(target, &ce) {
		return ce.Kind == e.Kind
	}
	return false
}

// NewError builds a CoreError with a formatted message.
func NewError(kind ErrorKind, op, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches kind and op to an existing error.
func WrapError(kind ErrorKind, op string, err error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Err: err}
}

// Transient, Permission, NotFound, Validation, NoProvider, Fatal, and
// Security are shorthand constructors for the common kinds.
func Transient(op, format string, args ...any) *CoreError {
	return NewError(ErrTransient, op, format, args...)
}

func Permission(op, format string, args ...any) *CoreError {
	return NewError(ErrPermission, op, format, args...)
}

func NotFound(op, format string, args ...any) *CoreError {
	return NewError(ErrNotFound, op, format, args...)
}

func Validation(op, format string, args ...any) *CoreError {
	return NewError(ErrValidation, op, format, args...)
}

func NoProvider(serviceType ServiceType, caps ...Capability) *CoreError {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return &CoreError{
		Kind:    ErrNoProvider,
		Op:      "registry.select",
		Message: fmt.Sprintf("no provider for %s with capabilities [%s]", serviceType, strings.Join(names, ", ")),
	}
}

func Fatal(op, format string, args ...any) *CoreError {
	return NewError(ErrFatal, op, format, args...)
}

func Security(op, format string, args ...any) *CoreError {
	return NewError(ErrSecurity, op, format, args...)
}

// KindOf extracts the kind of err. Plain errors classify by inspection:
// context deadline/cancel and lock/busy strings are transient; everything
// else defaults to fatal-free transient handling by the caller's policy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTransient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"database is locked", "busy", "timeout", "connection reset", "temporarily unavailable", "try again"} {
		if strings.Contains(msg, marker) {
			return ErrTransient
		}
	}
	for _, marker := range []string{"permission denied", "forbidden", "unauthorized", "access denied"} {
		if strings.Contains(msg, marker) {
			return ErrPermission
		}
	}
	if strings.Contains(msg, "not found") || strings.Contains(msg, "no such") {
		return ErrNotFound
	}
	return ErrTransient
}

// IsRetryable reports whether the bus retry policy may try again.
func IsRetryable(err error) bool {
	return KindOf(err) == ErrTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
