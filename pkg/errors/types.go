// Package errors defines the closed failure taxonomy returned by the broker.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Kind is one of the broker failure classes.
type Kind string

const (
	// KindInvalidToolCall marks a malformed request; it never reaches policy or backend.
	KindInvalidToolCall Kind = "INVALID_TOOL_CALL"
	// KindDeniedPolicy marks a request the policy engine refused.
	KindDeniedPolicy Kind = "DENIED_POLICY"
	// KindTimeout marks an execution that exceeded its wall-clock limit.
	KindTimeout Kind = "TIMEOUT"
	// KindNonzeroExit marks a command that ran and failed. It is not a broker fault.
	KindNonzeroExit Kind = "NONZERO_EXIT"
	// KindBackend marks any other fault acquiring, using or talking to a sandbox.
	KindBackend Kind = "BACKEND_ERROR"
)

// Caller-facing process exit codes for failures that have no command exit code.
const (
	ExitInvalidToolCall = 2
	ExitTimeout         = 124
	ExitBackend         = 125
	ExitDeniedPolicy    = 126
)

// Kinds lists the taxonomy in a stable order.
func Kinds() []Kind {
	return []Kind{KindInvalidToolCall, KindDeniedPolicy, KindTimeout, KindNonzeroExit, KindBackend}
}

// Error is a classified broker failure.
type Error struct {
	Kind       Kind
	Message    string
	ExitCode   *int
	Underlying error
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Underlying: err}
}

// WithExitCode records the sandboxed command's exit code.
func (e *Error) WithExitCode(code int) *Error {
	e.ExitCode = &code
	return e
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Kind, e.Message))
	if e.ExitCode != nil {
		sb.WriteString(fmt.Sprintf(" (exit code %d)", *e.ExitCode))
	}
	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// Detail returns the message with the underlying cause appended.
func (e *Error) Detail() string {
	if e.Underlying == nil {
		return e.Message
	}
	return e.Message + ": " + e.Underlying.Error()
}

// CallerExitCode maps the failure to the exit code reported to callers.
// NONZERO_EXIT passes the command's own code through.
func (e *Error) CallerExitCode() int {
	switch e.Kind {
	case KindInvalidToolCall:
		return ExitInvalidToolCall
	case KindDeniedPolicy:
		return ExitDeniedPolicy
	case KindTimeout:
		return ExitTimeout
	case KindNonzeroExit:
		if e.ExitCode != nil {
			return *e.ExitCode
		}
		return 1
	default:
		return ExitBackend
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
