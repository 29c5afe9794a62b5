// Package agwerr defines the error-kind taxonomy shared across the worker.
// Every package that needs to distinguish error categories (rather than just
// propagating a wrapped error) constructs one of these instead of inventing
// its own sentinel.
package agwerr

import "fmt"

// Kind classifies an error into one of the categories the worker loop and
// the CLI need to react to differently (e.g. a Connection error from a failed
// heartbeat ends the worker loop; an InvalidConfig error aborts startup
// immediately).
type Kind string

const (
	Connection     Kind = "connection"
	Authentication Kind = "authentication"
	InvalidConfig  Kind = "invalid_config"
	Protocol       Kind = "protocol"
	Worker         Kind = "worker"
	Executor       Kind = "executor"
	IO             Kind = "io"
	Broker         Kind = "broker"
)

// Error wraps an underlying cause with a Kind and a human-readable message.
// It is the one error type used throughout the module — callers that need
// the original cause use errors.As/errors.Unwrap, callers that only care
// about the category switch on Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error wrapping an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, agwerr.New(agwerr.Connection, "")) to check category
// without caring about the message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
