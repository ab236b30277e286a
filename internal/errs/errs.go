// Package errs defines the closed set of failure kinds the client layer
// reports. Callers classify failures by kind rather than by matching
// message text or concrete transport error types.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a failure category.
type Kind int

const (
	// KindUnknown is the zero value, reported for errors that did not
	// originate in this client layer.
	KindUnknown Kind = iota

	// KindAuth covers credential exchange failures: bad credentials,
	// expired license, or a network fault during authentication.
	KindAuth

	// KindQueryRejected means the validator blocked the request before
	// any network call was made.
	KindQueryRejected

	// KindTransport covers connection, DNS, and timeout failures on the
	// GraphQL call itself.
	KindTransport

	// KindRemote covers non-200 HTTP responses and GraphQL responses
	// carrying an errors array.
	KindRemote

	// KindSizeLimit means a response exceeded a configured byte ceiling.
	KindSizeLimit

	// KindResolution means an identifier could not be resolved through
	// any branch of the lookup chain.
	KindResolution
)

// String returns a stable name for the kind, used in logs.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindQueryRejected:
		return "query_rejected"
	case KindTransport:
		return "transport"
	case KindRemote:
		return "remote"
	case KindSizeLimit:
		return "size_limit"
	case KindResolution:
		return "resolution"
	default:
		return "unknown"
	}
}

// Error is the single error type crossing the client layer's boundary.
// Status carries the HTTP status code when one was observed, else 0.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping a cause. The cause
// stays reachable through errors.Unwrap for diagnosis, but callers
// dispatch on the kind.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithStatus attaches an HTTP status code to the error.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// KindOf returns the kind of err, or KindUnknown when err is nil or did
// not originate in this layer.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}

// IsKind reports whether err (or any error in its chain) carries the
// given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
