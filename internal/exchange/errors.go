package exchange

import (
	"errors"
	"fmt"
)

// Kind classifies a service error for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindForbidden
	KindBadRequest
)

// Error carries a dotted operation code, a transport kind, and a
// user-facing message alongside the underlying cause.
type Error struct {
	code    string
	kind    Kind
	message string
	err     error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code, e.g.
// "exchange.create_request.insufficient_points".
func (e *Error) Code() string {
	return e.code
}

// Kind returns the transport classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// Message returns the user-facing failure reason.
func (e *Error) Message() string {
	if e.message != "" {
		return e.message
	}
	if e.err != nil {
		return e.err.Error()
	}
	return e.code
}

func newError(kind Kind, operation, reason, message string, cause error) error {
	return &Error{
		code:    fmt.Sprintf("%s.%s", operation, reason),
		kind:    kind,
		message: message,
		err:     cause,
	}
}

// KindOf extracts the transport kind from an error chain, defaulting to
// KindInternal for unclassified failures.
func KindOf(err error) Kind {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Kind()
	}
	return KindInternal
}
