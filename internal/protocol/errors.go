package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies failures crossing the sync boundary.
type Kind string

const (
	// KindValidation marks a malformed envelope or mutation input.
	KindValidation Kind = "validation"
	// KindProtocol marks a sequencing violation such as a mutation from the
	// future or a version that moved during a pull.
	KindProtocol Kind = "protocol"
	// KindApplication marks a failing mutation handler.
	KindApplication Kind = "application"
	// KindTransport marks a network failure between client and server.
	KindTransport Kind = "transport"
)

// Issue describes one validation problem.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error is a classified failure with a `<operation>.<reason>` code.
type Error struct {
	kind   Kind
	code   string
	err    error
	issues []Issue
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

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Code() string {
	return e.code
}

func (e *Error) Issues() []Issue {
	return append([]Issue(nil), e.issues...)
}

func newError(kind Kind, operation, reason string, cause error, issues []Issue) error {
	return &Error{
		kind:   kind,
		code:   fmt.Sprintf("%s.%s", operation, reason),
		err:    cause,
		issues: issues,
	}
}

func NewValidationError(operation, reason string, cause error, issues ...Issue) error {
	return newError(KindValidation, operation, reason, cause, issues)
}

func NewProtocolError(operation, reason string, cause error) error {
	return newError(KindProtocol, operation, reason, cause, nil)
}

func NewApplicationError(operation, reason string, cause error) error {
	return newError(KindApplication, operation, reason, cause, nil)
}

func NewTransportError(operation, reason string, cause error) error {
	return newError(KindTransport, operation, reason, cause, nil)
}

// KindOf returns the kind of the outermost classified error in the chain, or
// an empty Kind when the error is unclassified.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	return ""
}

// IssuesOf collects validation issues carried by the error chain.
func IssuesOf(err error) []Issue {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Issues()
	}
	return nil
}
