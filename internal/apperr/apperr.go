// Package apperr defines the error kinds the gateway distinguishes when
// deciding between failing a request and degrading into a completion payload.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindConfiguration marks missing or invalid local configuration
	// (for example secondary upload credentials).
	KindConfiguration Kind = "configuration"
	// KindUpstreamHTTP marks a non-2xx status, transport failure or unreadable body
	// from any backend call.
	KindUpstreamHTTP Kind = "upstream_http"
	// KindShapeValidation marks a 2xx response whose marker fields do not match.
	KindShapeValidation Kind = "shape_validation"
	// KindPollTimeout marks a chat that never reached a terminal state.
	KindPollTimeout Kind = "poll_timeout"
	// KindCredential marks a failure to mint or exchange the backend token.
	KindCredential Kind = "credential"
	// KindMalformedRequest marks an inbound body that does not match the OpenAI shape.
	KindMalformedRequest Kind = "malformed_request"
)

type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Is reports whether any error in err's chain is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
