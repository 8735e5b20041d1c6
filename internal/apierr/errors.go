// Package apierr defines the error taxonomy shared by the REST client and
// the realtime cable layer. Errors cross package boundaries as typed values;
// callers classify them with KindOf or IsKind rather than string matching.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the categories the client reacts to.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidAddress
	KindTransportFailure
	KindDecodingFailure
	KindEncodingFailure
	KindUnauthenticated
	KindAuthorizationRejected
	KindNotFound
	KindValidationRejected
	KindServerFault
)

// String returns a short machine-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidAddress:
		return "invalid_address"
	case KindTransportFailure:
		return "transport_failure"
	case KindDecodingFailure:
		return "decoding_failure"
	case KindEncodingFailure:
		return "encoding_failure"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindAuthorizationRejected:
		return "authorization_rejected"
	case KindNotFound:
		return "not_found"
	case KindValidationRejected:
		return "validation_rejected"
	case KindServerFault:
		return "server_fault"
	default:
		return "unknown"
	}
}

// Error is a classified failure with an optional human-readable detail and
// an optional wrapped cause.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// New creates an Error with the given kind and detail.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap creates an Error that wraps an underlying cause.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from an error chain. Errors that do not carry a
// Kind classify as KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
