// Package fetcherr defines the bounded error taxonomy for weather lookups.
// Every failure that reaches the API boundary carries one Kind.
package fetcherr

import (
	"errors"
	"fmt"
)

// Kind classifies a lookup failure.
type Kind int

const (
	// InvalidLocation: bad input, or the upstream rejected the query term. Caller-correctable.
	InvalidLocation Kind = iota + 1
	// Configuration: missing or bad credentials. Operator-correctable.
	Configuration
	// QuotaExceeded: the upstream rate limit was hit.
	QuotaExceeded
	// Unavailable: transient network or provider failure.
	Unavailable
	// MalformedResponse: the upstream violated its response contract.
	MalformedResponse
)

// Caller-facing messages. Internal detail never crosses the API boundary.
const (
	GenericMessage         = "Unable to fetch weather data. Please try again later."
	InvalidLocationMessage = "Invalid location parameter."
)

// String returns a stable snake_case label, used for logs and metric labels.
func (k Kind) String() string {
	switch k {
	case InvalidLocation:
		return "invalid_location"
	case Configuration:
		return "configuration"
	case QuotaExceeded:
		return "quota_exceeded"
	case Unavailable:
		return "unavailable"
	case MalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Upstream reports whether the kind originates from the provider or its configuration
// rather than from the caller's input.
func (k Kind) Upstream() bool {
	switch k {
	case Configuration, QuotaExceeded, Unavailable, MalformedResponse:
		return true
	}
	return false
}

// Error is a classified lookup failure. Location is the raw location the caller asked for.
type Error struct {
	Kind     Kind
	Location string
	Err      error
}

// New returns an *Error of kind k for location wrapping err.
func New(k Kind, location string, err error) *Error {
	return &Error{Kind: k, Location: location, Err: err}
}

// Newf is New with a formatted cause.
func Newf(k Kind, location, format string, args ...any) *Error {
	return &Error{Kind: k, Location: location, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

// PublicMessage maps err to the message shown to API callers.
// Unclassified errors are treated as upstream failures.
func PublicMessage(err error) string {
	if Is(err, InvalidLocation) {
		return InvalidLocationMessage
	}
	return GenericMessage
}
