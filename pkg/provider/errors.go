package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies provider failures
type ErrorKind string

const (
	// KindAuth indicates bad credentials. Permanent.
	KindAuth ErrorKind = "auth"
	// KindRateLimit indicates the backend is throttling. Transient.
	KindRateLimit ErrorKind = "rate_limit"
	// KindUnavailable indicates a backend or transport outage. Transient.
	KindUnavailable ErrorKind = "unavailable"
	// KindMalformed indicates the response failed validation. The caller
	// treats the first occurrence as transient and a repeat as permanent.
	KindMalformed ErrorKind = "malformed"
)

// Error is a classified provider failure
type Error struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether a retry may succeed
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindRateLimit, KindUnavailable, KindMalformed:
		return true
	}
	return false
}

// classifyStatus maps an HTTP status to an error kind
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindUnavailable
	default:
		return KindUnavailable
	}
}

// wrapTransport classifies non-API errors (timeouts, connection failures)
func wrapTransport(providerName string, err error) *Error {
	kind := KindUnavailable

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindUnavailable
	}

	return &Error{
		Provider: providerName,
		Kind:     kind,
		Message:  err.Error(),
		Err:      err,
	}
}

// malformed builds a malformed-response error
func malformed(providerName, msg string) *Error {
	return &Error{
		Provider: providerName,
		Kind:     KindMalformed,
		Message:  msg,
	}
}

// Malformed builds a malformed-response error on behalf of a caller
// that validated the response shape itself
func Malformed(providerName, msg string) *Error {
	return malformed(providerName, msg)
}

// AsError extracts a classified provider error, if any
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
