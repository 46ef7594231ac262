// Package shadowerr defines the error kinds that cross component boundaries
// in the shadow manager, and the HTTP-style codes/messages published on the
// local pub/sub "rejected" topics.
package shadowerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the abstract error kinds shadow operations can return.
type Kind string

const (
	KindInvalidArguments    Kind = "InvalidArguments"
	KindUnauthorized        Kind = "Unauthorized"
	KindResourceNotFound    Kind = "ResourceNotFound"
	KindConflictError       Kind = "ConflictError"
	KindThrottledTotal      Kind = "ThrottledTotal"
	KindThrottledPerThing   Kind = "ThrottledPerThing"
	KindServiceError        Kind = "ServiceError"
	KindInvalidConfig       Kind = "InvalidConfiguration"
	KindPayloadTooLarge     Kind = "PayloadTooLarge"
	KindUnknownShadow       Kind = "UnknownShadow"
)

// httpCode maps each kind to its HTTP-style status code.
var httpCode = map[Kind]int{
	KindInvalidArguments:  400,
	KindUnauthorized:      401,
	KindResourceNotFound:  404,
	KindConflictError:     409,
	KindThrottledTotal:    500,
	KindThrottledPerThing: 500,
	KindServiceError:      500,
	KindInvalidConfig:     500,
	KindPayloadTooLarge:   413,
	KindUnknownShadow:     404,
}

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the HTTP-style status code for this error's kind.
func (e *Error) Code() int {
	if c, ok := httpCode[e.Kind]; ok {
		return c
	}
	return 500
}

// New creates a *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a *Error wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// As recovers a *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// KindOf returns the Kind carried by err, or KindServiceError if err does
// not carry a *Error (an unclassified failure is treated as a service
// error).
func KindOf(err error) Kind {
	if se, ok := As(err); ok {
		return se.Kind
	}
	return KindServiceError
}

// Code returns the HTTP-style status code for err.
func Code(err error) int {
	if se, ok := As(err); ok {
		return se.Code()
	}
	return 500
}
