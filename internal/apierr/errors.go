// Package apierr defines the error kinds shared between the store and the
// admission HTTP layer, so a persistence-level failure maps to the same
// vocabulary the API response envelope uses.
package apierr

import "fmt"

type Kind string

const (
	KindValidation   Kind = "VALIDATION"
	KindNotFound     Kind = "NOT_FOUND"
	KindConflict     Kind = "CONFLICT"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindForbidden    Kind = "FORBIDDEN"
	KindRateLimited  Kind = "RATE_LIMITED"
	KindInternal     Kind = "INTERNAL"
)

// Error carries a Kind alongside a human message so callers can branch on
// the kind without string-matching.
type Error struct {
	Kind    Kind
	Message string
	Code    string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func NotFound(code, message string) *Error {
	return New(KindNotFound, code, message)
}

func Validation(code, message string) *Error {
	return New(KindValidation, code, message)
}

func Conflict(code, message string) *Error {
	return New(KindConflict, code, message)
}

// As reports whether err is (or wraps) an *Error and returns it.
func As(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	if ok {
		return ae, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if ae, ok := err.(*Error); ok {
			return ae, true
		}
	}
	return nil, false
}
