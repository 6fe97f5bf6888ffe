// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package api contains the shared request/response plumbing of the HTTP surface.

Every response is wrapped in an Envelope carrying the trace identifier of the request.
Errors are classified by Kind, and each kind maps to exactly one HTTP status:

	validation   400
	unauthorized 401
	forbidden    403
	not_found    404
	conflict     409
	internal     500
	unavailable  503

Packages return *Error values at their public boundary, the handlers pass whatever they
got to Fail.
*/
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error
type Kind string

// the error taxonomy
const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal"
)

// Status returns the HTTP status code for the kind
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Error is a classified error with a human readable message and optional details
// which are passed on to the client.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// With returns a copy of the error with an additional detail
func (e *Error) With(key string, value any) *Error {
	c := *e
	c.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

// Wrap returns a copy of the error with err as cause. The cause is logged but never sent
// to the client.
func (e *Error) Wrap(err error) *Error {
	c := *e
	c.Err = err
	return &c
}

// NewError creates a new error of the given kind
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Validation returns a validation error
func Validation(message string) *Error {
	return NewError(KindValidation, message)
}

// InvalidField returns a validation error for a single field
func InvalidField(field string) *Error {
	return Validation("invalid parameter").With("field", field)
}

// NotFound returns a not_found error
func NotFound(message string) *Error {
	return NewError(KindNotFound, message)
}

// Conflict returns a conflict error
func Conflict(message string) *Error {
	return NewError(KindConflict, message)
}

// Unavailable returns an unavailable error
func Unavailable(message string) *Error {
	return NewError(KindUnavailable, message)
}

// Internal returns an internal error wrapping err
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf returns the kind of err. Errors which are not classified are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind returns true if err is classified as kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
