// Package errors defines the closed error taxonomy of the dispatch engine.
// Every error surfaced to a caller carries a Kind; handlers map kinds to HTTP
// status codes in exactly one place.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base sentinel errors for errors.Is checks across package boundaries.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidInput  = errors.New("invalid input")
	ErrVolunteerBusy = errors.New("volunteer busy")
	ErrProvider      = errors.New("provider failure")
	ErrInternal      = errors.New("internal error")
)

// Kind categorizes a dispatch error.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindForbidden  Kind = "forbidden"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindBusy       Kind = "busy_volunteer"
	KindProvider   Kind = "provider"
	KindInternal   Kind = "internal"
)

// DispatchError is the structured error type used throughout the engine.
type DispatchError struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "dispatch.create_alert"
	Message string // human-readable, safe to surface to clients
	Err     error  // underlying cause, may be nil
}

func (e *DispatchError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the base sentinels by kind.
func (e *DispatchError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrUnauthorized:
		return e.Kind == KindAuth
	case ErrForbidden:
		return e.Kind == KindForbidden
	case ErrInvalidInput:
		return e.Kind == KindValidation
	case ErrVolunteerBusy:
		return e.Kind == KindBusy
	case ErrProvider:
		return e.Kind == KindProvider
	case ErrInternal:
		return e.Kind == KindInternal
	}
	return errors.Is(e.Err, target)
}

// New builds a DispatchError with a client-safe message.
func New(kind Kind, op, message string) *DispatchError {
	return &DispatchError{Kind: kind, Op: op, Message: message}
}

// Wrap attaches kind and op context to an underlying error.
func Wrap(kind Kind, op string, err error) *DispatchError {
	return &DispatchError{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with a formatted client-safe message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) *DispatchError {
	return &DispatchError{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// MessageOf extracts the client-safe message, if any.
func MessageOf(err error) string {
	var de *DispatchError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return ""
}

// HTTPStatus maps an error to the status code of the request surface.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindBusy:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
