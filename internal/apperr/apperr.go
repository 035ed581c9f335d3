package apperr

import (
	"errors"
	"net/http"
)

// Kind is the stable tag carried by every check-in and session error.
type Kind string

const (
	InvalidRequest      Kind = "InvalidRequest"
	SessionInvalid      Kind = "SessionInvalid"
	StudentNotFound     Kind = "StudentNotFound"
	DeviceConflict      Kind = "DeviceConflict"
	DuplicateAttendance Kind = "DuplicateAttendance"
	RateLimited         Kind = "RateLimited"
	Blocked             Kind = "Blocked"
	Conflict            Kind = "Conflict"
	PersistenceFailure  Kind = "PersistenceFailure"
	Unexpected          Kind = "Unexpected"
)

// HTTPStatus maps a kind onto the response status used by the API.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidRequest, SessionInvalid, DeviceConflict, DuplicateAttendance, Conflict:
		return http.StatusBadRequest
	case StudentNotFound:
		return http.StatusNotFound
	case RateLimited, Blocked:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// CountsAsFailure reports whether an error of this kind feeds the abuse guard.
func (k Kind) CountsAsFailure() bool {
	switch k {
	case InvalidRequest, SessionInvalid, StudentNotFound, DeviceConflict:
		return true
	}
	return false
}

// Internal reports whether the kind hides its detail from callers.
func (k Kind) Internal() bool {
	return k == PersistenceFailure || k == Unexpected
}

// Error is a classified error. Message is safe to show to callers; Err is
// the underlying cause and is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.New(k, ""))
// works as a kind test.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New returns an error of kind k.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Message: msg}
}

// Wrap classifies cause as kind k.
func Wrap(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Err: cause}
}

// KindOf returns the kind of err, or Unexpected if err is not classified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unexpected
}

// Public returns the kind and the message that may be shown to a caller.
func Public(err error) (Kind, string) {
	k := KindOf(err)
	if k.Internal() {
		return k, "internal server error"
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return k, e.Message
	}
	return k, string(k)
}
