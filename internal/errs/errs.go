// Package errs defines the application error taxonomy shared by every
// fulfillment component. It follows the public/internal message split of
// the payment webhook error handling: the public message is safe to return
// to clients, the internal message is for logs only.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation    Kind = "validation"    // malformed input, rejected pre-mutation
	KindAuthorization Kind = "authorization" // actor lacks the required role
	KindNotFound      Kind = "not_found"     // unknown order/ticket/transfer
	KindConflict      Kind = "conflict"      // state machine or capacity violation
	KindTransient     Kind = "transient"     // lock contention, caller may retry
	KindInternal      Kind = "internal"      // everything else
)

type Error struct {
	Kind     Kind
	Reason   string // machine-readable reason code, e.g. "capacity_exceeded"
	Public   string // safe to expose to clients
	Internal string // detailed message for logs only
	Err      error  // underlying error, if any
}

func (e *Error) Error() string {
	if e.Internal != "" {
		return e.Internal
	}
	return e.Public
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the kind to an HTTP status for the API layer.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Validation(reason, public string) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Public: public, Internal: public}
}

func Authorization(reason, public string) *Error {
	return &Error{Kind: KindAuthorization, Reason: reason, Public: public, Internal: public}
}

func NotFound(reason, public string) *Error {
	return &Error{Kind: KindNotFound, Reason: reason, Public: public, Internal: public}
}

func Conflict(reason, public string) *Error {
	return &Error{Kind: KindConflict, Reason: reason, Public: public, Internal: public}
}

func Transient(reason, public string) *Error {
	return &Error{Kind: KindTransient, Reason: reason, Public: public, Internal: public}
}

func Internalf(format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: KindInternal, Reason: "internal", Public: "internal error", Internal: msg}
}

// Wrap attaches an underlying error, keeping the taxonomy entry intact.
func (e *Error) Wrap(err error) *Error {
	clone := *e
	clone.Err = err
	clone.Internal = fmt.Sprintf("%s: %v", e.Internal, err)
	return &clone
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}
