// Package apperr defines the error taxonomy shared across the fraud
// pipeline. Every failure that can reach an HTTP response is expressed as
// an *Error with a Kind; the terminal handler adapter maps kinds to status
// codes and response bodies.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for HTTP mapping and logging severity.
type Kind string

const (
	KindValidation      Kind = "validation"       // schema or business-rule rejection
	KindAuth            Kind = "auth"             // missing/invalid operator key
	KindRateLimit       Kind = "rate_limit"       // blocklist or progressive-timeout match
	KindNotFound        Kind = "not_found"        // unknown resource
	KindConflict        Kind = "conflict"         // duplicate email, first attempt
	KindExternalService Kind = "external_service" // upstream CAPTCHA or reputation failure
	KindDatabase        Kind = "database"         // persistence layer failure
	KindInternal        Kind = "internal"         // anything else
)

// Error is the pipeline-wide error value. Erfid is attached as soon as the
// request id exists so every error response can echo it.
type Error struct {
	Kind    Kind   `json:"error"`
	Message string `json:"message"`
	Erfid   string `json:"erfid,omitempty"`

	// RetryAfter/ExpiresAt are populated on rate_limit errors only.
	RetryAfter int        `json:"retryAfter,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`

	// Details carries structured context for logs, never for clients.
	Details map[string]interface{} `json:"-"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps the error kind to its response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindExternalService:
		return http.StatusServiceUnavailable
	case KindDatabase, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error that preserves its cause for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithErfid attaches the request-tracking id. Returns the receiver for
// chaining at throw sites.
func (e *Error) WithErfid(erfid string) *Error {
	e.Erfid = erfid
	return e
}

// WithRetry attaches rate-limit retry metadata.
func (e *Error) WithRetry(retryAfter int, expiresAt time.Time) *Error {
	e.RetryAfter = retryAfter
	e.ExpiresAt = &expiresAt
	return e
}

// WithDetails attaches structured context for server-side logging.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from any error in the chain; KindInternal when
// the chain carries no *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// From returns the *Error in the chain, or wraps err as KindInternal.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(KindInternal, "internal error", err)
}
