/*
 * gonosql
 * Copyright (C) 2026  The gonosql Authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package nosqlerr defines the error kinds shared between the
// authorization subsystem and the data-plane retry handler. The retry
// handler switches on kinds to decide whether a failed request is worth
// retrying, so kinds must survive any amount of wrapping on the way up.
package nosqlerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a driver error. The values are stable identifiers,
// not display strings.
type Kind string

const (
	// KindUnknown is the zero kind of errors that did not originate in
	// the driver.
	KindUnknown Kind = ""

	// KindIllegalArgument rejects configuration at construction:
	// conflicting flags, malformed OCIDs, missing required fields, bad
	// URLs, unreadable key files.
	KindIllegalArgument Kind = "ILLEGAL_ARGUMENT"

	// KindCredentialsError reports a credentials callback that failed
	// or returned a malformed record, or a credentials file that could
	// not be read or parsed.
	KindCredentialsError Kind = "CREDENTIALS_ERROR"

	// KindIllegalState reports a violated peer invariant: tenancy
	// changed between certificate refreshes, a token without exp, a
	// subject missing the expected prefix, an unknown region literal.
	KindIllegalState Kind = "ILLEGAL_STATE"

	// KindBadProtocolMessage reports a malformed peer response: a non
	// JSON body, a missing token field, a base64 decode failure.
	KindBadProtocolMessage Kind = "BAD_PROTOCOL_MESSAGE"

	// KindRequestTimeout reports an HTTP exchange that exceeded its
	// deadline after built-in retries.
	KindRequestTimeout Kind = "REQUEST_TIMEOUT"

	// KindServiceError reports an unsuccessful HTTP status after
	// retries. Retryable only for 500 and 503.
	KindServiceError Kind = "SERVICE_ERROR"

	// KindNetworkError reports a transport-level failure after retries.
	KindNetworkError Kind = "NETWORK_ERROR"

	// KindUnauthorized reports a 401 from an identity peer.
	KindUnauthorized Kind = "UNAUTHORIZED"

	// KindInvalidAuthorization is produced by the data peer and
	// consumed by the signature cache as an invalidate-and-retry hint.
	KindInvalidAuthorization Kind = "INVALID_AUTHORIZATION"

	// KindRetryAuthentication is produced by the on-premise store when
	// the bearer token has lapsed; the provider logs in again and the
	// request is retried.
	KindRetryAuthentication Kind = "RETRY_AUTHENTICATION"
)

// Error is a driver error. It carries the kind consumed by the retry
// handler, the operation that produced it, and the chained cause.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Op names the operation that failed, e.g. "federation/v1/x509".
	Op string
	// Message is the human readable description.
	Message string
	// Status is the HTTP status for service and unauthorized errors,
	// zero otherwise.
	Status int
	// Err is the underlying cause, may be nil.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient enough that the
// data-plane handler may retry the request. Service errors are
// retryable only when the peer answered 500 or 503.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetworkError, KindRequestTimeout, KindRetryAuthentication:
		return true
	case KindServiceError:
		return e.Status == http.StatusInternalServerError ||
			e.Status == http.StatusServiceUnavailable
	default:
		return false
	}
}

// IllegalArgument creates an ILLEGAL_ARGUMENT error.
func IllegalArgument(format string, args ...any) *Error {
	return &Error{Kind: KindIllegalArgument, Message: fmt.Sprintf(format, args...)}
}

// CredentialsError creates a CREDENTIALS_ERROR wrapping cause, which
// may be nil.
func CredentialsError(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindCredentialsError, Message: fmt.Sprintf(format, args...), Err: cause}
}

// IllegalState creates an ILLEGAL_STATE error.
func IllegalState(format string, args ...any) *Error {
	return &Error{Kind: KindIllegalState, Message: fmt.Sprintf(format, args...)}
}

// BadProtocolMessage creates a BAD_PROTOCOL_MESSAGE wrapping cause,
// which may be nil.
func BadProtocolMessage(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindBadProtocolMessage, Message: fmt.Sprintf(format, args...), Err: cause}
}

// RequestTimeout creates a REQUEST_TIMEOUT wrapping cause.
func RequestTimeout(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindRequestTimeout, Message: fmt.Sprintf(format, args...), Err: cause}
}

// ServiceError creates a SERVICE_ERROR carrying the peer's HTTP status.
func ServiceError(status int, format string, args ...any) *Error {
	return &Error{Kind: KindServiceError, Status: status, Message: fmt.Sprintf(format, args...)}
}

// NetworkError creates a NETWORK_ERROR wrapping cause.
func NetworkError(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindNetworkError, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Unauthorized creates an UNAUTHORIZED error for a 401 from an
// identity peer.
func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Status: http.StatusUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// InvalidAuthorization creates an INVALID_AUTHORIZATION error. The
// data plane produces these; the driver only consumes them, but tests
// and embedding applications need a constructor.
func InvalidAuthorization(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidAuthorization, Message: fmt.Sprintf(format, args...)}
}

// RetryAuthentication creates a RETRY_AUTHENTICATION error.
func RetryAuthentication(format string, args ...any) *Error {
	return &Error{Kind: KindRetryAuthentication, Message: fmt.Sprintf(format, args...)}
}

// WithKind wraps cause under the given kind. Used at component
// boundaries where a lower-level error acquires its classification.
func WithKind(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// WithOp returns err annotated with the operation name, preserving the
// kind and status. A nil err stays nil.
func WithOp(err error, op string) error {
	if err == nil {
		return nil
	}
	annotated := &Error{Kind: KindOf(err), Op: op, Err: err}
	var inner *Error
	if errors.As(err, &inner) {
		annotated.Status = inner.Status
	}
	return annotated
}

// KindOf extracts the kind of err, unwrapping as needed. Errors that
// never passed through this package report KindUnknown.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its
// chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err may be retried by the data-plane
// handler. Errors of unknown kind are not retryable.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}
