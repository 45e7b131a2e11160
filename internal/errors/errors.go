// Package errors provides the error taxonomy for the sync core.
//
// Every network interaction resolves to exactly one Outcome; components
// act on the outcome and swallow the underlying error after logging it.
// Nothing in this package escapes a component boundary as an unhandled
// failure.
package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents a unique error code exposed at the host boundary.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPersist    ErrorCode = "PERSIST_FAILED"

	// Session errors
	ErrNoSession       ErrorCode = "NO_SESSION"
	ErrNoTenant        ErrorCode = "NO_TENANT"
	ErrSignInFailed    ErrorCode = "SIGN_IN_FAILED"
	ErrSessionExpired  ErrorCode = "SESSION_EXPIRED"
	ErrRefreshInFlight ErrorCode = "REFRESH_IN_FLIGHT"

	// Sync errors
	ErrSyncOffline ErrorCode = "SYNC_OFFLINE"
	ErrSyncFailed  ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout ErrorCode = "SYNC_TIMEOUT"
)

// Outcome classifies the result of one backend interaction.
type Outcome string

const (
	// OutcomeSuccess is a plain success.
	OutcomeSuccess Outcome = "success"
	// OutcomeTransport is a timeout, DNS failure, or refused connection.
	// Always retryable.
	OutcomeTransport Outcome = "transport"
	// OutcomeAuthUnconfirmed is a 400/401 whose body carries no recognized
	// expiry signature. Retryable; never terminates the session.
	OutcomeAuthUnconfirmed Outcome = "auth_unconfirmed"
	// OutcomeAuthConfirmed is a 400/401 whose body unambiguously indicates
	// credential invalidity. Destructive only after two consecutive
	// occurrences.
	OutcomeAuthConfirmed Outcome = "auth_confirmed"
	// OutcomeGone is a 404 on update/delete: the server counterpart was
	// removed or promoted elsewhere. Terminal success, not an error.
	OutcomeGone Outcome = "gone"
	// OutcomeDuplicate is a 409 on create: the record already exists
	// upstream. Terminal success.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomePermissionDenied is a 403. Retryable, but logged loudly as a
	// likely configuration problem.
	OutcomePermissionDenied Outcome = "permission_denied"
	// OutcomeServerRetryable is any other 5xx/4xx server failure.
	OutcomeServerRetryable Outcome = "retryable"
	// OutcomeMalformedPayload is a locally unreadable payload. Dropped,
	// never retried; reconciliation rebuilds from the source entity.
	OutcomeMalformedPayload Outcome = "malformed_payload"
)

// Retryable reports whether the outcome leaves the operation queued.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeTransport, OutcomeAuthUnconfirmed, OutcomePermissionDenied, OutcomeServerRetryable:
		return true
	}
	return false
}

// TerminalSuccess reports whether the outcome removes the operation as
// satisfied even though the server did not return 2xx.
func (o Outcome) TerminalSuccess() bool {
	return o == OutcomeGone || o == OutcomeDuplicate
}

// HTTPError carries a non-2xx backend response.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, body)
}

// RejectionClassifier decides whether a 400/401 response body is a
// confirmed credential rejection. Pluggable so the vendor-specific body
// signatures stay out of the lifecycle manager.
type RejectionClassifier func(status int, body string) bool

// ExpirySignatures is the default RejectionClassifier. It matches the
// known backend error codes and phrases that unambiguously mean the
// refresh token is dead, as opposed to a generic 400/401 from a flaky
// middlebox or an overloaded server.
func ExpirySignatures(status int, body string) bool {
	if status != http.StatusBadRequest && status != http.StatusUnauthorized {
		return false
	}
	lower := strings.ToLower(body)
	for _, sig := range []string{
		"refresh_token_not_found",
		"invalid_grant",
		"invalid refresh token",
		"session expired",
		"session_not_found",
	} {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// Classify maps an error from a backend call, together with an optional
// rejection classifier for auth responses, onto the outcome taxonomy.
// A nil error classifies as OutcomeSuccess.
func Classify(err error, kind string, classify RejectionClassifier) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	httpErr, ok := AsHTTPError(err)
	if !ok {
		// No HTTP response at all: timeout, DNS, refused.
		return OutcomeTransport
	}

	switch httpErr.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized:
		if classify != nil && classify(httpErr.StatusCode, httpErr.Body) {
			return OutcomeAuthConfirmed
		}
		return OutcomeAuthUnconfirmed
	case http.StatusForbidden:
		return OutcomePermissionDenied
	case http.StatusNotFound:
		if kind == "create" {
			// A 404 on create means the collection route itself is wrong;
			// treat as a server problem, not a vanished record.
			return OutcomeServerRetryable
		}
		return OutcomeGone
	case http.StatusConflict:
		if kind == "create" {
			return OutcomeDuplicate
		}
		return OutcomeServerRetryable
	}
	return OutcomeServerRetryable
}

// AsHTTPError extracts an *HTTPError from an error chain.
func AsHTTPError(err error) (*HTTPError, bool) {
	for err != nil {
		if he, ok := err.(*HTTPError); ok {
			return he, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}
