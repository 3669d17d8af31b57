package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies an engine failure.
type ErrorCode string

const (
	ErrPrecondition   ErrorCode = "PRECONDITION"    // 400
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST" // 400
	ErrNotFound       ErrorCode = "NOT_FOUND"       // 404
	ErrTokenInvalid   ErrorCode = "TOKEN_INVALID"   // 403
	ErrEnvironment    ErrorCode = "ENVIRONMENT"     // 500
	ErrProcessing     ErrorCode = "PROCESSING"      // 500
	ErrSubmission     ErrorCode = "SUBMISSION"      // 502
	ErrTimeout        ErrorCode = "TIMEOUT"         // 504
	ErrInternal       ErrorCode = "INTERNAL"        // 500
)

// Error is a coded error. Message is safe to show to API callers; Err keeps
// the underlying cause for server-side logs.
type Error struct {
	Code    ErrorCode
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewPrecondition creates a 400 error for a job that cannot start, such as a
// missing top module or standard-cell library.
func NewPrecondition(msg string) *Error {
	return &Error{Code: ErrPrecondition, Status: http.StatusBadRequest, Message: msg}
}

// NewInvalidRequest creates a 400 error for malformed request parameters.
func NewInvalidRequest(msg string) *Error {
	return &Error{Code: ErrInvalidRequest, Status: http.StatusBadRequest, Message: msg}
}

// NewValidation surfaces a persistence validation message when one is
// available, otherwise a generic one.
func NewValidation(msg string, err error) *Error {
	if msg == "" {
		msg = "failed to save record"
	}
	return &Error{Code: ErrInvalidRequest, Status: http.StatusBadRequest, Message: msg, Err: err}
}

// NewNotFound creates a 404 error.
func NewNotFound(what string) *Error {
	return &Error{Code: ErrNotFound, Status: http.StatusNotFound, Message: fmt.Sprintf("%s not found", what)}
}

// NewTokenInvalid is returned for missing, expired and consumed tokens alike.
func NewTokenInvalid() *Error {
	return &Error{Code: ErrTokenInvalid, Status: http.StatusForbidden, Message: "token expired or does not exist"}
}

// NewEnvironment wraps a sandbox provisioning or exec setup failure.
func NewEnvironment(err error) *Error {
	return &Error{Code: ErrEnvironment, Status: http.StatusInternalServerError, Message: "failed to prepare environment", Err: err}
}

// NewProcessing wraps a mid-command stream failure.
func NewProcessing(err error) *Error {
	return &Error{Code: ErrProcessing, Status: http.StatusInternalServerError, Message: "an error occurred while processing", Err: err}
}

// NewSubmission wraps a batch submission failure.
func NewSubmission(err error) *Error {
	return &Error{Code: ErrSubmission, Status: http.StatusBadGateway, Message: "failed to submit job", Err: err}
}

// NewTimeout is reported when a sandbox was torn down by its timer.
func NewTimeout() *Error {
	return &Error{Code: ErrTimeout, Status: http.StatusGatewayTimeout, Message: "process timed out"}
}

// NewInternal creates a 500 error for unexpected internal failures.
func NewInternal(err error) *Error {
	return &Error{Code: ErrInternal, Status: http.StatusInternalServerError, Message: "internal error", Err: err}
}

// Is reports whether err (or anything it wraps) is an *Error with the given code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Public returns the status and message that may be sent to a client. Errors
// that are not coded collapse to a generic 500.
func Public(err error) (int, string) {
	if e, ok := As(err); ok {
		return e.Status, e.Message
	}
	return http.StatusInternalServerError, "internal error"
}
