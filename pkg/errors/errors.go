package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// AppError carries a client-safe code and message plus the underlying cause
// for logs. The cause is never serialized.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// HTTPStatus maps the taxonomy onto response codes for the gin surface.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeBlocked:
		return http.StatusForbidden
	case CodeEmpty:
		return http.StatusBadRequest
	case CodeClosed:
		return http.StatusGone
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Constructors for the categories in the taxonomy.

func NotFound(msg string) *AppError     { return New(CodeNotFound, msg) }
func Blocked(msg string) *AppError      { return New(CodeBlocked, msg) }
func Empty(msg string) *AppError        { return New(CodeEmpty, msg) }
func Closed(msg string) *AppError       { return New(CodeClosed, msg) }
func Unauthorized(msg string) *AppError { return New(CodeUnauthorized, msg) }
func Internal(msg string) *AppError     { return New(CodeInternal, msg) }

// TransientIO wraps a store error that should be retried, not surfaced.
func TransientIO(msg string, cause error) *AppError {
	return Wrap(CodeTransientIO, msg, cause)
}

// CodeOf extracts the taxonomy code from any error chain.
func CodeOf(err error) Code {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Code
	}
	return CodeUnknown
}

func Is(err error, code Code) bool { return CodeOf(err) == code }

func IsNotFound(err error) bool { return Is(err, CodeNotFound) }
func IsBlocked(err error) bool  { return Is(err, CodeBlocked) }
