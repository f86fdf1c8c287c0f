// Package status defines the normalized result value that crosses the
// asynchronous boundary between workers and callers.
//
// A Status is immutable: a numeric code (0 for success, 4xx when the
// caller or the query is at fault, 5xx for internal failures) and a
// human-readable message. Any error produced below the session layer is
// converted with FromError before it reaches a callback, so no Go error
// value or panic ever escapes a worker.
package status

import (
	"fmt"

	"github.com/ajitpratap0/pointstream/pkg/errors"
)

// Well-known codes.
const (
	CodeOK         = 0
	CodeBadRequest = 400
	CodeNotFound   = 404
	CodeConflict   = 409
	CodeInternal   = 500
)

// Status is the outcome of an asynchronous operation.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// OK is the success status.
var OK = Status{}

// New returns a status with the given code and message.
func New(code int, message string) Status {
	return Status{Code: code, Message: message}
}

// BadRequest returns a 400 status.
func BadRequest(message string) Status { return New(CodeBadRequest, message) }

// NotFound returns a 404 status.
func NotFound(message string) Status { return New(CodeNotFound, message) }

// Internal returns a 500 status.
func Internal(message string) Status { return New(CodeInternal, message) }

// Ok reports whether the status is a success.
func (s Status) Ok() bool { return s.Code == CodeOK }

// IsClientError reports whether the status is a 4xx-class code.
func (s Status) IsClientError() bool { return s.Code >= 400 && s.Code < 500 }

// IsInternal reports whether the status is a 5xx-class code.
func (s Status) IsInternal() bool { return s.Code >= 500 }

// Err converts a failed status back into an error, or nil on success.
func (s Status) Err() error {
	if s.Ok() {
		return nil
	}
	return fmt.Errorf("status %d: %s", s.Code, s.Message)
}

func (s Status) String() string {
	if s.Ok() {
		return "ok"
	}
	return fmt.Sprintf("%d %s", s.Code, s.Message)
}

// FromError maps an error onto a status. Client-class errors keep their
// message verbatim; internal errors surface their message as well since
// the caller boundary is trusted, but are always 5xx.
func FromError(err error) Status {
	if err == nil {
		return OK
	}
	return New(CodeFor(errors.TypeOf(err)), err.Error())
}

// CodeFor returns the status code for an error type.
func CodeFor(t errors.ErrorType) int {
	switch t {
	case errors.ErrorTypeValidation, errors.ErrorTypeQuery, errors.ErrorTypeState:
		return CodeBadRequest
	case errors.ErrorTypeNotFound:
		return CodeNotFound
	case errors.ErrorTypeConflict:
		return CodeConflict
	default:
		return CodeInternal
	}
}
