package toolplane

import (
	"errors"
	"fmt"
)

// ErrorCode is a machine-readable error identifier surfaced to the host
// tool-plane, mirroring the teacher's HTTP error-code discriminator
// (server/dto/errors.go) generalized from HTTP status codes to a
// transport with no status line.
type ErrorCode string

// Standard error codes.
const (
	CodeBadRequest    ErrorCode = "BAD_REQUEST"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// errorWithCode is an error that carries a machine-readable code and
// optional details map, the tool-plane analogue of the teacher's
// errorWithStatus.
type errorWithCode interface {
	error
	Code() ErrorCode
	Details() map[string]any
}

// apiError is a concrete error type with code, message, optional details,
// and optional wrapped error.
type apiError struct {
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

func (e *apiError) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

func (e *apiError) Code() ErrorCode { return e.code }

func (e *apiError) Details() map[string]any { return e.details }

func (e *apiError) Unwrap() error { return e.wrappedErr }

// WithDetail adds a single key/value to the error details.
func (e *apiError) WithDetail(key string, value any) *apiError {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *apiError) Wrap(err error) *apiError {
	e.wrappedErr = err
	return e
}

// Constructors.

// BadRequest creates a bad-request tool error (unknown tool, malformed
// params).
func BadRequest(msg string) *apiError {
	return &apiError{code: CodeBadRequest, message: msg}
}

// NotFound creates a not-found tool error (unknown agent/skill/rule id).
func NotFound(resource string) *apiError {
	return &apiError{code: CodeNotFound, message: resource + " not found"}
}

// Conflict creates a conflict tool error (duplicate id, already-monitored path).
func Conflict(msg string) *apiError {
	return &apiError{code: CodeConflict, message: msg}
}

// InternalError creates an internal tool error.
func InternalError(msg string) *apiError {
	return &apiError{code: CodeInternalError, message: msg}
}

// errorBody is the JSON shape of a tool error within a Response envelope.
type errorBody struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func toErrorBody(err error) errorBody {
	var ewc errorWithCode
	if errors.As(err, &ewc) {
		return errorBody{Code: ewc.Code(), Message: ewc.Error(), Details: ewc.Details()}
	}
	return errorBody{Code: CodeInternalError, Message: err.Error()}
}
