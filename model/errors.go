package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a use-case failure. The HTTP layer maps codes to
// RFC 7807 problem documents; use cases return them instead of panicking.
type ErrorCode string

const (
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeUnsupportedMedia   ErrorCode = "UNSUPPORTED_MEDIA"
	CodePayloadTooLarge    ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeLLM                ErrorCode = "LLM_ERROR"
	CodeEmbedding          ErrorCode = "EMBEDDING_ERROR"
	CodeDatabase           ErrorCode = "DATABASE_ERROR"
)

// Error is the typed error returned by use cases. Resource names the
// unavailable collaborator for SERVICE_UNAVAILABLE.
type Error struct {
	Code     ErrorCode
	Message  string
	Resource string
	Err      error
}

func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s{%s}: %s", e.Code, e.Resource, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on the code alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// E builds a typed error.
func E(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Ef builds a typed error with a formatted message.
func Ef(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Unavailable builds a SERVICE_UNAVAILABLE error naming the failing
// collaborator and wrapping its cause.
func Unavailable(resource string, cause error) *Error {
	msg := "service unavailable"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: CodeServiceUnavailable, Message: msg, Resource: resource, Err: cause}
}

// CodeOf extracts the error code, defaulting to INTERNAL_ERROR for
// untyped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeServiceUnavailable, CodeLLM, CodeEmbedding, CodeDatabase:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
