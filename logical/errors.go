// Copyright (c) 2024 Latch Project
// SPDX-License-Identifier: MPL-2.0

package logical

import (
	"errors"
	"fmt"
	"net/http"

	sdklogical "github.com/openbao/openbao/sdk/v2/logical"
)

// CodedError is an error that carries an HTTP status code.
// This allows backends to return errors with appropriate status codes
// without relying on string matching.
type CodedError struct {
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *CodedError) Unwrap() error {
	return e.Err
}

// Code returns the HTTP status code.
func (e *CodedError) Code() int {
	return e.Status
}

// ErrBadRequest creates a 400 Bad Request error.
func ErrBadRequest(message string) *CodedError {
	return &CodedError{Status: http.StatusBadRequest, Message: message}
}

// ErrBadRequestf creates a formatted 400 Bad Request error.
func ErrBadRequestf(format string, args ...any) *CodedError {
	return &CodedError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// ErrUnauthorized creates a 401 Unauthorized error.
func ErrUnauthorized(message string) *CodedError {
	return &CodedError{Status: http.StatusUnauthorized, Message: message}
}

// ErrForbidden creates a 403 Forbidden error.
func ErrForbidden(message string) *CodedError {
	return &CodedError{Status: http.StatusForbidden, Message: message}
}

// ErrNotFound creates a 404 Not Found error.
func ErrNotFound(message string) *CodedError {
	return &CodedError{Status: http.StatusNotFound, Message: message}
}

// ErrNotFoundf creates a formatted 404 Not Found error.
func ErrNotFoundf(format string, args ...any) *CodedError {
	return &CodedError{Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// ErrMethodNotAllowed creates a 405 Method Not Allowed error.
func ErrMethodNotAllowed(message string) *CodedError {
	return &CodedError{Status: http.StatusMethodNotAllowed, Message: message}
}

// ErrConflict creates a 409 Conflict error.
func ErrConflict(message string) *CodedError {
	return &CodedError{Status: http.StatusConflict, Message: message}
}

// ErrInternal creates a 500 Internal Server Error.
func ErrInternal(message string) *CodedError {
	return &CodedError{Status: http.StatusInternalServerError, Message: message}
}

// WrapWithCode wraps an existing error with an HTTP status code.
func WrapWithCode(status int, err error) *CodedError {
	return &CodedError{Status: status, Message: err.Error(), Err: err}
}

// GetErrorCode extracts the HTTP status code from an error.
// If the error is or wraps a CodedError, it returns its status code.
// Otherwise, it returns 500 Internal Server Error.
func GetErrorCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Status
	}
	return http.StatusInternalServerError
}

// StatusCode is GetErrorCode extended to the sentinel errors the framework
// returns for unknown paths and unsupported operations.
func StatusCode(err error) int {
	var coded *CodedError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &coded):
		return coded.Status
	case errors.Is(err, sdklogical.ErrUnsupportedOperation):
		return http.StatusMethodNotAllowed
	case errors.Is(err, sdklogical.ErrUnsupportedPath):
		return http.StatusNotFound
	case errors.Is(err, sdklogical.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, sdklogical.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse creates a Response from an error.
func ErrorResponse(err error) *Response {
	return &Response{
		StatusCode: GetErrorCode(err),
		Err:        err,
	}
}
