package errors

import (
	"errors"
	"fmt"
)

// ErrCode represents an error code
type ErrCode string

const (
	ErrCodeNotFound     ErrCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrCode = "UNAUTHORIZED"
	ErrCodeRateLimited  ErrCode = "RATE_LIMITED"
	ErrCodeRemote       ErrCode = "REMOTE_ERROR"
	ErrCodeCycle        ErrCode = "CYCLE_ERROR"
	ErrCodeInternal     ErrCode = "INTERNAL_ERROR"
	ErrCodeBadRequest   ErrCode = "BAD_REQUEST"
)

// AppError represents an application error
type AppError struct {
	Code    ErrCode
	Message string
	// Status is the upstream HTTP status for remote failures, 0 when the
	// request never produced a response.
	Status int
	Err    error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// NewAuthError creates an error for an invalid or expired credential
func NewAuthError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeUnauthorized,
		Message: message,
		Err:     err,
	}
}

// NewRateLimitedError creates an error for a request that was still rate
// limited after its single retry
func NewRateLimitedError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeRateLimited,
		Status:  429,
		Message: message,
	}
}

// NewRemoteError creates an error for a failed upstream request
func NewRemoteError(status int, message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeRemote,
		Status:  status,
		Message: message,
		Err:     err,
	}
}

// NewCycleError creates an error for a refresh cycle that aborted
func NewCycleError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeCycle,
		Message: message,
		Err:     err,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// NewBadRequestError creates a new bad request error
func NewBadRequestError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeBadRequest,
		Message: message,
	}
}

// CodeOf returns the code of the first AppError in err's chain
func CodeOf(err error) (ErrCode, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code, true
	}
	return "", false
}

func hasCode(err error, code ErrCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsUnauthorized checks if the error is an authentication error
func IsUnauthorized(err error) bool { return hasCode(err, ErrCodeUnauthorized) }

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool { return hasCode(err, ErrCodeRateLimited) }

// IsRemote checks if the error is a remote request error
func IsRemote(err error) bool { return hasCode(err, ErrCodeRemote) }

// IsCycle checks if the error aborted a refresh cycle
func IsCycle(err error) bool { return hasCode(err, ErrCodeCycle) }

// StatusOf returns the upstream HTTP status carried by err, or 0
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return 0
}
