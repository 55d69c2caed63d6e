package apperror

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
)

// Code identifies an API-visible error category.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeTimeout            Code = "TIMEOUT"
	CodeCircuitBreakerOpen Code = "CIRCUIT_BREAKER_OPEN"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Error is an error that can be rendered at the HTTP boundary.
type Error struct {
	Status  int
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a new API error.
func New(status int, code Code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// WithDetails attaches structured details to the error and returns it.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// From extracts an *Error from err, or nil if err is not an API error.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

type errorBody struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Write renders err as a JSON error response. Non-API errors are rendered as
// an opaque 500 so internal details never leak to clients.
func Write(c *gin.Context, err error) {
	appErr := From(err)
	if appErr == nil {
		appErr = New(500, CodeInternal, "internal error")
	}
	c.JSON(appErr.Status, gin.H{"error": errorBody{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}})
}

// Abort renders err and stops further handler processing.
func Abort(c *gin.Context, err error) {
	Write(c, err)
	c.Abort()
}
