package core

import (
	"errors"
	"fmt"
)

// Error codes carried in the HTTP error envelope.
const (
	ErrCodeInvalidRequest  = "invalid_request"
	ErrCodeValidationError = "validation_error"
	ErrCodeNotFound        = "not_found"
	ErrCodeConflict        = "conflict"
	ErrCodeUnauthenticated = "unauthenticated"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeInternalError   = "internal_error"
)

// Sentinel errors returned by stores and generators.
var (
	// ErrEmptyCandidateSet means no in-interval candidate exists for a weight
	// a stencil slot requires. The stencil cannot produce jobs.
	ErrEmptyCandidateSet = errors.New("empty candidate set")
	ErrStencilNotFound   = errors.New("stencil not found")
	ErrCandidateNotFound = errors.New("candidate not found")
	ErrResultNotFound    = errors.New("result not found")
	ErrRevisionConflict  = errors.New("revision conflict")
	ErrUnknownKind       = errors.New("unknown job kind")
)

// APIError is the error shape rendered to HTTP clients.
type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func NewInvalidRequestError(message string, details map[string]any) *APIError {
	return &APIError{Code: ErrCodeInvalidRequest, Message: message, Details: details}
}

func NewValidationError(message string, details map[string]any) *APIError {
	return &APIError{Code: ErrCodeValidationError, Message: message, Details: details}
}

// NewNotFoundError reports a missing resource of the given type.
func NewNotFoundError(resourceType, resourceID string) *APIError {
	return &APIError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found.", resourceType, resourceID),
		Details: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
}

func NewConflictError(message string, details map[string]any) *APIError {
	return &APIError{Code: ErrCodeConflict, Message: message, Details: details}
}

func NewUnauthenticatedError(message string) *APIError {
	return &APIError{Code: ErrCodeUnauthenticated, Message: message}
}

func NewRateLimitedError(message string) *APIError {
	return &APIError{Code: ErrCodeRateLimited, Message: message, Retryable: true}
}

// NewInternalError is retryable; the failure is on our side.
func NewInternalError(message string) *APIError {
	return &APIError{Code: ErrCodeInternalError, Message: message, Retryable: true}
}
