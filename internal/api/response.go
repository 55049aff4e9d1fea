package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

// ErrorResponse wraps an error in the response envelope.
type ErrorResponse struct {
	Error *core.APIError `json:"error"`
}

// WriteJSON writes v as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", core.MediaType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// WriteError writes apiErr in the error envelope, stamping the request id.
func WriteError(w http.ResponseWriter, status int, apiErr *core.APIError) {
	if reqID := w.Header().Get("X-Request-Id"); reqID != "" {
		apiErr.RequestID = reqID
	}
	WriteJSON(w, status, ErrorResponse{Error: apiErr})
}

// HandleError maps err onto an HTTP status and writes it.
func HandleError(w http.ResponseWriter, err error) {
	var apiErr *core.APIError
	if errors.As(err, &apiErr) {
		WriteError(w, statusFor(apiErr.Code), apiErr)
		return
	}
	switch {
	case errors.Is(err, core.ErrUnknownKind):
		WriteError(w, http.StatusNotFound, &core.APIError{Code: core.ErrCodeNotFound, Message: err.Error()})
	case errors.Is(err, core.ErrCandidateNotFound), errors.Is(err, core.ErrStencilNotFound),
		errors.Is(err, core.ErrResultNotFound):
		WriteError(w, http.StatusNotFound, &core.APIError{Code: core.ErrCodeNotFound, Message: err.Error()})
	default:
		slog.Error("request failed", "error", err)
		WriteError(w, http.StatusInternalServerError, core.NewInternalError(err.Error()))
	}
}

func statusFor(code string) int {
	switch code {
	case core.ErrCodeInvalidRequest, core.ErrCodeValidationError:
		return http.StatusBadRequest
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeConflict:
		return http.StatusConflict
	case core.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case core.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
