package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"procodus.dev/hemrs/internal/ingest"
	"procodus.dev/hemrs/internal/store"
)

// ErrorCode is the machine readable part of an error response.
type ErrorCode string

const (
	ErrorCodeBadRequest       ErrorCode = "bad_request"
	ErrorCodeValidationFailed ErrorCode = "validation_failed"
	ErrorCodeNotFound         ErrorCode = "not_found"
	ErrorCodeMismatch         ErrorCode = "mismatch"
	ErrorCodeConflict         ErrorCode = "conflict"
	ErrorCodeInternal         ErrorCode = "internal_server_error"
)

// APIError is the JSON body of every non-2xx response.
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	StatusCode int       `json:"-"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewAPIError builds an APIError.
func NewAPIError(code ErrorCode, message string, statusCode int) APIError {
	return APIError{Code: code, Message: message, StatusCode: statusCode}
}

// errorFor maps domain errors onto responses. Unknown errors become a 500
// without leaking their text.
func errorFor(err error) APIError {
	var apiErr APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, store.ErrMismatch):
		return NewAPIError(ErrorCodeMismatch, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrNotFound):
		return NewAPIError(ErrorCodeNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrInvalid), errors.Is(err, ingest.ErrDecode):
		return NewAPIError(ErrorCodeValidationFailed, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrOutOfOrder), errors.Is(err, store.ErrDuplicate):
		return NewAPIError(ErrorCodeConflict, err.Error(), http.StatusConflict)
	default:
		return NewAPIError(ErrorCodeInternal, "internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := errorFor(err)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", apiErr.Code, "error", err)
	}
	respondJSON(s.logger, w, apiErr.StatusCode, apiErr)
}

func respondJSON(logger *slog.Logger, w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
