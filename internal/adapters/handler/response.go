// Package handler implements HTTP request handlers
// Following Hexagonal Architecture: Adapters translate HTTP to domain logic
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"chat-engine/internal/core/domain"
)

// APIResponse represents the standard response envelope
type APIResponse struct {
	Code    int         `json:"code"`    // HTTP status code (200, 400, 500, etc.)
	Message string      `json:"message"` // Human-readable message ("Success", error description)
	Data    interface{} `json:"data"`    // Actual payload (can be null)
	TraceID string      `json:"trace_id,omitempty"`
}

// NewSuccessResponse creates a successful response (code 200)
func NewSuccessResponse(data interface{}) APIResponse {
	return APIResponse{
		Code:    http.StatusOK,
		Message: "Success",
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(code int, message string) APIResponse {
	return APIResponse{
		Code:    code,
		Message: message,
	}
}

// traceID reuses the request id set by middleware, or mints one
func traceID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	resp := NewSuccessResponse(data)
	resp.Code = status
	resp.TraceID = traceID(r)
	writeJSON(w, status, resp)
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateIdentifier):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInstance):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err in the envelope. Internal errors are logged with the
// trace id and hidden from the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	id := traceID(r)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("Request failed",
			"error", err,
			"trace_id", id,
			"path", r.URL.Path,
		)
		msg = "Internal server error"
	}

	resp := NewErrorResponse(status, msg)
	resp.TraceID = id
	writeJSON(w, status, resp)
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	resp := NewErrorResponse(http.StatusBadRequest, message)
	resp.TraceID = traceID(r)
	writeJSON(w, http.StatusBadRequest, resp)
}
