package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cern-cta/CTA-sub017/internal/core"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is a core.Error as sent on the wire.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", JSONMediaType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// WriteError writes e with the given status.
func WriteError(w http.ResponseWriter, status int, e *core.Error) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      e.Code,
		Message:   e.Message,
		Retryable: e.Retryable,
		Details:   e.Details,
		RequestID: w.Header().Get(RequestIDHeader),
	}})
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case core.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case core.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeConflict, core.ErrCodeAlreadyExists,
		core.ErrCodeWrongPreviousOwner, core.ErrCodeAgentNotEmpty:
		return http.StatusConflict
	case core.ErrCodeLockTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes err. Errors that are not a *core.Error are reported as
// internal errors.
func HandleError(w http.ResponseWriter, err error) {
	var e *core.Error
	if !errors.As(err, &e) {
		slog.Error("internal error", "error", err)
		e = core.NewInternalError(err.Error())
	}
	WriteError(w, StatusFor(e.Code), e)
}
