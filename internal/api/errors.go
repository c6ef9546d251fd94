package api

import (
	"encoding/json"
	"net/http"

	"github.com/chorushq/chorus/internal/hub"
)

// Error codes owned by the API layer. Entity-level codes come from
// internal/hub and pass through unchanged.
const (
	CodeMissingAuth      = "MISSING_AUTH"
	CodeInvalidAuth      = "INVALID_AUTH"
	CodeNoAuthConfigured = "NO_AUTH_CONFIGURED"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeShuttingDown     = "SHUTTING_DOWN"
	CodeInternal         = "INTERNAL"
)

// errorBody is the error envelope every failed request returns.
type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorBody{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestIDFrom(r),
	})
}

// writeServiceError maps a service failure onto the envelope. Typed
// *hub.Error values keep their code and status; anything else is an
// INTERNAL 500 with a generic message so internals never leak.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if he, ok := hub.AsError(err); ok {
		writeError(w, r, he.Status, he.Code, he.Message, he.Details)
		return
	}
	s.logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", requestIDFrom(r),
		"error", err)
	writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error", nil)
}
