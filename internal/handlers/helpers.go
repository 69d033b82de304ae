package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/halcyonworks/renderq/internal/models"
)

// errorBody is the structured error envelope: {"error": {"code", "message"}}
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeAPIError maps a taxonomy error onto its HTTP status
func writeAPIError(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	message := err.Error()
	if apiErr, ok := err.(*models.APIError); ok {
		message = apiErr.Message
	}
	writeError(w, statusForKind(kind), string(kind), message)
}

func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrValidation:
		return http.StatusBadRequest
	case models.ErrNotFound:
		return http.StatusNotFound
	case models.ErrRateLimited:
		return http.StatusTooManyRequests
	case models.ErrEngineUnavailable, models.ErrEnqueueFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ownerFromRequest extracts the submitter token. The bearer token doubles
// as the owner identity; anonymous requests get an empty owner.
func ownerFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
