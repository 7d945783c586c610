// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/moy-bank/support-gateway/internal/model"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with the status matching err.
func writeError(w http.ResponseWriter, err error) {
	ev := model.NewErrorEvent(err).Error
	writeJSON(w, statusOf(ev.Code), map[string]string{
		"error": ev.Message,
		"code":  string(ev.Code),
	})
}

func statusOf(code model.ErrorCode) int {
	switch code {
	case model.CodeUnauthenticated:
		return http.StatusUnauthorized
	case model.CodeForbidden:
		return http.StatusForbidden
	case model.CodeValidationFailed, model.CodeBadRequest, model.CodeNoActiveConversation:
		return http.StatusBadRequest
	case model.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
