// Package httputil contains shared HTTP helpers so the API routes and the
// WebSocket upgrade handler format responses the same way.
package httputil

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes payload as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(payload)
}

// WriteJSONError writes {"error": message}.
func WriteJSONError(w http.ResponseWriter, message string, status int) {
	WriteJSON(w, map[string]string{"error": message}, status)
}
