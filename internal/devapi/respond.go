package devapi

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends a FastAPI style {"detail": ...} body, the shape the real
// backend returns.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
