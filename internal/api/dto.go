package api

import (
	"encoding/json"
	"net/http"
)

// ProfileResponse is the body of GET /auth/profile.
type ProfileResponse struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ErrorResponse is the JSON error body for API routes.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
