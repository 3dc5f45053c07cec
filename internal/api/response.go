package api

import (
	"encoding/json"
	"net/http"
)

type fieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondErrors writes the {"errors": [...]} body used for rejected input.
func respondErrors(w http.ResponseWriter, status int, errs ...fieldError) {
	respondJSON(w, status, map[string][]fieldError{"errors": errs})
}

func respondMessage(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
