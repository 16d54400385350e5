package httpapi

import (
	"encoding/json"
	"net/http"
)

// errorBody is the typed JSON body returned for caller-actionable
// validation failures (spec.md §7: "a JSON {error: string} for
// caller-actionable validation").
type errorBody struct {
	Error string `json:"error"`
}

// writeError writes a JSON {error} body with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}

// writeEmpty writes an HTTP status with no body, for internal conditions
// (spec.md §7: "an HTTP status with an empty body for internal
// conditions").
func writeEmpty(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}

// writeJSON writes v as a JSON 200 response.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeEmpty(w, http.StatusInternalServerError)
	}
}
