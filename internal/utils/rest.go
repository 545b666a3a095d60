package utils

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RespondWithError sends an error response
func RespondWithError(w http.ResponseWriter, status int, message string) {
	_ = RespondWithJSON(w, status, ErrorResponse{Error: message})
}

// RespondWithErrorCode sends an error response carrying a machine-readable code
// such as "insufficient_credits".
func RespondWithErrorCode(w http.ResponseWriter, status int, code, message string) {
	_ = RespondWithJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// RespondWithJSON sends a JSON response
func RespondWithJSON(w http.ResponseWriter, status int, payload interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}
