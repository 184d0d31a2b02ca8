// Package middleware holds the HTTP plumbing shared by the ledger API:
// request logging, bearer authentication, rate limiting and metrics.
package middleware

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Timestamp time.Time `json:"timestamp"`
	Status    int       `json:"status"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
}

// WriteError writes an ErrorBody with the reason phrase of status.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorBody{
		Timestamp: time.Now().UTC(),
		Status:    status,
		Error:     http.StatusText(status),
		Message:   message,
	})
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
