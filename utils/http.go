// Package utils holds small HTTP response and validation helpers
// shared by the handlers.
package utils

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON error body: {"error": "...", "details": {...}}.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return nil
	}

	return json.NewEncoder(w).Encode(data)
}

// WriteOK writes a 200 OK response.
func WriteOK(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteError writes an error body with the given status code.
func WriteError(w http.ResponseWriter, status int, message string, details map[string]interface{}) error {
	return WriteJSON(w, status, ErrorResponse{Error: message, Details: details})
}

// WriteBadRequest writes a 400 Bad Request response.
func WriteBadRequest(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return WriteError(w, http.StatusBadRequest, message, details)
}

// WriteInternalServerError writes a 500 Internal Server Error response.
func WriteInternalServerError(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "internal server error"
	}
	return WriteError(w, http.StatusInternalServerError, message, nil)
}

// WriteBadGateway writes a 502 Bad Gateway response.
func WriteBadGateway(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return WriteError(w, http.StatusBadGateway, message, details)
}

// WriteServiceUnavailable writes a 503 Service Unavailable response.
func WriteServiceUnavailable(w http.ResponseWriter, message string) error {
	return WriteError(w, http.StatusServiceUnavailable, message, nil)
}

// WriteGatewayTimeout writes a 504 Gateway Timeout response.
func WriteGatewayTimeout(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return WriteError(w, http.StatusGatewayTimeout, message, details)
}
