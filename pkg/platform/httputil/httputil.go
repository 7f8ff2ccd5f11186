// Package httputil writes JSON responses and maps store errors to statuses.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"gamehub/pkg/platform/sentinel"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// BadRequest writes a 400 with description.
func BadRequest(w http.ResponseWriter, description string) {
	WriteJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", ErrorDescription: description})
}

// WriteError maps err onto a status. Internal errors never leak their text.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		WriteJSON(w, http.StatusNotFound, ErrorResponse{Error: "not_found"})
	case errors.Is(err, sentinel.ErrConflict):
		WriteJSON(w, http.StatusConflict, ErrorResponse{Error: "conflict"})
	case errors.Is(err, sentinel.ErrUnavailable):
		WriteJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable"})
	default:
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal_error"})
	}
}
