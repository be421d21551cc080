package middleware

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the JSON shape of every gateway error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// WriteJSONError writes an error body tagged with the request id, if any.
func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	body := ErrorBody{Error: message, Code: code}
	if r != nil {
		body.RequestID = RequestIDFromContext(r.Context())
	}
	WriteJSON(w, status, body)
}

// WriteJSON writes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
