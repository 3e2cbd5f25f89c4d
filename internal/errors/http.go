package errors

import (
	"encoding/json"
	"net/http"
)

// HTTPErrorResponse wraps a SentinelError for HTTP JSON responses.
type HTTPErrorResponse struct {
	Error SentinelError `json:"error"`
}

// retryAfterSeconds is advertised on 429 and 503 responses.
const retryAfterSeconds = "1"

// WriteHTTPError writes a SentinelError as an HTTP JSON response.
//
// A 413 also asks the client to close the connection: the rejected body
// may still be in flight and is never read.
func WriteHTTPError(w http.ResponseWriter, err *SentinelError) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	switch err.Code {
	case http.StatusRequestEntityTooLarge:
		h.Set("Connection", "close")
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		h.Set("Retry-After", retryAfterSeconds)
	}
	w.WriteHeader(err.Code)
	json.NewEncoder(w).Encode(HTTPErrorResponse{Error: *err})
}
