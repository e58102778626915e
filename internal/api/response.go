// Package api is the HTTP surface of the server: the registration REST
// endpoints, the agent WebSocket ingress, and the client SSE stream, routed
// with Chi. Error bodies use the flat {"detail": "..."} shape the agent and
// mobile clients already parse.
package api

import (
	"encoding/json"
	"net/http"
)

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// detailBody is the error response shape: {"detail": "..."}.
type detailBody struct {
	Detail string `json:"detail"`
}

// Detail writes an error response with a human-readable message.
func Detail(w http.ResponseWriter, status int, message string) {
	JSON(w, status, detailBody{Detail: message})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	Detail(w, http.StatusBadRequest, message)
}

// ErrUnauthorized writes a 401 Unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter) {
	Detail(w, http.StatusUnauthorized, "authentication required")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	Detail(w, http.StatusNotFound, "resource not found")
}

// ErrTooManyRequests writes a 429 Too Many Requests error response.
func ErrTooManyRequests(w http.ResponseWriter) {
	Detail(w, http.StatusTooManyRequests, "request was throttled")
}

// ErrInternal writes a 500 Internal Server Error response.
// The internal error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	Detail(w, http.StatusInternalServerError, "an internal error occurred")
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
