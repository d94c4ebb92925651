package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/platinummonkey/pacsgate/pkg/observability"
)

// ErrorResponse is the body of every error reply. RequestID echoes the
// X-Request-ID header so a denial seen by a viewer can be found in the
// audit log.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON writes data with the given status. Responses carry access
// decisions and are never cacheable.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorResponse writes resp, filling in the request id.
func WriteErrorResponse(w http.ResponseWriter, status int, resp ErrorResponse) {
	if resp.RequestID == "" {
		resp.RequestID = w.Header().Get(RequestIDHeader)
	}
	WriteJSON(w, status, resp)
}

// WriteError writes err's message with the given status.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteErrorMessage(w, status, err.Error())
}

// WriteErrorMessage writes message with the given status.
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteErrorResponse(w, status, ErrorResponse{Error: message})
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusForbidden, message)
}

func WriteNotFoundError(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

// WriteInternalError logs err with the request logger and replies with a
// generic 500.
func WriteInternalError(w http.ResponseWriter, r *http.Request, err error) {
	observability.FromContext(r.Context()).
		WithError(err).
		WithField("path", r.URL.Path).
		Error("request failed")
	WriteErrorMessage(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}

func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
