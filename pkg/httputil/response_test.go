package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteJSON(w, http.StatusOK, map[string]string{"verdict": "ALLOW"}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"verdict":"ALLOW"}`, w.Body.String())
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		msg    string
	}{
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "invalid level") }, 400, "invalid level"},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "missing identity") }, 401, "missing identity"},
		{"forbidden", func(w http.ResponseWriter) { WriteForbidden(w, "no matching allow rule") }, 403, "no matching allow rule"},
		{"not found", func(w http.ResponseWriter) { WriteNotFoundError(w, "resource not found") }, 404, "resource not found"},
		{"status error", func(w http.ResponseWriter) { WriteError(w, 409, errors.New("grant exists")) }, 409, "grant exists"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.msg, decodeError(t, w).Error)
		})
	}
}

func TestWriteInternalError_HidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/evaluate", nil)
	WriteInternalError(w, r, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal Server Error", decodeError(t, w).Error)
	assert.NotContains(t, w.Body.String(), "pq:")
}

func TestWriteErrorResponse_RequestID(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set(RequestIDHeader, "req-42")
	WriteErrorResponse(w, http.StatusForbidden, ErrorResponse{
		Error:   "access denied",
		Details: map[string]string{"reason": "explicit deny at SERIES"},
	})

	resp := decodeError(t, w)
	assert.Equal(t, "req-42", resp.RequestID)
	assert.Equal(t, "explicit deny at SERIES", resp.Details["reason"])

	w = httptest.NewRecorder()
	WriteBadRequest(w, "invalid level")
	assert.NotContains(t, w.Body.String(), "request_id")
}

func TestWriteCreatedAndNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteCreated(w, map[string]int{"id": 1}))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}
