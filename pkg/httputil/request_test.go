package httputil

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name        string
		body        string
		expectError string
	}{
		{name: "valid JSON", body: `{"name": "test"}`},
		{name: "invalid JSON", body: `{invalid}`, expectError: "invalid JSON"},
		{name: "unknown field", body: `{"name": "x", "nmae": "y"}`, expectError: "unknown field"},
		{name: "empty body", body: ``, expectError: "empty body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(tt.body))
			var dest body

			err := ParseJSON(req, &dest)
			if tt.expectError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "test", dest.Name)
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(`{`))
	w := httptest.NewRecorder()

	var dest map[string]string
	assert.False(t, ParseJSONOrError(w, req, &dest))
	assert.Equal(t, 400, w.Code)
}

func TestParsePathInt64(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest("GET", "/", nil), map[string]string{"id": "42", "bad": "x"})

	val, err := ParsePathInt64(req, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), val)

	_, err = ParsePathInt64(req, "bad")
	assert.Error(t, err)

	_, err = ParsePathInt64(req, "missing")
	assert.ErrorContains(t, err, "missing path parameter")

	w := httptest.NewRecorder()
	_, ok := ParsePathInt64OrError(w, req, "bad")
	assert.False(t, ok)
	assert.Equal(t, 400, w.Code)
}

func TestParsePathUID(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest("GET", "/", nil), map[string]string{
		"study_uid":  "1.2.3",
		"series_uid": "1.2.3.x",
	})

	val, ok := ParsePathUIDOrError(httptest.NewRecorder(), req, "study_uid")
	assert.True(t, ok)
	assert.Equal(t, "1.2.3", val)

	w := httptest.NewRecorder()
	_, ok = ParsePathUIDOrError(w, req, "series_uid")
	assert.False(t, ok)
	assert.Equal(t, 400, w.Code)

	_, err := ParsePathUID(req, "instance_uid")
	assert.ErrorContains(t, err, "missing path parameter")
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest("GET", "/?limit=10&bad=x", nil)

	val, err := ParseQueryInt(req, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 10, val)

	val, err = ParseQueryInt(req, "offset", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, val)

	_, err = ParseQueryInt(req, "bad", 0)
	assert.Error(t, err)
}

func TestParseQueryInt64List(t *testing.T) {
	req := httptest.NewRequest("GET", "/?ids=1,2,%203&ids=4", nil)
	ids, err := ParseQueryInt64List(req, "ids")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)

	req = httptest.NewRequest("GET", "/", nil)
	ids, err = ParseQueryInt64List(req, "ids")
	require.NoError(t, err)
	assert.Empty(t, ids)

	req = httptest.NewRequest("GET", "/?ids=1,x", nil)
	_, err = ParseQueryInt64List(req, "ids")
	assert.Error(t, err)
}

func TestParseQueryStringAndBool(t *testing.T) {
	req := httptest.NewRequest("GET", "/?level=SERIES&strict=true&bad=maybe", nil)

	assert.Equal(t, "SERIES", ParseQueryString(req, "level", "STUDY"))
	assert.Equal(t, "STUDY", ParseQueryString(req, "other", "STUDY"))

	b, err := ParseQueryBool(req, "strict", false)
	require.NoError(t, err)
	assert.True(t, b)

	_, err = ParseQueryBool(req, "bad", false)
	assert.Error(t, err)
}
