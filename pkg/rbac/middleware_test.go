package rbac

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pacsgate/pkg/httputil"
	"github.com/platinummonkey/pacsgate/pkg/middleware"
)

// guardedRouter mounts a series route behind the guard. The handler echoes
// the decision it received.
func guardedRouter(evaluator Evaluator) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.NewIdentityMiddleware("", true).Handler)

	guard := NewGuard(evaluator, nil)
	router.Handle("/projects/{project_id}/studies/{study_uid}/series/{series_uid}",
		guard.Require(LevelSeries)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, ok := EvaluationFromRequest(r)
			if !ok {
				w.WriteHeader(http.StatusTeapot)
				return
			}
			httputil.WriteSuccess(w, result)
		}))).Methods("GET")
	return router
}

func seriesPath(projectID int64, studyUID, seriesUID string) string {
	return "/projects/" + strconv.FormatInt(projectID, 10) + "/studies/" + studyUID + "/series/" + seriesUID
}

func serve(router http.Handler, method, path string, userID int64, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != 0 {
		req.Header.Set(middleware.DefaultIdentityHeader, strconv.FormatInt(userID, 10))
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGuard_Require(t *testing.T) {
	f := newFixture(t)
	f.roleCondition(t, LevelSeries, ConditionAllow, "Modality", "EQ", "CT", 0)
	router := guardedRouter(f.engine())

	t.Run("admitted", func(t *testing.T) {
		rec := serve(router, "GET", seriesPath(f.projectID, fixtureStudyUID, fixtureSeriesUID), f.userID, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var got EvaluationResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.True(t, got.Allowed)
		assert.Equal(t, DecisionRule, got.Source)
		assert.Equal(t, f.seriesID, got.ResourceID)
	})

	t.Run("anonymous", func(t *testing.T) {
		rec := serve(router, "GET", seriesPath(f.projectID, fixtureStudyUID, fixtureSeriesUID), 0, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("denied", func(t *testing.T) {
		rec := serve(router, "GET", seriesPath(f.projectID, fixtureStudyUID, fixtureSeriesUID), f.outsiderID, "")
		require.Equal(t, http.StatusForbidden, rec.Code)

		var body httputil.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "access denied", body.Error)
		assert.Equal(t, "not a project member", body.Details["reason"])
	})

	t.Run("path does not match the lineage", func(t *testing.T) {
		rec := serve(router, "GET", seriesPath(f.projectID, "9.9.9", fixtureSeriesUID), f.userID, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown resource", func(t *testing.T) {
		rec := serve(router, "GET", seriesPath(f.projectID, fixtureStudyUID, "9.9.9.9"), f.userID, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed project id", func(t *testing.T) {
		rec := serve(router, "GET", "/projects/abc/studies/"+fixtureStudyUID+"/series/"+fixtureSeriesUID, f.userID, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		failing := guardedRouter(NewEngine(failingDirectory{}, f.store, f.store, f.store))
		rec := serve(failing, "GET", seriesPath(f.projectID, fixtureStudyUID, fixtureSeriesUID), f.userID, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NotContains(t, rec.Body.String(), "connection refused")
	})
}

func TestEvaluationFromRequest_Missing(t *testing.T) {
	_, ok := EvaluationFromRequest(httptest.NewRequest("GET", "/", nil))
	assert.False(t, ok)
}
