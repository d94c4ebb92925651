package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pacsgate/pkg/audit"
	"github.com/platinummonkey/pacsgate/pkg/middleware"
	"github.com/platinummonkey/pacsgate/pkg/storage/postgres"
)

type fakeSigner struct {
	keys []string
	err  error
}

func (s *fakeSigner) PresignGet(ctx context.Context, key string) (*postgres.PresignedURL, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.keys = append(s.keys, key)
	return &postgres.PresignedURL{
		URL:       "https://objects.example.org/" + key + "?sig=abc",
		Key:       key,
		ExpiresAt: testNow.Add(15 * time.Minute),
	}, nil
}

type apiFixture struct {
	*fixture
	router *mux.Router
	audit  *recordingAuditLogger
}

func newAPIFixture(t *testing.T, cfg HandlersConfig) *apiFixture {
	t.Helper()
	f := newFixture(t)
	recorder := &recordingAuditLogger{}
	cfg.AuditLogger = recorder

	router := mux.NewRouter()
	router.Use(middleware.NewIdentityMiddleware("", true).Handler)
	NewHandlers(f.engine(), f.store, cfg).RegisterRoutes(router)

	return &apiFixture{fixture: f, router: router, audit: recorder}
}

func (a *apiFixture) do(method, path string, userID int64, body string) *httptest.ResponseRecorder {
	return serve(a.router, method, path, userID, body)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

func TestHandlers_Evaluate(t *testing.T) {
	a := newAPIFixture(t, HandlersConfig{})
	a.roleCondition(t, LevelStudy, ConditionAllow, "PatientID", "EQ", "P001", 0)

	body := fmt.Sprintf(`{"project_id": %d, "resource_uid": %q, "resource_level": "STUDY"}`, a.projectID, fixtureStudyUID)

	t.Run("caller is the default subject", func(t *testing.T) {
		rec := a.do("POST", "/access/evaluate", a.userID, body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var got struct {
			Allowed bool   `json:"allowed"`
			Reason  string `json:"reason"`
			Verdict string `json:"verdict"`
			Source  string `json:"source"`
		}
		decode(t, rec, &got)
		assert.True(t, got.Allowed)
		assert.Equal(t, "ALLOW", got.Verdict)
		assert.Equal(t, "rule", got.Source)
		assert.Len(t, a.audit.Decisions(), 1)
	})

	t.Run("explicit subject", func(t *testing.T) {
		rec := a.do("POST", "/access/evaluate", a.adminID,
			fmt.Sprintf(`{"user_id": %d, "project_id": %d, "resource_uid": %q, "resource_level": "study"}`, a.outsiderID, a.projectID, fixtureStudyUID))
		require.Equal(t, http.StatusOK, rec.Code)

		var got struct {
			Verdict string `json:"verdict"`
			Reason  string `json:"reason"`
		}
		decode(t, rec, &got)
		assert.Equal(t, "DENY", got.Verdict)
		assert.Equal(t, "not a project member", got.Reason)
	})

	tests := []struct {
		name   string
		userID int64
		body   string
		status int
	}{
		{"anonymous", 0, body, http.StatusUnauthorized},
		{"unknown level", a.userID, `{"project_id": 1, "resource_uid": "x", "resource_level": "PATIENT"}`, http.StatusBadRequest},
		{"unknown field", a.userID, `{"project": 1}`, http.StatusBadRequest},
		{"empty body", a.userID, ``, http.StatusBadRequest},
		{"unknown project", a.userID, `{"project_id": 999, "resource_uid": "x", "resource_level": "STUDY"}`, http.StatusNotFound},
		{"unknown resource", a.userID, fmt.Sprintf(`{"project_id": %d, "resource_uid": "9.9", "resource_level": "STUDY"}`, a.projectID), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do("POST", "/access/evaluate", tt.userID, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestHandlers_Filter(t *testing.T) {
	a := newAPIFixture(t, HandlersConfig{MaxBatchSize: 3})
	a.roleCondition(t, LevelStudy, ConditionAllow, "", "", "", 0)

	rec := a.do("POST", "/access/filter", a.userID,
		fmt.Sprintf(`{"project_id": %d, "resource_level": "STUDY", "resource_uids": [%q, "missing"]}`, a.projectID, fixtureStudyUID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got BatchResult
	decode(t, rec, &got)
	assert.Equal(t, []string{fixtureStudyUID}, got.Visible)
	assert.Equal(t, []string{"missing"}, got.NotFound)

	rec = a.do("POST", "/access/filter", a.userID,
		fmt.Sprintf(`{"project_id": %d, "resource_level": "STUDY", "resource_uids": ["a", "b", "c", "d"]}`, a.projectID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "at most 3 resource_uids")
}

func TestHandlers_Conditions(t *testing.T) {
	a := newAPIFixture(t, HandlersConfig{})

	rec := a.do("POST", "/conditions", a.adminID,
		`{"resource_level": "SERIES", "dicom_tag": "Modality", "operator": "IN", "value": "CT,MR", "condition_type": "LIMIT", "description": "imaging only"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created AccessCondition
	decode(t, rec, &created)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "DICOM", created.ResourceType)
	assert.Equal(t, ConditionLimit, created.ConditionType)
	assert.Equal(t, []audit.EventType{audit.EventTypeConditionCreate}, a.audit.Actions())

	a.createCondition(t, LevelStudy, ConditionAllow, "", "", "")

	t.Run("get", func(t *testing.T) {
		rec := a.do("GET", "/conditions/"+itoa(created.ID), a.adminID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got AccessCondition
		decode(t, rec, &got)
		assert.Equal(t, "CT,MR", *got.Value)

		assert.Equal(t, http.StatusNotFound, a.do("GET", "/conditions/999", a.adminID, "").Code)
		assert.Equal(t, http.StatusBadRequest, a.do("GET", "/conditions/abc", a.adminID, "").Code)
	})

	t.Run("list with filters", func(t *testing.T) {
		rec := a.do("GET", "/conditions?condition_type=limit", a.adminID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got []AccessCondition
		decode(t, rec, &got)
		require.Len(t, got, 1)
		assert.Equal(t, created.ID, got[0].ID)

		rec = a.do("GET", "/conditions?resource_level=STUDY", a.adminID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		decode(t, rec, &got)
		require.Len(t, got, 1)
		assert.Equal(t, ConditionAllow, got[0].ConditionType)

		assert.Equal(t, http.StatusBadRequest, a.do("GET", "/conditions?resource_level=PATIENT", a.adminID, "").Code)
		assert.Equal(t, http.StatusBadRequest, a.do("GET", "/conditions?limit=ten", a.adminID, "").Code)
	})

	t.Run("invalid conditions", func(t *testing.T) {
		for _, body := range []string{
			`{"resource_level": "SERIES", "condition_type": "LIMIT"}`,
			`{"resource_level": "SERIES", "dicom_tag": "Modality", "operator": "MATCHES", "value": "CT", "condition_type": "ALLOW"}`,
			`{"resource_level": "SERIES"}`,
		} {
			rec := a.do("POST", "/conditions", a.adminID, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		}
		assert.Equal(t, http.StatusUnauthorized, a.do("POST", "/conditions", 0, `{}`).Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := a.do("DELETE", "/conditions/"+itoa(created.ID), a.adminID, "")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, http.StatusNotFound, a.do("GET", "/conditions/"+itoa(created.ID), a.adminID, "").Code)
		assert.Equal(t, http.StatusNotFound, a.do("DELETE", "/conditions/"+itoa(created.ID), a.adminID, "").Code)
		assert.Contains(t, a.audit.Actions(), audit.EventTypeConditionDelete)
	})
}

func TestHandlers_Bindings(t *testing.T) {
	a := newAPIFixture(t, HandlersConfig{})
	allow := a.createCondition(t, LevelStudy, ConditionAllow, "", "", "")

	t.Run("role", func(t *testing.T) {
		path := "/roles/" + itoa(a.roleID) + "/conditions/" + itoa(allow.ID)
		rec := a.do("PUT", path, a.adminID, `{"priority": 5}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var binding RoleAccessCondition
		decode(t, rec, &binding)
		assert.Equal(t, 5, binding.Priority)

		rec = a.do("GET", "/roles/"+itoa(a.roleID)+"/conditions", a.adminID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var bound []BoundCondition
		decode(t, rec, &bound)
		require.Len(t, bound, 1)
		assert.Equal(t, SourceRole, bound[0].Source)
		assert.Equal(t, 5, bound[0].Priority)

		assert.True(t, evaluate(t, a.engine(), a.userID, a.projectID, LevelStudy, fixtureStudyUID).Allowed)

		assert.Equal(t, http.StatusNoContent, a.do("DELETE", path, a.adminID, "").Code)
		assert.Equal(t, http.StatusNotFound, a.do("DELETE", path, a.adminID, "").Code)
		assert.Equal(t, http.StatusNotFound, a.do("PUT", "/roles/999/conditions/"+itoa(allow.ID), a.adminID, `{}`).Code)
	})

	t.Run("project", func(t *testing.T) {
		path := "/projects/" + itoa(a.projectID) + "/conditions/" + itoa(allow.ID)
		rec := a.do("PUT", path, a.adminID, `{"priority": 1}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var binding ProjectAccessCondition
		decode(t, rec, &binding)
		assert.Equal(t, a.projectID, binding.ProjectID)

		rec = a.do("GET", "/projects/"+itoa(a.projectID)+"/conditions", a.adminID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var bound []BoundCondition
		decode(t, rec, &bound)
		require.Len(t, bound, 1)
		assert.Equal(t, SourceProject, bound[0].Source)

		assert.Equal(t, http.StatusNoContent, a.do("DELETE", path, a.adminID, "").Code)
		assert.Equal(t, http.StatusNotFound, a.do("PUT", "/projects/"+itoa(a.projectID)+"/conditions/999", a.adminID, `{}`).Code)
	})

	assert.Equal(t, []audit.EventType{
		audit.EventTypeBindingUpsert,
		audit.EventTypeBindingDelete,
		audit.EventTypeBindingUpsert,
		audit.EventTypeBindingDelete,
	}, a.audit.Actions())
}

func TestHandlers_GrantLifecycle(t *testing.T) {
	a := newAPIFixture(t, HandlersConfig{})
	grantsPath := "/projects/" + itoa(a.projectID) + "/grants"
	request := fmt.Sprintf(`{"resource_level": "SERIES", "resource_uid": %q}`, fixtureSeriesUID)

	rec := a.do("POST", grantsPath, a.userID, request)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var grant ProjectDataAccess
	decode(t, rec, &grant)
	assert.Equal(t, GrantRequested, grant.Status)
	assert.Equal(t, a.userID, grant.UserID)
	assert.Nil(t, grant.GrantedBy)
	require.NotNil(t, grant.SeriesID)
	assert.Equal(t, a.seriesID, *grant.SeriesID)

	assert.Equal(t, http.StatusConflict, a.do("POST", grantsPath, a.userID, request).Code, "one active grant per resource")
	assert.False(t, evaluate(t, a.engine(), a.userID, a.projectID, LevelSeries, fixtureSeriesUID).Allowed, "a request grants nothing")

	grantPath := "/grants/" + itoa(grant.ID)
	rec = a.do("POST", grantPath+"/approve", a.adminID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &grant)
	assert.Equal(t, GrantApproved, grant.Status)
	require.NotNil(t, grant.GrantedBy)
	assert.Equal(t, a.adminID, *grant.GrantedBy)

	result := evaluate(t, a.engine(), a.userID, a.projectID, LevelSeries, fixtureSeriesUID)
	assert.True(t, result.Allowed)
	assert.Equal(t, "explicit grant at SERIES", result.Reason)

	assert.Equal(t, http.StatusConflict, a.do("POST", grantPath+"/approve", a.adminID, "").Code)
	assert.Equal(t, http.StatusConflict, a.do("POST", grantPath+"/deny", a.adminID, "").Code)

	t.Run("lookups", func(t *testing.T) {
		rec := a.do("GET", grantPath, a.adminID, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var grants []ProjectDataAccess
		rec = a.do("GET", grantsPath+"?status=APPROVED", a.adminID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		decode(t, rec, &grants)
		assert.Len(t, grants, 1)

		rec = a.do("GET", grantsPath+"?status=REQUESTED&user_id="+itoa(a.userID), a.adminID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		decode(t, rec, &grants)
		assert.Empty(t, grants)

		rec = a.do("GET", "/users/"+itoa(a.userID)+"/grants?project_id="+itoa(a.projectID), a.adminID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		decode(t, rec, &grants)
		assert.Len(t, grants, 1)

		assert.Equal(t, http.StatusBadRequest, a.do("GET", grantsPath+"?status=LOST", a.adminID, "").Code)
		assert.Equal(t, http.StatusNotFound, a.do("GET", "/grants/999", a.adminID, "").Code)
		assert.Equal(t, http.StatusNotFound, a.do("POST", "/grants/999/revoke", a.adminID, "").Code)
	})

	rec = a.do("POST", grantPath+"/revoke", a.adminID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &grant)
	assert.Equal(t, GrantRevoked, grant.Status)
	assert.False(t, evaluate(t, a.engine(), a.userID, a.projectID, LevelSeries, fixtureSeriesUID).Allowed)

	assert.Equal(t, []audit.EventType{
		audit.EventTypeGrantRequest,
		audit.EventTypeGrantApprove,
		audit.EventTypeGrantRevoke,
	}, a.audit.Actions())
}

func TestHandlers_CreateGrant(t *testing.T) {
	a := newAPIFixture(t, HandlersConfig{})
	grantsPath := "/projects/" + itoa(a.projectID) + "/grants"

	t.Run("recorded decision", func(t *testing.T) {
		rec := a.do("POST", grantsPath, a.adminID,
			fmt.Sprintf(`{"user_id": %d, "resource_level": "STUDY", "resource_uid": %q, "status": "DENIED"}`, a.userID, fixtureStudyUID))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var grant ProjectDataAccess
		decode(t, rec, &grant)
		assert.Equal(t, GrantDenied, grant.Status)
		require.NotNil(t, grant.GrantedBy)
		assert.Equal(t, a.adminID, *grant.GrantedBy)

		result := evaluate(t, a.engine(), a.userID, a.projectID, LevelStudy, fixtureStudyUID)
		assert.Equal(t, "explicit deny at STUDY", result.Reason)
	})

	t.Run("deny a request", func(t *testing.T) {
		rec := a.do("POST", grantsPath, a.userID, fmt.Sprintf(`{"resource_level": "INSTANCE", "resource_uid": %q}`, fixtureInstanceUID))
		require.Equal(t, http.StatusCreated, rec.Code)
		var grant ProjectDataAccess
		decode(t, rec, &grant)

		rec = a.do("POST", "/grants/"+itoa(grant.ID)+"/deny", a.adminID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		decode(t, rec, &grant)
		assert.Equal(t, GrantDenied, grant.Status)
	})

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown resource", grantsPath, `{"resource_level": "STUDY", "resource_uid": "9.9"}`, http.StatusNotFound},
		{"missing level", grantsPath, `{"resource_uid": "9.9"}`, http.StatusBadRequest},
		{"unknown status", grantsPath, `{"resource_level": "STUDY", "resource_uid": "9.9", "status": "MAYBE"}`, http.StatusBadRequest},
		{"unknown project", "/projects/999/grants", fmt.Sprintf(`{"resource_level": "STUDY", "resource_uid": %q}`, fixtureStudyUID), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do("POST", tt.path, a.userID, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestHandlers_RegisterStudy(t *testing.T) {
	a := newAPIFixture(t, HandlersConfig{})
	path := "/projects/" + itoa(a.projectID) + "/studies"
	body := `{
		"study_uid": "3.1",
		"tags": {"PatientID": "P010", "StudyDate": "2025-01-02"},
		"series": [{"series_uid": "3.1.1", "tags": {"Modality": "MR"}, "instances": [{"instance_uid": "3.1.1.1"}, {"instance_uid": "3.1.1.2"}]}]
	}`

	rec := a.do("PUT", path, a.adminID, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result RegisterResult
	decode(t, rec, &result)
	assert.NotZero(t, result.StudyID)
	assert.Equal(t, 1, result.Series)
	assert.Equal(t, 2, result.Instances)

	node, err := a.store.Resolve(context.Background(), a.projectID, LevelInstance, "3.1.1.2")
	require.NoError(t, err)
	assert.Equal(t, LevelInstance, node.Level)

	assert.Equal(t, http.StatusUnauthorized, a.do("PUT", path, 0, body).Code)
	assert.Equal(t, http.StatusNotFound, a.do("PUT", "/projects/999/studies", a.adminID, body).Code)
	assert.Equal(t, http.StatusBadRequest, a.do("PUT", path, a.adminID, `{"study_uid": ""}`).Code)
}

func TestHandlers_GetResource(t *testing.T) {
	a := newAPIFixture(t, HandlersConfig{})
	a.roleCondition(t, LevelStudy, ConditionAllow, "InstitutionName", "EQ", "General Hospital", 0)
	studyPath := "/projects/" + itoa(a.projectID) + "/studies/" + fixtureStudyUID
	seriesPath := studyPath + "/series/" + fixtureSeriesUID

	rec := a.do("GET", studyPath, a.userID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var study struct {
		Resource   Node              `json:"resource"`
		Attributes map[string]string `json:"attributes"`
		Decision   EvaluationResult  `json:"decision"`
	}
	decode(t, rec, &study)
	assert.Equal(t, fixtureStudyUID, study.Resource.UID)
	assert.Equal(t, "P001", study.Attributes["PatientID"])
	assert.Equal(t, "CT", study.Attributes["Modality"], "a study reports the modalities of its series")
	assert.True(t, study.Decision.Allowed)

	rec = a.do("GET", seriesPath, a.userID, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var series struct {
		Resource   Node              `json:"resource"`
		Attributes map[string]string `json:"attributes"`
	}
	decode(t, rec, &series)
	assert.Equal(t, LevelSeries, series.Resource.Level)
	assert.Equal(t, "CT", series.Attributes["Modality"])
	assert.Equal(t, "P001", series.Attributes["PatientID"], "ancestor attributes are inherited")

	rec = a.do("GET", seriesPath+"/instances/"+fixtureInstanceUID, a.userID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusForbidden, a.do("GET", studyPath, a.outsiderID, "").Code)
	assert.Equal(t, http.StatusUnauthorized, a.do("GET", studyPath, 0, "").Code)
}

func TestHandlers_InstanceURL(t *testing.T) {
	instancePath := func(a *apiFixture) string {
		return "/projects/" + itoa(a.projectID) + "/studies/" + fixtureStudyUID +
			"/series/" + fixtureSeriesUID + "/instances/" + fixtureInstanceUID + "/url"
	}

	t.Run("issues a presigned url", func(t *testing.T) {
		signer := &fakeSigner{}
		a := newAPIFixture(t, HandlersConfig{Signer: signer})
		a.roleCondition(t, LevelStudy, ConditionAllow, "", "", "", 0)

		rec := a.do("GET", instancePath(a), a.userID, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var got struct {
			URL       string    `json:"url"`
			Key       string    `json:"key"`
			ExpiresAt time.Time `json:"expires_at"`
		}
		decode(t, rec, &got)
		wantKey := ObjectKey(a.projectID, fixtureStudyUID, fixtureSeriesUID, fixtureInstanceUID)
		assert.Equal(t, wantKey, got.Key)
		assert.Contains(t, got.URL, "sig=abc")
		assert.Equal(t, []string{wantKey}, signer.keys)
		assert.Contains(t, a.audit.Actions(), audit.EventTypeObjectURLIssue)
	})

	t.Run("denied callers never reach the signer", func(t *testing.T) {
		signer := &fakeSigner{}
		a := newAPIFixture(t, HandlersConfig{Signer: signer})

		rec := a.do("GET", instancePath(a), a.userID, "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Empty(t, signer.keys)
	})

	t.Run("storage not configured", func(t *testing.T) {
		a := newAPIFixture(t, HandlersConfig{})
		a.roleCondition(t, LevelStudy, ConditionAllow, "", "", "", 0)
		assert.Equal(t, http.StatusServiceUnavailable, a.do("GET", instancePath(a), a.userID, "").Code)
	})

	t.Run("storage failure", func(t *testing.T) {
		a := newAPIFixture(t, HandlersConfig{Signer: &fakeSigner{err: errors.New("expired credentials")}})
		a.roleCondition(t, LevelStudy, ConditionAllow, "", "", "", 0)

		rec := a.do("GET", instancePath(a), a.userID, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NotContains(t, rec.Body.String(), "expired credentials")
	})
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "7/1.2/1.2.3/1.2.3.4.dcm", ObjectKey(7, "1.2", "1.2.3", "1.2.3.4"))
}
