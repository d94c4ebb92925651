package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore for testing handlers
type mockStore struct {
	events     []*AuditEvent
	stats      *AuditStats
	lastFilter SearchFilter
}

func (m *mockStore) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	m.lastFilter = filter
	return m.events, nil
}

func (m *mockStore) Get(ctx context.Context, id int64) (*AuditEvent, error) {
	for _, event := range m.events {
		if event.ID == id {
			return event, nil
		}
	}
	return nil, nil
}

func (m *mockStore) GetStats(ctx context.Context, startTime, endTime *time.Time) (*AuditStats, error) {
	return m.stats, nil
}

func (m *mockStore) Export(ctx context.Context, filter SearchFilter, format ExportFormat) ([]byte, error) {
	m.lastFilter = filter
	return encodeEvents(m.events, format)
}

func (m *mockStore) Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error) {
	return 0, nil
}

func newTestRouter(store Store) *mux.Router {
	router := mux.NewRouter()
	NewHandlers(store).RegisterRoutes(router)
	return router
}

func TestHandlers_ListEvents(t *testing.T) {
	store := &mockStore{events: sampleEvents()}
	router := newTestRouter(store)

	req := httptest.NewRequest("GET", "/audit/events?project_id=3&event_types=access.decision,%20grant.request&status=denied&limit=5000", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["count"])

	assert.Equal(t, int64(3), *store.lastFilter.ProjectID)
	assert.Equal(t, []EventType{EventTypeAccessDecision, EventTypeGrantRequest}, store.lastFilter.EventTypes)
	assert.Equal(t, EventStatusDenied, *store.lastFilter.Status)
	// out of range limits fall back to the default page
	assert.Equal(t, defaultPageSize, store.lastFilter.Limit)
	assert.Equal(t, "desc", store.lastFilter.SortOrder)
}

func TestHandlers_ListEvents_BadParams(t *testing.T) {
	router := newTestRouter(&mockStore{})

	for _, query := range []string{"user_id=abc", "start_time=yesterday", "offset=-1"} {
		req := httptest.NewRequest("GET", "/audit/events?"+query, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}

func TestHandlers_GetEvent(t *testing.T) {
	router := newTestRouter(&mockStore{events: sampleEvents()})

	req := httptest.NewRequest("GET", "/audit/events/2", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var event AuditEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &event))
	assert.Equal(t, EventTypeGrantApprove, event.EventType)

	req = httptest.NewRequest("GET", "/audit/events/99", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_ExportEvents(t *testing.T) {
	store := &mockStore{events: sampleEvents()}
	router := newTestRouter(store)

	req := httptest.NewRequest("GET", "/audit/export?format=csv", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "rule deny: role_condition_4")
	assert.Equal(t, 0, store.lastFilter.Limit)

	req = httptest.NewRequest("GET", "/audit/export?format=xml", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_GetStats(t *testing.T) {
	stats := &AuditStats{
		TotalEvents:   10,
		AccessDenials: 3,
		EventsByType:  map[EventType]int64{EventTypeAccessDecision: 10},
	}
	router := newTestRouter(&mockStore{stats: stats})

	req := httptest.NewRequest("GET", "/audit/stats?start_time=2026-01-01T00:00:00Z", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var decoded AuditStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	assert.Equal(t, int64(3), decoded.AccessDenials)
}
