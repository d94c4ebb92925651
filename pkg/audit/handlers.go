package audit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/pacsgate/pkg/httputil"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Handlers provides HTTP handlers for audit log API
type Handlers struct {
	store Store
}

// NewHandlers creates new audit handlers
func NewHandlers(store Store) *Handlers {
	return &Handlers{
		store: store,
	}
}

// RegisterRoutes registers audit log routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/events", h.listEvents).Methods("GET")
	router.HandleFunc("/audit/events/{id}", h.getEvent).Methods("GET")
	router.HandleFunc("/audit/export", h.exportEvents).Methods("GET")
	router.HandleFunc("/audit/stats", h.getStats).Methods("GET")
}

// listEvents handles GET /audit/events
func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.store.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// getEvent handles GET /audit/events/{id}
func (h *Handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	event, err := h.store.Get(r.Context(), id)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	if event == nil {
		httputil.WriteNotFoundError(w, "event not found")
		return
	}

	httputil.WriteSuccess(w, event)
}

// exportEvents handles GET /audit/export
func (h *Handlers) exportEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	// exports are not paged unless the caller asks
	if r.URL.Query().Get("limit") == "" {
		filter.Limit = 0
	}

	format, err := ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	data, err := h.store.Export(r.Context(), filter, format)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition", "attachment; filename="+format.Filename(time.Now()))
	w.Write(data)
}

// getStats handles GET /audit/stats
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	startTime, err := parseTimeParam(r, "start_time")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	endTime, err := parseTimeParam(r, "end_time")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	stats, err := h.store.GetStats(r.Context(), startTime, endTime)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, stats)
}

func parseTimeParam(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339: %w", key, err)
	}
	return &t, nil
}

func parseInt64Param(r *http.Request, key string) (*int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return &v, nil
}

// parseFilter parses search filter from query parameters
func parseFilter(r *http.Request) (SearchFilter, error) {
	query := r.URL.Query()
	filter := SearchFilter{}
	var err error

	if filter.StartTime, err = parseTimeParam(r, "start_time"); err != nil {
		return filter, err
	}
	if filter.EndTime, err = parseTimeParam(r, "end_time"); err != nil {
		return filter, err
	}
	if filter.UserID, err = parseInt64Param(r, "user_id"); err != nil {
		return filter, err
	}
	if filter.ProjectID, err = parseInt64Param(r, "project_id"); err != nil {
		return filter, err
	}

	for _, et := range strings.Split(query.Get("event_types"), ",") {
		if et = strings.TrimSpace(et); et != "" {
			filter.EventTypes = append(filter.EventTypes, EventType(et))
		}
	}

	if statusStr := query.Get("status"); statusStr != "" {
		status := EventStatus(statusStr)
		filter.Status = &status
	}

	filter.ResourceUID = query.Get("resource_uid")

	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", defaultPageSize); err != nil {
		return filter, fmt.Errorf("invalid limit")
	}
	if filter.Limit <= 0 || filter.Limit > maxPageSize {
		filter.Limit = defaultPageSize
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil || filter.Offset < 0 {
		return filter, fmt.Errorf("invalid offset")
	}

	filter.SortOrder = strings.ToLower(query.Get("sort_order"))
	if filter.SortOrder != "asc" {
		filter.SortOrder = "desc"
	}

	return filter, nil
}
