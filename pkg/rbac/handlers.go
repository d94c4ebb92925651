package rbac

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pacsgate/pkg/audit"
	"github.com/platinummonkey/pacsgate/pkg/httputil"
	"github.com/platinummonkey/pacsgate/pkg/middleware"
	"github.com/platinummonkey/pacsgate/pkg/observability"
	"github.com/platinummonkey/pacsgate/pkg/storage/postgres"
)

// DefaultMaxBatchSize caps the UIDs accepted by one filter request.
const DefaultMaxBatchSize = 1000

// ObjectSigner issues time-limited download URLs for stored objects.
type ObjectSigner interface {
	PresignGet(ctx context.Context, key string) (*postgres.PresignedURL, error)
}

// Handlers provides the HTTP API for decisions, rule administration, grants
// and guarded resource access.
type Handlers struct {
	engine       *Engine
	store        *Store
	guard        *Guard
	signer       ObjectSigner
	auditLogger  audit.Logger
	metrics      *observability.Metrics
	logger       *observability.Logger
	maxBatchSize int
}

// HandlersConfig carries the optional collaborators of Handlers.
type HandlersConfig struct {
	Signer       ObjectSigner
	AuditLogger  audit.Logger
	Metrics      *observability.Metrics
	Logger       *observability.Logger
	MaxBatchSize int
}

// NewHandlers creates new handlers
func NewHandlers(engine *Engine, store *Store, cfg HandlersConfig) *Handlers {
	h := &Handlers{
		engine:       engine,
		store:        store,
		signer:       cfg.Signer,
		auditLogger:  cfg.AuditLogger,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		maxBatchSize: cfg.MaxBatchSize,
	}
	if h.auditLogger == nil {
		h.auditLogger = audit.NewNoOpLogger()
	}
	if h.logger == nil {
		h.logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	if h.maxBatchSize <= 0 {
		h.maxBatchSize = DefaultMaxBatchSize
	}
	h.guard = NewGuard(engine, h.logger)
	return h
}

// RegisterRoutes registers all routes on router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Decisions
	router.HandleFunc("/access/evaluate", h.Evaluate).Methods("POST")
	router.HandleFunc("/access/filter", h.Filter).Methods("POST")

	// Conditions
	router.HandleFunc("/conditions", h.CreateCondition).Methods("POST")
	router.HandleFunc("/conditions", h.ListConditions).Methods("GET")
	router.HandleFunc("/conditions/{id}", h.GetCondition).Methods("GET")
	router.HandleFunc("/conditions/{id}", h.DeleteCondition).Methods("DELETE")

	// Bindings
	router.HandleFunc("/roles/{role_id}/conditions", h.ListRoleConditions).Methods("GET")
	router.HandleFunc("/roles/{role_id}/conditions/{condition_id}", h.BindRoleCondition).Methods("PUT")
	router.HandleFunc("/roles/{role_id}/conditions/{condition_id}", h.UnbindRoleCondition).Methods("DELETE")
	router.HandleFunc("/projects/{project_id}/conditions", h.ListProjectConditions).Methods("GET")
	router.HandleFunc("/projects/{project_id}/conditions/{condition_id}", h.BindProjectCondition).Methods("PUT")
	router.HandleFunc("/projects/{project_id}/conditions/{condition_id}", h.UnbindProjectCondition).Methods("DELETE")

	// Explicit grants
	router.HandleFunc("/projects/{project_id}/grants", h.CreateGrant).Methods("POST")
	router.HandleFunc("/projects/{project_id}/grants", h.ListProjectGrants).Methods("GET")
	router.HandleFunc("/users/{user_id}/grants", h.ListUserGrants).Methods("GET")
	router.HandleFunc("/grants/{id}", h.GetGrant).Methods("GET")
	router.HandleFunc("/grants/{id}/approve", h.ApproveGrant).Methods("POST")
	router.HandleFunc("/grants/{id}/deny", h.DenyGrant).Methods("POST")
	router.HandleFunc("/grants/{id}/revoke", h.RevokeGrant).Methods("POST")

	// Hierarchy
	router.HandleFunc("/projects/{project_id}/studies", h.RegisterStudy).Methods("PUT")

	// Guarded resource access
	study := "/projects/{project_id}/studies/{study_uid}"
	series := study + "/series/{series_uid}"
	instance := series + "/instances/{instance_uid}"
	router.Handle(study, h.guard.Require(LevelStudy)(http.HandlerFunc(h.GetResource))).Methods("GET")
	router.Handle(series, h.guard.Require(LevelSeries)(http.HandlerFunc(h.GetResource))).Methods("GET")
	router.Handle(instance, h.guard.Require(LevelInstance)(http.HandlerFunc(h.GetResource))).Methods("GET")
	router.Handle(instance+"/url", h.guard.Require(LevelInstance)(http.HandlerFunc(h.InstanceURL))).Methods("GET")
}

func (h *Handlers) fail(w http.ResponseWriter, err error) {
	writeError(w, h.logger, err)
}

func (h *Handlers) actor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.UserID(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
	}
	return userID, ok
}

func (h *Handlers) recordAdmin(ctx context.Context, eventType audit.EventType, actorID int64, projectID *int64, resourceUID, message string) {
	if err := h.auditLogger.LogAdminAction(context.WithoutCancel(ctx), eventType, &actorID, projectID, resourceUID, message); err != nil {
		h.metrics.RecordAuditFailure()
		h.logger.WithError(err).WithField("event_type", string(eventType)).Warn("failed to record admin action")
	}
}

type evaluationResponse struct {
	*EvaluationResult
	Verdict string `json:"verdict"`
}

type evaluateRequest struct {
	UserID        int64         `json:"user_id,omitempty"`
	ProjectID     int64         `json:"project_id"`
	ResourceUID   string        `json:"resource_uid"`
	ResourceLevel ResourceLevel `json:"resource_level"`
}

// Evaluate decides one resource. The subject defaults to the caller.
func (h *Handlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req evaluateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == 0 {
		req.UserID = callerID
	}

	result, err := h.engine.Evaluate(r.Context(), EvaluationRequest{
		UserID:        req.UserID,
		ProjectID:     req.ProjectID,
		ResourceUID:   req.ResourceUID,
		ResourceLevel: req.ResourceLevel,
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	httputil.WriteSuccess(w, evaluationResponse{EvaluationResult: result, Verdict: result.Verdict()})
}

// Filter returns the visible subset of a list of UIDs.
func (h *Handlers) Filter(w http.ResponseWriter, r *http.Request) {
	callerID, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req BatchRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == 0 {
		req.UserID = callerID
	}
	if len(req.ResourceUIDs) > h.maxBatchSize {
		httputil.WriteBadRequest(w, fmt.Sprintf("at most %d resource_uids per request", h.maxBatchSize))
		return
	}

	result, err := h.engine.FilterVisible(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

type conditionRequest struct {
	ResourceType  string        `json:"resource_type,omitempty"`
	ResourceLevel ResourceLevel `json:"resource_level"`
	DicomTag      *string       `json:"dicom_tag,omitempty"`
	Operator      string        `json:"operator,omitempty"`
	Value         *string       `json:"value,omitempty"`
	ConditionType ConditionType `json:"condition_type"`
	Description   string        `json:"description,omitempty"`
}

// CreateCondition stores a new access condition
func (h *Handlers) CreateCondition(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req conditionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	c := &AccessCondition{
		ResourceType:  req.ResourceType,
		ResourceLevel: req.ResourceLevel,
		DicomTag:      req.DicomTag,
		Operator:      req.Operator,
		Value:         req.Value,
		ConditionType: req.ConditionType,
		Description:   req.Description,
	}
	if err := h.store.CreateCondition(r.Context(), c); err != nil {
		h.fail(w, err)
		return
	}

	h.recordAdmin(r.Context(), audit.EventTypeConditionCreate, actorID, nil, "",
		fmt.Sprintf("created %s condition %d at %s", c.ConditionType, c.ID, c.ResourceLevel))
	httputil.WriteCreated(w, c)
}

// ListConditions lists conditions, optionally filtered by level and type
func (h *Handlers) ListConditions(w http.ResponseWriter, r *http.Request) {
	var filter ConditionFilter

	if raw := httputil.ParseQueryString(r, "resource_level", ""); raw != "" {
		level, err := ParseResourceLevel(raw)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		filter.ResourceLevel = level
	}
	if raw := httputil.ParseQueryString(r, "condition_type", ""); raw != "" {
		ctype, err := ParseConditionType(raw)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		filter.ConditionType = ctype
	}

	limit, err := httputil.ParseQueryInt(r, "limit", 100)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter.Limit, filter.Offset = limit, offset

	conditions, err := h.store.ListConditions(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteSuccess(w, conditions)
}

// GetCondition returns one condition
func (h *Handlers) GetCondition(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	c, err := h.store.GetCondition(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteSuccess(w, c)
}

// DeleteCondition removes a condition and its bindings
func (h *Handlers) DeleteCondition(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := h.store.DeleteCondition(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}

	h.recordAdmin(r.Context(), audit.EventTypeConditionDelete, actorID, nil, "", fmt.Sprintf("deleted condition %d", id))
	httputil.WriteNoContent(w)
}

type bindingRequest struct {
	Priority int `json:"priority"`
}

// ListRoleConditions lists the conditions bound to a role
func (h *Handlers) ListRoleConditions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}

	bound, err := h.store.ListConditionsForRole(r.Context(), roleID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteSuccess(w, bound)
}

// BindRoleCondition binds a condition to a role or updates its priority
func (h *Handlers) BindRoleCondition(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}
	conditionID, ok := httputil.ParsePathInt64OrError(w, r, "condition_id")
	if !ok {
		return
	}
	var req bindingRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	binding, err := h.store.BindRoleCondition(r.Context(), roleID, conditionID, req.Priority)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.recordAdmin(r.Context(), audit.EventTypeBindingUpsert, actorID, nil, "",
		fmt.Sprintf("bound condition %d to role %d at priority %d", conditionID, roleID, req.Priority))
	httputil.WriteSuccess(w, binding)
}

// UnbindRoleCondition removes a role binding
func (h *Handlers) UnbindRoleCondition(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}
	conditionID, ok := httputil.ParsePathInt64OrError(w, r, "condition_id")
	if !ok {
		return
	}

	if err := h.store.UnbindRoleCondition(r.Context(), roleID, conditionID); err != nil {
		h.fail(w, err)
		return
	}

	h.recordAdmin(r.Context(), audit.EventTypeBindingDelete, actorID, nil, "",
		fmt.Sprintf("unbound condition %d from role %d", conditionID, roleID))
	httputil.WriteNoContent(w)
}

// ListProjectConditions lists the conditions bound to a project
func (h *Handlers) ListProjectConditions(w http.ResponseWriter, r *http.Request) {
	projectID, ok := httputil.ParsePathInt64OrError(w, r, "project_id")
	if !ok {
		return
	}

	bound, err := h.store.ListConditionsForProject(r.Context(), projectID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteSuccess(w, bound)
}

// BindProjectCondition binds a condition to a project or updates its priority
func (h *Handlers) BindProjectCondition(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	projectID, ok := httputil.ParsePathInt64OrError(w, r, "project_id")
	if !ok {
		return
	}
	conditionID, ok := httputil.ParsePathInt64OrError(w, r, "condition_id")
	if !ok {
		return
	}
	var req bindingRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	binding, err := h.store.BindProjectCondition(r.Context(), projectID, conditionID, req.Priority)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.recordAdmin(r.Context(), audit.EventTypeBindingUpsert, actorID, &projectID, "",
		fmt.Sprintf("bound condition %d to project %d at priority %d", conditionID, projectID, req.Priority))
	httputil.WriteSuccess(w, binding)
}

// UnbindProjectCondition removes a project binding
func (h *Handlers) UnbindProjectCondition(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	projectID, ok := httputil.ParsePathInt64OrError(w, r, "project_id")
	if !ok {
		return
	}
	conditionID, ok := httputil.ParsePathInt64OrError(w, r, "condition_id")
	if !ok {
		return
	}

	if err := h.store.UnbindProjectCondition(r.Context(), projectID, conditionID); err != nil {
		h.fail(w, err)
		return
	}

	h.recordAdmin(r.Context(), audit.EventTypeBindingDelete, actorID, &projectID, "",
		fmt.Sprintf("unbound condition %d from project %d", conditionID, projectID))
	httputil.WriteNoContent(w)
}

type grantRequest struct {
	UserID        int64         `json:"user_id,omitempty"`
	ResourceLevel ResourceLevel `json:"resource_level"`
	ResourceUID   string        `json:"resource_uid"`
	Status        GrantStatus   `json:"status,omitempty"`
}

// CreateGrant records a grant on a resource of the project. Without a
// status it is a request by the caller; APPROVED or DENIED record a
// decision made by the caller.
func (h *Handlers) CreateGrant(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	projectID, ok := httputil.ParsePathInt64OrError(w, r, "project_id")
	if !ok {
		return
	}
	var req grantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == 0 {
		req.UserID = actorID
	}
	if req.Status == 0 {
		req.Status = GrantRequested
	}

	ctx := r.Context()
	node, err := h.store.Resolve(ctx, projectID, req.ResourceLevel, req.ResourceUID)
	if err != nil {
		h.fail(w, err)
		return
	}

	grant := &ProjectDataAccess{
		ProjectID:     projectID,
		UserID:        req.UserID,
		ResourceLevel: req.ResourceLevel,
		Status:        req.Status,
	}
	grant.SetResourceID(node.ID)
	if req.Status != GrantRequested {
		grant.GrantedBy = &actorID
	}

	if err := h.store.CreateGrant(ctx, grant); err != nil {
		h.fail(w, err)
		return
	}

	h.metrics.RecordGrantTransition(grant.Status.String())
	h.recordAdmin(ctx, audit.EventTypeGrantRequest, actorID, &projectID, req.ResourceUID,
		fmt.Sprintf("grant %d for user %d on %s created as %s", grant.ID, grant.UserID, grant.ResourceLevel, grant.Status))
	httputil.WriteCreated(w, grant)
}

func (h *Handlers) grantFilter(w http.ResponseWriter, r *http.Request) (GrantFilter, bool) {
	var filter GrantFilter
	if raw := httputil.ParseQueryString(r, "status", ""); raw != "" {
		status, err := ParseGrantStatus(raw)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return filter, false
		}
		filter.Status = status
	}
	return filter, true
}

// ListProjectGrants lists a project's grants, optionally for one user
func (h *Handlers) ListProjectGrants(w http.ResponseWriter, r *http.Request) {
	projectID, ok := httputil.ParsePathInt64OrError(w, r, "project_id")
	if !ok {
		return
	}
	filter, ok := h.grantFilter(w, r)
	if !ok {
		return
	}
	filter.ProjectID = projectID

	userIDs, err := httputil.ParseQueryInt64List(r, "user_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if len(userIDs) > 0 {
		filter.UserID = userIDs[0]
	}

	grants, err := h.store.ListGrants(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteSuccess(w, grants)
}

// ListUserGrants lists a user's grants, optionally within one project
func (h *Handlers) ListUserGrants(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}
	filter, ok := h.grantFilter(w, r)
	if !ok {
		return
	}
	filter.UserID = userID

	projectIDs, err := httputil.ParseQueryInt64List(r, "project_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if len(projectIDs) > 0 {
		filter.ProjectID = projectIDs[0]
	}

	grants, err := h.store.ListGrants(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteSuccess(w, grants)
}

// GetGrant returns one grant
func (h *Handlers) GetGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	grant, err := h.store.GetGrant(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteSuccess(w, grant)
}

// ApproveGrant approves a requested grant
func (h *Handlers) ApproveGrant(w http.ResponseWriter, r *http.Request) {
	h.transitionGrant(w, r, audit.EventTypeGrantApprove, h.store.ApproveGrant)
}

// DenyGrant denies a requested grant
func (h *Handlers) DenyGrant(w http.ResponseWriter, r *http.Request) {
	h.transitionGrant(w, r, audit.EventTypeGrantDeny, h.store.DenyGrant)
}

// RevokeGrant revokes a grant
func (h *Handlers) RevokeGrant(w http.ResponseWriter, r *http.Request) {
	h.transitionGrant(w, r, audit.EventTypeGrantRevoke, h.store.RevokeGrant)
}

func (h *Handlers) transitionGrant(w http.ResponseWriter, r *http.Request, eventType audit.EventType, apply func(context.Context, int64, int64) (*ProjectDataAccess, error)) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	grant, err := apply(r.Context(), id, actorID)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.metrics.RecordGrantTransition(grant.Status.String())
	h.recordAdmin(r.Context(), eventType, actorID, &grant.ProjectID, "",
		fmt.Sprintf("grant %d for user %d on %s %d is now %s", grant.ID, grant.UserID, grant.ResourceLevel, grant.ResourceID(), grant.Status))
	httputil.WriteSuccess(w, grant)
}

// RegisterStudy inserts or refreshes a study tree in the project
func (h *Handlers) RegisterStudy(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r); !ok {
		return
	}
	projectID, ok := httputil.ParsePathInt64OrError(w, r, "project_id")
	if !ok {
		return
	}
	var study StudyRecord
	if !httputil.ParseJSONOrError(w, r, &study) {
		return
	}

	result, err := h.store.RegisterStudy(r.Context(), projectID, study)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

type resourceResponse struct {
	Resource   Node              `json:"resource"`
	Attributes map[string]string `json:"attributes"`
	Decision   *EvaluationResult `json:"decision"`
}

// GetResource describes a resource the guard admitted, with the attributes
// visible at its level.
func (h *Handlers) GetResource(w http.ResponseWriter, r *http.Request) {
	result, ok := EvaluationFromRequest(r)
	if !ok || len(result.Lineage()) == 0 {
		httputil.WriteInternalError(w, r, fmt.Errorf("missing access decision"))
		return
	}

	lineage := result.Lineage()
	resource := lineage.Resource()
	attributes := make(map[string]string)
	for tag, value := range lineage.TagsAt(resource.Level) {
		attributes[tag.String()] = value
	}

	httputil.WriteSuccess(w, resourceResponse{
		Resource:   resource,
		Attributes: attributes,
		Decision:   result,
	})
}

type objectURLResponse struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InstanceURL issues a presigned download URL for an admitted instance.
func (h *Handlers) InstanceURL(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil {
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "object storage is not configured")
		return
	}
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	projectID, ok := httputil.ParsePathInt64OrError(w, r, "project_id")
	if !ok {
		return
	}
	key := ObjectKey(projectID, vars["study_uid"], vars["series_uid"], vars["instance_uid"])

	signed, err := h.signer.PresignGet(r.Context(), key)
	if err != nil {
		h.logger.WithError(err).WithField("key", key).Error("failed to presign object")
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "object storage unavailable")
		return
	}

	h.recordAdmin(r.Context(), audit.EventTypeObjectURLIssue, actorID, &projectID, vars["instance_uid"],
		fmt.Sprintf("issued download URL for %s", key))
	httputil.WriteSuccess(w, objectURLResponse{URL: signed.URL, Key: signed.Key, ExpiresAt: signed.ExpiresAt})
}

// ObjectKey is where an instance's file is stored in the object bucket.
func ObjectKey(projectID int64, studyUID, seriesUID, instanceUID string) string {
	return fmt.Sprintf("%d/%s/%s/%s.dcm", projectID, studyUID, seriesUID, instanceUID)
}
