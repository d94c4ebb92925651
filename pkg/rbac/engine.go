package rbac

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/pacsgate/pkg/audit"
	"github.com/platinummonkey/pacsgate/pkg/contextkeys"
	"github.com/platinummonkey/pacsgate/pkg/dicom"
	"github.com/platinummonkey/pacsgate/pkg/observability"
)

var (
	engineTracer = otel.Tracer("pacsgate/rbac/engine")
	engineMeter  = otel.Meter("pacsgate/rbac/engine")

	// evaluationDuration is exported over OTLP alongside the Prometheus
	// histogram so decision latency can be joined with traces.
	evaluationDuration, _ = engineMeter.Float64Histogram("pacs.evaluation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of access evaluations"),
	)
)

// Directory answers identity questions about users and projects.
type Directory interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
	ProjectExists(ctx context.Context, projectID int64) (bool, error)
	// MemberRoles returns the user's roles in the project and whether the
	// user is a member at all.
	MemberRoles(ctx context.Context, userID, projectID int64) ([]int64, bool, error)
}

// ConditionLister returns the conditions bound to a role or project,
// ordered by descending priority then ascending condition id.
type ConditionLister interface {
	ListConditionsForRole(ctx context.Context, roleID int64) ([]BoundCondition, error)
	ListConditionsForProject(ctx context.Context, projectID int64) ([]BoundCondition, error)
}

// GrantFinder looks up active (non-revoked) explicit grants. A nil grant
// with a nil error means none exists.
type GrantFinder interface {
	FindActiveGrant(ctx context.Context, userID int64, level ResourceLevel, resourceID int64) (*ProjectDataAccess, error)
	FindActiveGrants(ctx context.Context, userID int64, level ResourceLevel, resourceIDs []int64) (map[int64]*ProjectDataAccess, error)
}

// HierarchyResolver maps UIDs to resources and walks their ancestry.
type HierarchyResolver interface {
	Resolve(ctx context.Context, projectID int64, level ResourceLevel, uid string) (*Node, error)
	Ancestors(ctx context.Context, resourceID int64, level ResourceLevel) (Lineage, error)
}

// Evaluator decides access to a single resource.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (*EvaluationResult, error)
}

// Engine composes membership, explicit grants and bound conditions into a
// verdict. It holds no mutable state and is safe for concurrent use.
type Engine struct {
	directory  Directory
	conditions ConditionLister
	grants     GrantFinder
	hierarchy  HierarchyResolver

	auditLogger      audit.Logger
	metrics          *observability.Metrics
	logger           *observability.Logger
	batchConcurrency int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAuditLogger sets the sink decisions are recorded to.
func WithAuditLogger(l audit.Logger) EngineOption {
	return func(e *Engine) { e.auditLogger = l }
}

// WithMetrics enables decision metrics.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *observability.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a decision engine.
func NewEngine(directory Directory, conditions ConditionLister, grants GrantFinder, hierarchy HierarchyResolver, opts ...EngineOption) *Engine {
	e := &Engine{
		directory:        directory,
		conditions:       conditions,
		grants:           grants,
		hierarchy:        hierarchy,
		auditLogger:      audit.NewNoOpLogger(),
		logger:           observability.NewLogger(observability.InfoLevel, io.Discard),
		batchConcurrency: DefaultBatchConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lookups are the per-call sources an evaluation reads grants and the
// hierarchy from. Batch evaluation swaps in prefetched ones.
type lookups struct {
	grants    GrantFinder
	hierarchy HierarchyResolver

	// standing is set once the user and project were checked and the
	// membership read for the whole call.
	standing *standing
}

// standing is a user's membership in one project.
type standing struct {
	roles  []int64
	member bool
}

// Evaluate decides whether req.UserID may access the resource. Lookup
// failures are returned as errors and never turned into a verdict.
func (e *Engine) Evaluate(ctx context.Context, req EvaluationRequest) (*EvaluationResult, error) {
	return e.evaluateWith(ctx, req, lookups{grants: e.grants, hierarchy: e.hierarchy})
}

func (e *Engine) evaluateWith(ctx context.Context, req EvaluationRequest, lk lookups) (*EvaluationResult, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.Evaluate",
		trace.WithAttributes(
			attribute.Int64("pacs.user_id", req.UserID),
			attribute.Int64("pacs.project_id", req.ProjectID),
			attribute.String("pacs.resource_uid", req.ResourceUID),
			attribute.String("pacs.resource_level", req.ResourceLevel.String()),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := e.evaluate(ctx, req, lk)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
		e.metrics.RecordEvaluationError(req.ResourceLevel.String(), HTTPStatus(err))
		if HTTPStatus(err) >= 500 {
			e.logger.WithError(err).WithFields(map[string]interface{}{
				"user_id":      req.UserID,
				"project_id":   req.ProjectID,
				"resource_uid": req.ResourceUID,
			}).Error("access evaluation failed")
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("pacs.allowed", result.Allowed),
		attribute.String("pacs.decision_source", string(result.Source)),
	)
	elapsed := time.Since(start)
	e.metrics.RecordDecision(req.ResourceLevel.String(), result.Verdict(), string(result.Source), elapsed)
	evaluationDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("pacs.resource_level", req.ResourceLevel.String()),
		attribute.String("pacs.verdict", result.Verdict()),
		attribute.String("pacs.decision_source", string(result.Source)),
	))

	e.logger.WithFields(map[string]interface{}{
		"user_id":      req.UserID,
		"project_id":   req.ProjectID,
		"resource_uid": req.ResourceUID,
		"level":        req.ResourceLevel.String(),
		"verdict":      result.Verdict(),
		"reason":       result.Reason,
	}).Debug("access decision")

	e.record(ctx, req, result)
	return result, nil
}

func (e *Engine) evaluate(ctx context.Context, req EvaluationRequest, lk lookups) (*EvaluationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if lk.standing == nil {
		if err := e.checkSubject(ctx, req.UserID, req.ProjectID); err != nil {
			return nil, err
		}
	}

	node, err := lk.hierarchy.Resolve(ctx, req.ProjectID, req.ResourceLevel, req.ResourceUID)
	if err != nil {
		return nil, err
	}
	lineage, err := lk.hierarchy.Ancestors(ctx, node.ID, node.Level)
	if err != nil {
		return nil, err
	}
	if len(lineage) == 0 || lineage.Resource().ID != node.ID {
		return nil, fmt.Errorf("%w: incomplete lineage for %s %d", ErrResourceNotFound, node.Level, node.ID)
	}

	result, err := e.decide(ctx, lk, req.UserID, req.ProjectID, lineage)
	if err != nil {
		return nil, err
	}
	result.lineage = lineage
	return result, nil
}

// checkSubject fails with ErrUserNotFound or ErrProjectNotFound.
func (e *Engine) checkSubject(ctx context.Context, userID, projectID int64) error {
	ok, err := e.directory.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}

	ok, err = e.directory.ProjectExists(ctx, projectID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrProjectNotFound, projectID)
	}
	return nil
}

func (e *Engine) memberStanding(ctx context.Context, userID, projectID int64) (*standing, error) {
	roles, member, err := e.directory.MemberRoles(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	return &standing{roles: roles, member: member}, nil
}

func (e *Engine) decide(ctx context.Context, lk lookups, userID, projectID int64, lineage Lineage) (*EvaluationResult, error) {
	resourceID := lineage.Resource().ID

	who := lk.standing
	if who == nil {
		var err error
		if who, err = e.memberStanding(ctx, userID, projectID); err != nil {
			return nil, err
		}
	}
	if !who.member {
		return deny(resourceID, DecisionMembership, "not a project member"), nil
	}

	result, inheritedFrom, err := explicitGrants(ctx, lk.grants, userID, lineage)
	if err != nil || result != nil {
		return result, err
	}

	conditions, err := e.gatherConditions(ctx, who.roles, projectID)
	if err != nil {
		return nil, err
	}

	return e.evaluateRules(conditions, lineage, inheritedFrom), nil
}

// explicitGrants walks the lineage from the resource to the study. The
// closest decisive grant wins. An inherited approval is returned as its
// level so rule evaluation can still look for a more specific deny.
func explicitGrants(ctx context.Context, grants GrantFinder, userID int64, lineage Lineage) (*EvaluationResult, ResourceLevel, error) {
	resourceID := lineage.Resource().ID

	for i, node := range lineage {
		grant, err := grants.FindActiveGrant(ctx, userID, node.Level, node.ID)
		if err != nil {
			return nil, 0, err
		}
		if grant == nil || !grant.Status.Decisive() {
			continue
		}

		if i == 0 {
			if grant.Status == GrantDenied {
				return deny(resourceID, DecisionExplicit, "explicit deny at "+node.Level.String()), 0, nil
			}
			return allow(resourceID, DecisionExplicit, "explicit grant at "+node.Level.String()), 0, nil
		}

		if grant.Status == GrantDenied {
			return deny(resourceID, DecisionInherited, "explicit deny at "+node.Level.String()+" (inherited)"), 0, nil
		}
		return nil, node.Level, nil
	}

	return nil, 0, nil
}

// gatherConditions returns role conditions followed by project conditions.
// Conditions reached through several roles are kept once, at their highest
// priority.
func (e *Engine) gatherConditions(ctx context.Context, roles []int64, projectID int64) ([]BoundCondition, error) {
	sortedRoles := append([]int64(nil), roles...)
	sort.Slice(sortedRoles, func(i, j int) bool { return sortedRoles[i] < sortedRoles[j] })

	var roleConditions []BoundCondition
	for _, roleID := range sortedRoles {
		listed, err := e.conditions.ListConditionsForRole(ctx, roleID)
		if err != nil {
			return nil, err
		}
		roleConditions = append(roleConditions, listed...)
	}
	roleConditions = orderConditions(roleConditions)

	projectConditions, err := e.conditions.ListConditionsForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	projectConditions = orderConditions(projectConditions)

	return append(roleConditions, projectConditions...), nil
}

// orderConditions sorts a copy by priority desc, id asc and drops repeats.
func orderConditions(in []BoundCondition) []BoundCondition {
	out := append([]BoundCondition(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})

	seen := make(map[int64]struct{}, len(out))
	deduped := out[:0]
	for _, c := range out {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		deduped = append(deduped, c)
	}
	return deduped
}

// applicable keeps conditions at the resource level or above it. An Allow
// or Limit is shadowed by a more specific condition of the same type on the
// same attribute. A Deny is never shadowed.
func applicable(conditions []BoundCondition, level ResourceLevel) []BoundCondition {
	type shadowKey struct {
		kind    ConditionType
		subject dicom.Tag
	}

	mostSpecific := make(map[shadowKey]ResourceLevel)
	for _, c := range conditions {
		if c.ResourceLevel > level || c.ConditionType == ConditionDeny {
			continue
		}
		key := shadowKey{c.ConditionType, c.Subject()}
		if key.subject != "" && c.ResourceLevel > mostSpecific[key] {
			mostSpecific[key] = c.ResourceLevel
		}
	}

	out := make([]BoundCondition, 0, len(conditions))
	for _, c := range conditions {
		if c.ResourceLevel > level {
			continue
		}
		if c.ConditionType != ConditionDeny {
			key := shadowKey{c.ConditionType, c.Subject()}
			if key.subject != "" && c.ResourceLevel < mostSpecific[key] {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func (e *Engine) evaluateRules(conditions []BoundCondition, lineage Lineage, inheritedFrom ResourceLevel) *EvaluationResult {
	resource := lineage.Resource()
	constraints := dicom.NewConstraintSet()
	var allowedBy *BoundCondition

	for _, c := range applicable(conditions, resource.Level) {
		if inheritedFrom != 0 && (c.ConditionType != ConditionDeny || c.ResourceLevel <= inheritedFrom) {
			continue
		}

		pred, err := c.Predicate()
		if err != nil {
			e.logger.WithError(err).WithFields(map[string]interface{}{
				"condition_id":   c.ID,
				"condition_type": c.ConditionType.String(),
			}).Warn("malformed access condition")
			if c.ConditionType == ConditionDeny {
				return deny(resource.ID, DecisionRule, "rule deny: "+c.Label())
			}
			continue
		}

		switch c.ConditionType {
		case ConditionDeny:
			if pred == nil || pred.Match(lineage.TagsAt(c.ResourceLevel)) {
				return deny(resource.ID, DecisionRule, "rule deny: "+c.Label())
			}
		case ConditionAllow:
			if allowedBy == nil && (pred == nil || pred.Match(lineage.TagsAt(c.ResourceLevel))) {
				allowedBy = &c
			}
		case ConditionLimit:
			if pred != nil {
				constraints.Intersect(pred)
			}
		default:
			e.logger.WithField("condition_id", c.ID).Warn("unsupported condition type")
			return deny(resource.ID, DecisionRule, "rule deny: "+c.Label())
		}
	}

	if inheritedFrom != 0 {
		return allow(resource.ID, DecisionInherited, "explicit grant at "+inheritedFrom.String()+" (inherited)")
	}
	if allowedBy == nil {
		return deny(resource.ID, DecisionDefault, "no matching allow rule")
	}

	result := allow(resource.ID, DecisionRule, "rule allow: "+allowedBy.Label())
	result.Constraints = constraints.Constraints()
	result.ConstraintsSatisfied = constraints.Satisfied(lineage.TagsAt(resource.Level))
	return result
}

// record hands the decision to the audit sink. Failures are logged and
// counted but never affect the verdict.
func (e *Engine) record(ctx context.Context, req EvaluationRequest, result *EvaluationResult) {
	decision := audit.Decision{
		UserID:        req.UserID,
		ProjectID:     req.ProjectID,
		ResourceUID:   req.ResourceUID,
		ResourceLevel: req.ResourceLevel.String(),
		Verdict:       result.Verdict(),
		Reason:        result.Reason,
		Source:        string(result.Source),
		RequestID:     contextkeys.GetRequestID(ctx),
		Timestamp:     time.Now().UTC(),
	}

	if err := e.auditLogger.LogDecision(context.WithoutCancel(ctx), decision); err != nil {
		e.metrics.RecordAuditFailure()
		e.logger.WithError(err).WithField("resource_uid", req.ResourceUID).Warn("failed to record access decision")
	}
}

func allow(resourceID int64, source DecisionSource, reason string) *EvaluationResult {
	return &EvaluationResult{
		Allowed:              true,
		Reason:               reason,
		Constraints:          []dicom.Constraint{},
		ConstraintsSatisfied: true,
		Source:               source,
		ResourceID:           resourceID,
	}
}

func deny(resourceID int64, source DecisionSource, reason string) *EvaluationResult {
	return &EvaluationResult{
		Allowed:     false,
		Reason:      reason,
		Constraints: []dicom.Constraint{},
		Source:      source,
		ResourceID:  resourceID,
	}
}
