package rbac

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency bounds the evaluations a batch runs at once.
const DefaultBatchConcurrency = 8

// WithBatchConcurrency sets how many evaluations FilterVisible runs in
// parallel.
func WithBatchConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.batchConcurrency = n
		}
	}
}

// BatchRequest asks which of several resources at one level a user may see.
type BatchRequest struct {
	UserID        int64         `json:"user_id"`
	ProjectID     int64         `json:"project_id"`
	ResourceLevel ResourceLevel `json:"resource_level"`
	ResourceUIDs  []string      `json:"resource_uids"`
}

// BatchResult lists the visible UIDs in request order. Results holds the
// verdict for every UID that resolved; NotFound the ones that did not.
type BatchResult struct {
	Visible  []string                     `json:"visible"`
	Results  map[string]*EvaluationResult `json:"results"`
	NotFound []string                     `json:"not_found"`
}

// FilterVisible evaluates every UID in req and keeps the allowed ones.
// Repeated UIDs are evaluated once. Unknown UIDs are reported in NotFound;
// any other failure aborts the whole batch.
func (e *Engine) FilterVisible(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.FilterVisible",
		trace.WithAttributes(
			attribute.Int64("pacs.user_id", req.UserID),
			attribute.Int64("pacs.project_id", req.ProjectID),
			attribute.String("pacs.resource_level", req.ResourceLevel.String()),
			attribute.Int("pacs.batch_size", len(req.ResourceUIDs)),
		),
	)
	defer span.End()

	result, err := e.filterVisible(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch evaluation failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("pacs.visible", len(result.Visible)))
	return result, nil
}

func (e *Engine) filterVisible(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	uids, err := uniqueUIDs(req.ResourceUIDs)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordBatch(len(uids))

	result := &BatchResult{
		Visible:  []string{},
		Results:  make(map[string]*EvaluationResult, len(uids)),
		NotFound: []string{},
	}
	if len(uids) == 0 {
		return result, nil
	}

	sample := EvaluationRequest{UserID: req.UserID, ProjectID: req.ProjectID, ResourceUID: uids[0], ResourceLevel: req.ResourceLevel}
	if err := sample.Validate(); err != nil {
		return nil, err
	}

	if err := e.checkSubject(ctx, req.UserID, req.ProjectID); err != nil {
		return nil, err
	}
	who, err := e.memberStanding(ctx, req.UserID, req.ProjectID)
	if err != nil {
		return nil, err
	}

	nodes, err := e.resolveAll(ctx, req, uids)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	grants, err := e.grants.FindActiveGrants(ctx, req.UserID, req.ResourceLevel, ids)
	if err != nil {
		return nil, err
	}

	lk := lookups{
		grants: prefetchedGrants{userID: req.UserID, level: req.ResourceLevel, found: grants, next: e.grants},
		hierarchy: resolvedNodes{
			projectID: req.ProjectID,
			level:     req.ResourceLevel,
			nodes:     nodes,
			next:      e.hierarchy,
		},
		standing: who,
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.batchConcurrency)
	for _, uid := range uids {
		if _, ok := nodes[uid]; !ok {
			continue
		}
		eg.Go(func() error {
			res, err := e.evaluateWith(egCtx, EvaluationRequest{
				UserID:        req.UserID,
				ProjectID:     req.ProjectID,
				ResourceUID:   uid,
				ResourceLevel: req.ResourceLevel,
			}, lk)
			if errors.Is(err, ErrResourceNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			result.Results[uid] = res
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for _, uid := range uids {
		res, ok := result.Results[uid]
		switch {
		case !ok:
			result.NotFound = append(result.NotFound, uid)
		case res.Allowed:
			result.Visible = append(result.Visible, uid)
		}
	}
	return result, nil
}

// resolveAll maps each UID to its resource. UIDs that do not resolve are
// left out of the map.
func (e *Engine) resolveAll(ctx context.Context, req BatchRequest, uids []string) (map[string]*Node, error) {
	var mu sync.Mutex
	nodes := make(map[string]*Node, len(uids))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.batchConcurrency)
	for _, uid := range uids {
		eg.Go(func() error {
			node, err := e.hierarchy.Resolve(egCtx, req.ProjectID, req.ResourceLevel, uid)
			if errors.Is(err, ErrResourceNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			nodes[uid] = node
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return nodes, nil
}

func uniqueUIDs(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, uid := range in {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			return nil, validationErrorf("resource_uids must not contain blanks")
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	return out, nil
}

// prefetchedGrants answers exact-level lookups from one FindActiveGrants
// call and defers ancestor lookups to next.
type prefetchedGrants struct {
	userID int64
	level  ResourceLevel
	found  map[int64]*ProjectDataAccess
	next   GrantFinder
}

func (p prefetchedGrants) FindActiveGrant(ctx context.Context, userID int64, level ResourceLevel, resourceID int64) (*ProjectDataAccess, error) {
	if userID == p.userID && level == p.level {
		return p.found[resourceID], nil
	}
	return p.next.FindActiveGrant(ctx, userID, level, resourceID)
}

func (p prefetchedGrants) FindActiveGrants(ctx context.Context, userID int64, level ResourceLevel, resourceIDs []int64) (map[int64]*ProjectDataAccess, error) {
	return p.next.FindActiveGrants(ctx, userID, level, resourceIDs)
}

// resolvedNodes serves Resolve from nodes already looked up for the batch.
type resolvedNodes struct {
	projectID int64
	level     ResourceLevel
	nodes     map[string]*Node
	next      HierarchyResolver
}

func (r resolvedNodes) Resolve(ctx context.Context, projectID int64, level ResourceLevel, uid string) (*Node, error) {
	if projectID == r.projectID && level == r.level {
		if node, ok := r.nodes[uid]; ok {
			return node, nil
		}
	}
	return r.next.Resolve(ctx, projectID, level, uid)
}

func (r resolvedNodes) Ancestors(ctx context.Context, resourceID int64, level ResourceLevel) (Lineage, error) {
	return r.next.Ancestors(ctx, resourceID, level)
}
