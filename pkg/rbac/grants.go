package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const grantColumns = `id, project_id, user_id, resource_level, study_id, series_id, instance_id, status, granted_by, revoked_by, created_at, updated_at`

func scanGrant(row rowScanner) (*ProjectDataAccess, error) {
	var (
		g                             ProjectDataAccess
		studyID, seriesID, instanceID sql.NullInt64
		grantedBy, revokedBy          sql.NullInt64
	)
	err := row.Scan(
		&g.ID,
		&g.ProjectID,
		&g.UserID,
		&g.ResourceLevel,
		&studyID,
		&seriesID,
		&instanceID,
		&g.Status,
		&grantedBy,
		&revokedBy,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.StudyID = nullInt64Ptr(studyID)
	g.SeriesID = nullInt64Ptr(seriesID)
	g.InstanceID = nullInt64Ptr(instanceID)
	g.GrantedBy = nullInt64Ptr(grantedBy)
	g.RevokedBy = nullInt64Ptr(revokedBy)
	return &g, nil
}

func levelColumn(level ResourceLevel) (string, error) {
	switch level {
	case LevelStudy:
		return "study_id", nil
	case LevelSeries:
		return "series_id", nil
	case LevelInstance:
		return "instance_id", nil
	}
	return "", validationErrorf("invalid resource level %d", uint8(level))
}

// CreateGrant stores a new grant. Only REQUESTED, APPROVED and DENIED are
// valid starting states. A second non-revoked grant for the same user and
// resource fails with ErrGrantConflict.
func (s *Store) CreateGrant(ctx context.Context, g *ProjectDataAccess) error {
	switch g.Status {
	case GrantRequested, GrantApproved, GrantDenied:
	default:
		return validationErrorf("a grant cannot start as %s", g.Status)
	}
	if g.UserID <= 0 || g.ProjectID <= 0 {
		return validationErrorf("user_id and project_id are required")
	}
	resourceID := g.ResourceID()
	if resourceID <= 0 {
		return validationErrorf("resource id is required for a %s grant", g.ResourceLevel)
	}
	g.SetResourceID(resourceID)

	query := `
		INSERT INTO project_data_access (project_id, user_id, resource_level, study_id, series_id, instance_id, status, granted_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	now := s.now()
	err := s.pools.Primary().QueryRowContext(ctx, query,
		g.ProjectID,
		g.UserID,
		g.ResourceLevel,
		g.StudyID,
		g.SeriesID,
		g.InstanceID,
		g.Status,
		g.GrantedBy,
		now,
		now,
	).Scan(&g.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user %d on %s %d", ErrGrantConflict, g.UserID, g.ResourceLevel, resourceID)
	}
	if err != nil {
		return storeError("create grant", err)
	}

	g.CreatedAt = now
	g.UpdatedAt = now
	return nil
}

// RequestGrant records a user's request for access to one resource.
func (s *Store) RequestGrant(ctx context.Context, projectID, userID int64, level ResourceLevel, resourceID int64) (*ProjectDataAccess, error) {
	g := &ProjectDataAccess{
		ProjectID:     projectID,
		UserID:        userID,
		ResourceLevel: level,
		Status:        GrantRequested,
	}
	g.SetResourceID(resourceID)
	if err := s.CreateGrant(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// GetGrant retrieves a grant by ID
func (s *Store) GetGrant(ctx context.Context, id int64) (*ProjectDataAccess, error) {
	query := `SELECT ` + grantColumns + ` FROM project_data_access WHERE id = $1`

	g, err := scanGrant(s.pools.Primary().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrGrantNotFound, id)
	}
	if err != nil {
		return nil, storeError("get grant", err)
	}
	return g, nil
}

// ApproveGrant moves a requested grant to APPROVED.
func (s *Store) ApproveGrant(ctx context.Context, id, actorID int64) (*ProjectDataAccess, error) {
	return s.transition(ctx, id, actorID, GrantApproved, GrantRequested)
}

// DenyGrant moves a requested grant to DENIED.
func (s *Store) DenyGrant(ctx context.Context, id, actorID int64) (*ProjectDataAccess, error) {
	return s.transition(ctx, id, actorID, GrantDenied, GrantRequested)
}

// RevokeGrant retires a grant in any state but REVOKED. Revoked grants no
// longer block a new request for the same resource.
func (s *Store) RevokeGrant(ctx context.Context, id, actorID int64) (*ProjectDataAccess, error) {
	return s.transition(ctx, id, actorID, GrantRevoked, GrantRequested, GrantApproved, GrantDenied)
}

func (s *Store) transition(ctx context.Context, id, actorID int64, to GrantStatus, from ...GrantStatus) (*ProjectDataAccess, error) {
	args := []interface{}{to, actorID, s.now(), id}
	placeholders := make([]string, len(from))
	for i, status := range from {
		args = append(args, status)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	// a revocation keeps the approver and records who revoked
	actorColumn := "granted_by"
	if to == GrantRevoked {
		actorColumn = "revoked_by"
	}

	query := `
		UPDATE project_data_access
		SET status = $1, ` + actorColumn + ` = $2, updated_at = $3
		WHERE id = $4 AND status IN (` + strings.Join(placeholders, ", ") + `)
	`

	result, err := s.pools.Primary().ExecContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("update grant", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, storeError("update grant", err)
	}

	g, err := s.GetGrant(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, g.Status, to)
	}
	return g, nil
}

// GrantFilter narrows ListGrants. Zero values match everything.
type GrantFilter struct {
	UserID    int64
	ProjectID int64
	Status    GrantStatus
}

// ListGrants returns grants newest first.
func (s *Store) ListGrants(ctx context.Context, filter GrantFilter) ([]*ProjectDataAccess, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.UserID > 0 {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.ProjectID > 0 {
		args = append(args, filter.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filter.Status.Valid() {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + grantColumns + ` FROM project_data_access`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"

	return s.queryGrants(ctx, s.pools.Replica(), "list grants", query, args...)
}

// FindActiveGrant returns the non-revoked grant for the user on one
// resource, or nil.
func (s *Store) FindActiveGrant(ctx context.Context, userID int64, level ResourceLevel, resourceID int64) (*ProjectDataAccess, error) {
	column, err := levelColumn(level)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + grantColumns + `
		FROM project_data_access
		WHERE user_id = $1 AND resource_level = $2 AND ` + column + ` = $3 AND status <> $4
		ORDER BY id DESC
		LIMIT 1
	`

	g, err := scanGrant(s.pools.Replica().QueryRowContext(ctx, query, userID, level, resourceID, GrantRevoked))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("find active grant", err)
	}
	return g, nil
}

// FindActiveGrants returns the non-revoked grants for the user on each of
// resourceIDs, keyed by resource id. Resources without one are absent.
func (s *Store) FindActiveGrants(ctx context.Context, userID int64, level ResourceLevel, resourceIDs []int64) (map[int64]*ProjectDataAccess, error) {
	column, err := levelColumn(level)
	if err != nil {
		return nil, err
	}
	found := make(map[int64]*ProjectDataAccess, len(resourceIDs))
	if len(resourceIDs) == 0 {
		return found, nil
	}

	args := []interface{}{userID, level, GrantRevoked}
	placeholders := make([]string, len(resourceIDs))
	for i, id := range resourceIDs {
		args = append(args, id)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	query := `
		SELECT ` + grantColumns + `
		FROM project_data_access
		WHERE user_id = $1 AND resource_level = $2 AND status <> $3 AND ` + column + ` IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY id
	`

	grants, err := s.queryGrants(ctx, s.pools.Replica(), "find active grants", query, args...)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		found[g.ResourceID()] = g
	}
	return found, nil
}

func (s *Store) queryGrants(ctx context.Context, db *sql.DB, op, query string, args ...interface{}) ([]*ProjectDataAccess, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	grants := []*ProjectDataAccess{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, storeError(op, err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return grants, nil
}
