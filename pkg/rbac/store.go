package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Pools supplies connections. Writes go to Primary; lookups made while
// evaluating go to Replica.
type Pools interface {
	Primary() *sql.DB
	Replica() *sql.DB
}

type singlePool struct {
	db *sql.DB
}

func (p singlePool) Primary() *sql.DB { return p.db }
func (p singlePool) Replica() *sql.DB { return p.db }

// SinglePool serves reads and writes from one database.
func SinglePool(db *sql.DB) Pools {
	return singlePool{db: db}
}

// Invalidator is told which cached condition lists a mutation touched.
type Invalidator interface {
	InvalidateRoles(ctx context.Context, roleIDs ...int64)
	InvalidateProjects(ctx context.Context, projectIDs ...int64)
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateRoles(context.Context, ...int64)    {}
func (noopInvalidator) InvalidateProjects(context.Context, ...int64) {}

// Store persists access conditions, bindings, grants, the resource
// hierarchy and the user directory.
type Store struct {
	pools       Pools
	invalidator Invalidator
	now         func() time.Time
}

// NewStore creates a new store
func NewStore(pools Pools) *Store {
	return &Store{
		pools:       pools,
		invalidator: noopInvalidator{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetInvalidator registers the cache to notify after condition mutations.
func (s *Store) SetInvalidator(inv Invalidator) {
	if inv == nil {
		inv = noopInvalidator{}
	}
	s.invalidator = inv
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const conditionColumns = `ac.id, ac.resource_type, ac.resource_level, ac.dicom_tag, ac.operator, ac.value, ac.condition_type, ac.description, ac.created_at`

func scanCondition(row rowScanner, c *AccessCondition, extra ...interface{}) error {
	var tag, value, description sql.NullString
	dest := []interface{}{
		&c.ID,
		&c.ResourceType,
		&c.ResourceLevel,
		&tag,
		&c.Operator,
		&value,
		&c.ConditionType,
		&description,
		&c.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	c.DicomTag = nullStringPtr(tag)
	c.Value = nullStringPtr(value)
	c.Description = description.String
	return nil
}

// CreateCondition validates and stores a new condition.
func (s *Store) CreateCondition(ctx context.Context, c *AccessCondition) error {
	if c.DicomTag != nil && strings.TrimSpace(*c.DicomTag) == "" {
		c.DicomTag = nil
	}
	if c.Operator == "" {
		c.Operator = "EQ"
	}
	if err := c.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO security_access_condition (resource_type, resource_level, dicom_tag, operator, value, condition_type, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	now := s.now()
	err := s.pools.Primary().QueryRowContext(ctx, query,
		c.ResourceType,
		c.ResourceLevel,
		c.DicomTag,
		c.Operator,
		c.Value,
		c.ConditionType,
		nullString(c.Description),
		now,
	).Scan(&c.ID)
	if err != nil {
		return storeError("create access condition", err)
	}

	c.CreatedAt = now
	return nil
}

// GetCondition retrieves a condition by ID
func (s *Store) GetCondition(ctx context.Context, id int64) (*AccessCondition, error) {
	return s.getCondition(ctx, s.pools.Primary(), id)
}

func (s *Store) getCondition(ctx context.Context, db *sql.DB, id int64) (*AccessCondition, error) {
	query := `SELECT ` + conditionColumns + ` FROM security_access_condition ac WHERE ac.id = $1`

	var c AccessCondition
	err := scanCondition(db.QueryRowContext(ctx, query, id), &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrConditionNotFound, id)
	}
	if err != nil {
		return nil, storeError("get access condition", err)
	}
	return &c, nil
}

// ConditionFilter narrows ListConditions.
type ConditionFilter struct {
	ResourceLevel ResourceLevel
	ConditionType ConditionType
	Limit         int
	Offset        int
}

// ListConditions returns conditions ordered by id.
func (s *Store) ListConditions(ctx context.Context, filter ConditionFilter) ([]*AccessCondition, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.ResourceLevel.Valid() {
		args = append(args, filter.ResourceLevel)
		where = append(where, fmt.Sprintf("ac.resource_level = $%d", len(args)))
	}
	if filter.ConditionType.Valid() {
		args = append(args, filter.ConditionType)
		where = append(where, fmt.Sprintf("ac.condition_type = $%d", len(args)))
	}

	query := `SELECT ` + conditionColumns + ` FROM security_access_condition ac`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ac.id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := s.pools.Replica().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list access conditions", err)
	}
	defer rows.Close()

	conditions := []*AccessCondition{}
	for rows.Next() {
		var c AccessCondition
		if err := scanCondition(rows, &c); err != nil {
			return nil, storeError("scan access condition", err)
		}
		conditions = append(conditions, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list access conditions", err)
	}
	return conditions, nil
}

// DeleteCondition removes a condition and every binding that references it.
func (s *Store) DeleteCondition(ctx context.Context, id int64) error {
	tx, err := s.pools.Primary().BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin transaction", err)
	}
	defer tx.Rollback()

	roleIDs, err := collectIDs(ctx, tx, `SELECT role_id FROM security_role_dicom_condition WHERE access_condition_id = $1`, id)
	if err != nil {
		return storeError("list role bindings", err)
	}
	projectIDs, err := collectIDs(ctx, tx, `SELECT project_id FROM security_project_dicom_condition WHERE access_condition_id = $1`, id)
	if err != nil {
		return storeError("list project bindings", err)
	}

	for _, table := range []string{roleBindings.table, projectBindings.table} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE access_condition_id = $1`, id); err != nil {
			return storeError("delete bindings", err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM security_access_condition WHERE id = $1`, id)
	if err != nil {
		return storeError("delete access condition", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storeError("delete access condition", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrConditionNotFound, id)
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit transaction", err)
	}

	s.invalidator.InvalidateRoles(ctx, roleIDs...)
	s.invalidator.InvalidateProjects(ctx, projectIDs...)
	return nil
}

// bindingTable describes one of the two binding tables.
type bindingTable struct {
	table  string
	owner  string
	source BindingSource
}

var (
	roleBindings    = bindingTable{table: "security_role_dicom_condition", owner: "role_id", source: SourceRole}
	projectBindings = bindingTable{table: "security_project_dicom_condition", owner: "project_id", source: SourceProject}
)

// ListConditionsForRole returns the conditions bound to a role, highest
// priority first.
func (s *Store) ListConditionsForRole(ctx context.Context, roleID int64) ([]BoundCondition, error) {
	return s.listBound(ctx, roleBindings, roleID)
}

// ListConditionsForProject returns the conditions bound to a project,
// highest priority first.
func (s *Store) ListConditionsForProject(ctx context.Context, projectID int64) ([]BoundCondition, error) {
	return s.listBound(ctx, projectBindings, projectID)
}

func (s *Store) listBound(ctx context.Context, b bindingTable, ownerID int64) ([]BoundCondition, error) {
	query := `
		SELECT ` + conditionColumns + `, b.id, b.priority
		FROM ` + b.table + ` b
		JOIN security_access_condition ac ON ac.id = b.access_condition_id
		WHERE b.` + b.owner + ` = $1
		ORDER BY b.priority DESC, ac.id ASC
	`

	rows, err := s.pools.Replica().QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, storeError("list "+string(b.source)+" conditions", err)
	}
	defer rows.Close()

	bound := []BoundCondition{}
	for rows.Next() {
		bc := BoundCondition{Source: b.source}
		if err := scanCondition(rows, &bc.AccessCondition, &bc.BindingID, &bc.Priority); err != nil {
			return nil, storeError("scan "+string(b.source)+" condition", err)
		}
		bound = append(bound, bc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list "+string(b.source)+" conditions", err)
	}
	return bound, nil
}

// BindRoleCondition binds a condition to a role, updating the priority if
// the binding already exists.
func (s *Store) BindRoleCondition(ctx context.Context, roleID, conditionID int64, priority int) (*RoleAccessCondition, error) {
	ok, err := s.exists(ctx, s.pools.Primary(), `SELECT 1 FROM security_role WHERE id = $1`, roleID)
	if err != nil {
		return nil, storeError("look up role", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrRoleNotFound, roleID)
	}

	id, createdAt, err := s.bind(ctx, roleBindings, roleID, conditionID, priority)
	if err != nil {
		return nil, err
	}
	s.invalidator.InvalidateRoles(ctx, roleID)

	return &RoleAccessCondition{
		ID:                id,
		RoleID:            roleID,
		AccessConditionID: conditionID,
		Priority:          priority,
		CreatedAt:         createdAt,
	}, nil
}

// BindProjectCondition binds a condition to a project, updating the
// priority if the binding already exists.
func (s *Store) BindProjectCondition(ctx context.Context, projectID, conditionID int64, priority int) (*ProjectAccessCondition, error) {
	ok, err := s.ProjectExists(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrProjectNotFound, projectID)
	}

	id, createdAt, err := s.bind(ctx, projectBindings, projectID, conditionID, priority)
	if err != nil {
		return nil, err
	}
	s.invalidator.InvalidateProjects(ctx, projectID)

	return &ProjectAccessCondition{
		ID:                id,
		ProjectID:         projectID,
		AccessConditionID: conditionID,
		Priority:          priority,
		CreatedAt:         createdAt,
	}, nil
}

func (s *Store) bind(ctx context.Context, b bindingTable, ownerID, conditionID int64, priority int) (int64, time.Time, error) {
	if _, err := s.getCondition(ctx, s.pools.Primary(), conditionID); err != nil {
		return 0, time.Time{}, err
	}

	upsert := `
		INSERT INTO ` + b.table + ` (` + b.owner + `, access_condition_id, priority, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (` + b.owner + `, access_condition_id) DO UPDATE SET priority = EXCLUDED.priority
	`
	if _, err := s.pools.Primary().ExecContext(ctx, upsert, ownerID, conditionID, priority, s.now()); err != nil {
		return 0, time.Time{}, storeError("bind "+string(b.source)+" condition", err)
	}

	var (
		id        int64
		createdAt time.Time
	)
	query := `SELECT id, created_at FROM ` + b.table + ` WHERE ` + b.owner + ` = $1 AND access_condition_id = $2`
	if err := s.pools.Primary().QueryRowContext(ctx, query, ownerID, conditionID).Scan(&id, &createdAt); err != nil {
		return 0, time.Time{}, storeError("load "+string(b.source)+" binding", err)
	}
	return id, createdAt, nil
}

// UnbindRoleCondition removes a role binding.
func (s *Store) UnbindRoleCondition(ctx context.Context, roleID, conditionID int64) error {
	if err := s.unbind(ctx, roleBindings, roleID, conditionID); err != nil {
		return err
	}
	s.invalidator.InvalidateRoles(ctx, roleID)
	return nil
}

// UnbindProjectCondition removes a project binding.
func (s *Store) UnbindProjectCondition(ctx context.Context, projectID, conditionID int64) error {
	if err := s.unbind(ctx, projectBindings, projectID, conditionID); err != nil {
		return err
	}
	s.invalidator.InvalidateProjects(ctx, projectID)
	return nil
}

func (s *Store) unbind(ctx context.Context, b bindingTable, ownerID, conditionID int64) error {
	query := `DELETE FROM ` + b.table + ` WHERE ` + b.owner + ` = $1 AND access_condition_id = $2`

	result, err := s.pools.Primary().ExecContext(ctx, query, ownerID, conditionID)
	if err != nil {
		return storeError("unbind "+string(b.source)+" condition", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storeError("unbind "+string(b.source)+" condition", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d condition %d", ErrBindingNotFound, b.source, ownerID, conditionID)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func collectIDs(ctx context.Context, q queryer, query string, args ...interface{}) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) exists(ctx context.Context, db *sql.DB, query string, args ...interface{}) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// isUniqueViolation recognises unique constraint failures from Postgres and
// SQLite.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	id := n.Int64
	return &id
}
