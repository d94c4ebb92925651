package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// UserExists reports whether the user is known.
func (s *Store) UserExists(ctx context.Context, userID int64) (bool, error) {
	ok, err := s.exists(ctx, s.pools.Replica(), `SELECT 1 FROM security_user WHERE id = $1`, userID)
	if err != nil {
		return false, storeError("look up user", err)
	}
	return ok, nil
}

// ProjectExists reports whether the project is known.
func (s *Store) ProjectExists(ctx context.Context, projectID int64) (bool, error) {
	ok, err := s.exists(ctx, s.pools.Replica(), `SELECT 1 FROM security_project WHERE id = $1`, projectID)
	if err != nil {
		return false, storeError("look up project", err)
	}
	return ok, nil
}

// MemberRoles returns the roles the user holds in the project. A membership
// row without a role makes the user a member with no roles.
func (s *Store) MemberRoles(ctx context.Context, userID, projectID int64) ([]int64, bool, error) {
	rows, err := s.pools.Replica().QueryContext(ctx,
		`SELECT role_id FROM security_user_project WHERE user_id = $1 AND project_id = $2 ORDER BY role_id`,
		userID, projectID,
	)
	if err != nil {
		return nil, false, storeError("list memberships", err)
	}
	defer rows.Close()

	var (
		member bool
		roles  []int64
		seen   = map[int64]bool{}
	)
	for rows.Next() {
		var roleID sql.NullInt64
		if err := rows.Scan(&roleID); err != nil {
			return nil, false, storeError("scan membership", err)
		}
		member = true
		if roleID.Valid && !seen[roleID.Int64] {
			seen[roleID.Int64] = true
			roles = append(roles, roleID.Int64)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, storeError("list memberships", err)
	}
	return roles, member, nil
}

// EnsureUser creates the user or refreshes its email, returning its id.
func (s *Store) EnsureUser(ctx context.Context, username, email string) (int64, error) {
	if strings.TrimSpace(username) == "" {
		return 0, validationErrorf("username is required")
	}
	return s.upsertNamed(ctx, "user", `
		INSERT INTO security_user (username, email, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE SET email = EXCLUDED.email
		RETURNING id
	`, username, nullString(email), s.now())
}

// EnsureProject creates the project or refreshes its description.
func (s *Store) EnsureProject(ctx context.Context, name, description string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, validationErrorf("project name is required")
	}
	return s.upsertNamed(ctx, "project", `
		INSERT INTO security_project (name, description, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
		RETURNING id
	`, name, nullString(description), s.now())
}

// EnsureRole creates the role or refreshes its description.
func (s *Store) EnsureRole(ctx context.Context, name, description string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, validationErrorf("role name is required")
	}
	return s.upsertNamed(ctx, "role", `
		INSERT INTO security_role (name, description, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
		RETURNING id
	`, name, nullString(description), s.now())
}

func (s *Store) upsertNamed(ctx context.Context, kind, query string, args ...interface{}) (int64, error) {
	var id int64
	if err := s.pools.Primary().QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, storeError("save "+kind, err)
	}
	return id, nil
}

// AddMember makes the user a member of the project, optionally with a role.
// Adding an existing membership is a no-op.
func (s *Store) AddMember(ctx context.Context, userID, projectID int64, roleID *int64) error {
	_, err := s.pools.Primary().ExecContext(ctx, `
		INSERT INTO security_user_project (user_id, project_id, role_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, userID, projectID, roleID, s.now())
	if err != nil {
		return storeError(fmt.Sprintf("add user %d to project %d", userID, projectID), err)
	}
	return nil
}
