package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/platinummonkey/pacsgate/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the access-control schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users, projects, roles and memberships",
			SQL: `
				CREATE TABLE IF NOT EXISTS security_user (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(255) NOT NULL UNIQUE,
					email VARCHAR(255),
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS security_project (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS security_role (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS security_user_project (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES security_user(id) ON DELETE CASCADE,
					project_id BIGINT NOT NULL REFERENCES security_project(id) ON DELETE CASCADE,
					role_id BIGINT REFERENCES security_role(id) ON DELETE SET NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_user_project_role ON security_user_project(user_id, project_id, COALESCE(role_id, 0));
				CREATE INDEX idx_user_project_project ON security_user_project(project_id);
			`,
		},
		{
			Version:     2,
			Description: "Create access conditions and their role and project bindings",
			SQL: `
				CREATE TABLE IF NOT EXISTS security_access_condition (
					id BIGSERIAL PRIMARY KEY,
					resource_type VARCHAR(32) NOT NULL DEFAULT 'DICOM',
					resource_level VARCHAR(16) NOT NULL CHECK (resource_level IN ('STUDY', 'SERIES', 'INSTANCE')),
					dicom_tag VARCHAR(64),
					operator VARCHAR(32) NOT NULL,
					value TEXT,
					condition_type VARCHAR(16) NOT NULL CHECK (condition_type IN ('ALLOW', 'DENY', 'LIMIT')),
					description TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS security_role_dicom_condition (
					id BIGSERIAL PRIMARY KEY,
					role_id BIGINT NOT NULL REFERENCES security_role(id) ON DELETE CASCADE,
					access_condition_id BIGINT NOT NULL REFERENCES security_access_condition(id) ON DELETE CASCADE,
					priority INT NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(role_id, access_condition_id)
				);

				CREATE TABLE IF NOT EXISTS security_project_dicom_condition (
					id BIGSERIAL PRIMARY KEY,
					project_id BIGINT NOT NULL REFERENCES security_project(id) ON DELETE CASCADE,
					access_condition_id BIGINT NOT NULL REFERENCES security_access_condition(id) ON DELETE CASCADE,
					priority INT NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(project_id, access_condition_id)
				);

				CREATE INDEX idx_role_dicom_condition_condition ON security_role_dicom_condition(access_condition_id);
				CREATE INDEX idx_project_dicom_condition_condition ON security_project_dicom_condition(access_condition_id);
			`,
		},
		{
			Version:     3,
			Description: "Create study, series and instance hierarchy",
			SQL: `
				CREATE TABLE IF NOT EXISTS project_data_study (
					id BIGSERIAL PRIMARY KEY,
					project_id BIGINT NOT NULL REFERENCES security_project(id) ON DELETE CASCADE,
					study_uid VARCHAR(128) NOT NULL,
					patient_id VARCHAR(64),
					patient_name VARCHAR(255),
					patient_birth_date VARCHAR(8),
					patient_sex VARCHAR(16),
					study_date VARCHAR(8),
					study_description TEXT,
					accession_number VARCHAR(64),
					modalities_in_study VARCHAR(255),
					institution_name VARCHAR(255),
					tags JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(project_id, study_uid)
				);

				CREATE TABLE IF NOT EXISTS project_data_series (
					id BIGSERIAL PRIMARY KEY,
					study_id BIGINT NOT NULL REFERENCES project_data_study(id) ON DELETE CASCADE,
					series_uid VARCHAR(128) NOT NULL,
					modality VARCHAR(16),
					series_description TEXT,
					body_part_examined VARCHAR(64),
					series_number VARCHAR(16),
					tags JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(study_id, series_uid)
				);

				CREATE TABLE IF NOT EXISTS project_data_instance (
					id BIGSERIAL PRIMARY KEY,
					series_id BIGINT NOT NULL REFERENCES project_data_series(id) ON DELETE CASCADE,
					instance_uid VARCHAR(128) NOT NULL,
					sop_class_uid VARCHAR(128),
					instance_number VARCHAR(16),
					tags JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(series_id, instance_uid)
				);

				CREATE INDEX idx_project_data_series_uid ON project_data_series(series_uid);
				CREATE INDEX idx_project_data_instance_uid ON project_data_instance(instance_uid);
			`,
		},
		{
			Version:     4,
			Description: "Create explicit data access grants",
			SQL: `
				CREATE TABLE IF NOT EXISTS project_data_access (
					id BIGSERIAL PRIMARY KEY,
					project_id BIGINT NOT NULL REFERENCES security_project(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL REFERENCES security_user(id) ON DELETE CASCADE,
					resource_level VARCHAR(16) NOT NULL CHECK (resource_level IN ('STUDY', 'SERIES', 'INSTANCE')),
					study_id BIGINT REFERENCES project_data_study(id) ON DELETE CASCADE,
					series_id BIGINT REFERENCES project_data_series(id) ON DELETE CASCADE,
					instance_id BIGINT REFERENCES project_data_instance(id) ON DELETE CASCADE,
					status VARCHAR(16) NOT NULL CHECK (status IN ('REQUESTED', 'APPROVED', 'DENIED', 'REVOKED')),
					granted_by BIGINT REFERENCES security_user(id) ON DELETE SET NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					CHECK (
						(resource_level = 'STUDY' AND study_id IS NOT NULL AND series_id IS NULL AND instance_id IS NULL) OR
						(resource_level = 'SERIES' AND series_id IS NOT NULL AND study_id IS NULL AND instance_id IS NULL) OR
						(resource_level = 'INSTANCE' AND instance_id IS NOT NULL AND study_id IS NULL AND series_id IS NULL)
					)
				);

				CREATE UNIQUE INDEX idx_data_access_active_study ON project_data_access(user_id, study_id)
					WHERE resource_level = 'STUDY' AND status <> 'REVOKED';
				CREATE UNIQUE INDEX idx_data_access_active_series ON project_data_access(user_id, series_id)
					WHERE resource_level = 'SERIES' AND status <> 'REVOKED';
				CREATE UNIQUE INDEX idx_data_access_active_instance ON project_data_access(user_id, instance_id)
					WHERE resource_level = 'INSTANCE' AND status <> 'REVOKED';
				CREATE INDEX idx_data_access_user_project ON project_data_access(user_id, project_id);
			`,
		},
		{
			Version:     5,
			Description: "Record who revoked a grant",
			SQL: `
				ALTER TABLE project_data_access
					ADD COLUMN IF NOT EXISTS revoked_by BIGINT REFERENCES security_user(id) ON DELETE SET NULL;
			`,
		},
	}
}

// RunMigrations applies every migration not yet recorded in
// pacs_migrations. Each migration runs in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pacs_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM pacs_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO pacs_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		log.Info("migration applied")
	}

	return nil
}
