package rbac

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// sqliteSchema mirrors GetMigrations for SQLite.
const sqliteSchema = `
CREATE TABLE security_user (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	email TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE security_project (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE security_role (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE security_user_project (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	project_id INTEGER NOT NULL,
	role_id INTEGER,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX idx_user_project_role ON security_user_project(user_id, project_id, COALESCE(role_id, 0));

CREATE TABLE security_access_condition (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	resource_type TEXT NOT NULL DEFAULT 'DICOM',
	resource_level TEXT NOT NULL CHECK (resource_level IN ('STUDY', 'SERIES', 'INSTANCE')),
	dicom_tag TEXT,
	operator TEXT NOT NULL,
	value TEXT,
	condition_type TEXT NOT NULL CHECK (condition_type IN ('ALLOW', 'DENY', 'LIMIT')),
	description TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE security_role_dicom_condition (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role_id INTEGER NOT NULL,
	access_condition_id INTEGER NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(role_id, access_condition_id)
);

CREATE TABLE security_project_dicom_condition (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	access_condition_id INTEGER NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, access_condition_id)
);

CREATE TABLE project_data_study (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	study_uid TEXT NOT NULL,
	patient_id TEXT,
	patient_name TEXT,
	patient_birth_date TEXT,
	patient_sex TEXT,
	study_date TEXT,
	study_description TEXT,
	accession_number TEXT,
	modalities_in_study TEXT,
	institution_name TEXT,
	tags TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, study_uid)
);

CREATE TABLE project_data_series (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	study_id INTEGER NOT NULL,
	series_uid TEXT NOT NULL,
	modality TEXT,
	series_description TEXT,
	body_part_examined TEXT,
	series_number TEXT,
	tags TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(study_id, series_uid)
);

CREATE TABLE project_data_instance (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	series_id INTEGER NOT NULL,
	instance_uid TEXT NOT NULL,
	sop_class_uid TEXT,
	instance_number TEXT,
	tags TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(series_id, instance_uid)
);

CREATE TABLE project_data_access (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	resource_level TEXT NOT NULL,
	study_id INTEGER,
	series_id INTEGER,
	instance_id INTEGER,
	status TEXT NOT NULL CHECK (status IN ('REQUESTED', 'APPROVED', 'DENIED', 'REVOKED')),
	granted_by INTEGER,
	revoked_by INTEGER,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX idx_data_access_active_study ON project_data_access(user_id, study_id)
	WHERE resource_level = 'STUDY' AND status <> 'REVOKED';
CREATE UNIQUE INDEX idx_data_access_active_series ON project_data_access(user_id, series_id)
	WHERE resource_level = 'SERIES' AND status <> 'REVOKED';
CREATE UNIQUE INDEX idx_data_access_active_instance ON project_data_access(user_id, instance_id)
	WHERE resource_level = 'INSTANCE' AND status <> 'REVOKED';
`

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// newTestDB opens an in-memory SQLite database with the access-control
// schema. One connection keeps every query on the same database.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store := NewStore(SinglePool(newTestDB(t)))
	store.now = func() time.Time { return testNow }
	return store
}

// fixture is one project with a member, an outsider and a single
// study/series/instance tree.
type fixture struct {
	store *Store

	userID     int64
	outsiderID int64
	adminID    int64
	projectID  int64
	roleID     int64

	studyID    int64
	seriesID   int64
	instanceID int64
}

const (
	fixtureStudyUID    = "1.2.840.1"
	fixtureSeriesUID   = "1.2.840.1.1"
	fixtureInstanceUID = "1.2.840.1.1.1"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := newTestStore(t)
	f := &fixture{store: store}

	var err error
	f.userID, err = store.EnsureUser(ctx, "alice", "alice@example.org")
	require.NoError(t, err)
	f.outsiderID, err = store.EnsureUser(ctx, "mallory", "")
	require.NoError(t, err)
	f.adminID, err = store.EnsureUser(ctx, "root", "")
	require.NoError(t, err)
	f.projectID, err = store.EnsureProject(ctx, "cardiac-trial", "Cardiac imaging trial")
	require.NoError(t, err)
	f.roleID, err = store.EnsureRole(ctx, "researcher", "")
	require.NoError(t, err)
	require.NoError(t, store.AddMember(ctx, f.userID, f.projectID, &f.roleID))

	registered, err := store.RegisterStudy(ctx, f.projectID, StudyRecord{
		UID: fixtureStudyUID,
		Tags: map[string]string{
			"PatientID":        "P001",
			"StudyDate":        "20240315",
			"InstitutionName":  "General Hospital",
			"StudyDescription": "CARDIAC CT",
		},
		Series: []SeriesRecord{{
			UID:  fixtureSeriesUID,
			Tags: map[string]string{"Modality": "CT", "BodyPartExamined": "CHEST"},
			Instances: []InstanceRecord{{
				UID:  fixtureInstanceUID,
				Tags: map[string]string{"InstanceNumber": "1"},
			}},
		}},
	})
	require.NoError(t, err)
	f.studyID = registered.StudyID

	series, err := store.Resolve(ctx, f.projectID, LevelSeries, fixtureSeriesUID)
	require.NoError(t, err)
	f.seriesID = series.ID
	instance, err := store.Resolve(ctx, f.projectID, LevelInstance, fixtureInstanceUID)
	require.NoError(t, err)
	f.instanceID = instance.ID

	return f
}

// roleCondition creates a condition and binds it to the fixture role.
func (f *fixture) roleCondition(t *testing.T, level ResourceLevel, ctype ConditionType, tag, operator, value string, priority int) *AccessCondition {
	t.Helper()
	c := f.createCondition(t, level, ctype, tag, operator, value)
	_, err := f.store.BindRoleCondition(context.Background(), f.roleID, c.ID, priority)
	require.NoError(t, err)
	return c
}

func (f *fixture) projectCondition(t *testing.T, level ResourceLevel, ctype ConditionType, tag, operator, value string, priority int) *AccessCondition {
	t.Helper()
	c := f.createCondition(t, level, ctype, tag, operator, value)
	_, err := f.store.BindProjectCondition(context.Background(), f.projectID, c.ID, priority)
	require.NoError(t, err)
	return c
}

func (f *fixture) createCondition(t *testing.T, level ResourceLevel, ctype ConditionType, tag, operator, value string) *AccessCondition {
	t.Helper()
	c := &AccessCondition{ResourceLevel: level, ConditionType: ctype, Operator: operator}
	if tag != "" {
		c.DicomTag = &tag
	}
	if value != "" {
		c.Value = &value
	}
	require.NoError(t, f.store.CreateCondition(context.Background(), c))
	return c
}

func (f *fixture) engine(opts ...EngineOption) *Engine {
	return NewEngine(f.store, f.store, f.store, f.store, opts...)
}

// recordingInvalidator remembers which cache keys a mutation invalidated.
type recordingInvalidator struct {
	roles    []int64
	projects []int64
}

func (r *recordingInvalidator) InvalidateRoles(_ context.Context, ids ...int64) {
	r.roles = append(r.roles, ids...)
}

func (r *recordingInvalidator) InvalidateProjects(_ context.Context, ids ...int64) {
	r.projects = append(r.projects, ids...)
}
