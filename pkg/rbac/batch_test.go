package rbac

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// batchFixture registers three more studies next to the fixture study.
func batchFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()

	for _, study := range []StudyRecord{
		{UID: "2.1", Tags: map[string]string{"PatientID": "P002", "InstitutionName": "General Hospital"}},
		{UID: "2.2", Tags: map[string]string{"PatientID": "P003", "InstitutionName": "Mercy"}},
		{UID: "2.3", Tags: map[string]string{"PatientID": "P004", "InstitutionName": "General Hospital"}},
	} {
		_, err := f.store.RegisterStudy(ctx, f.projectID, study)
		require.NoError(t, err)
	}
	return f
}

func TestFilterVisible(t *testing.T) {
	f := batchFixture(t)
	ctx := context.Background()
	f.roleCondition(t, LevelStudy, ConditionAllow, "InstitutionName", "EQ", "General Hospital", 0)

	denied, err := f.store.Resolve(ctx, f.projectID, LevelStudy, "2.3")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateGrant(ctx, grantOn(f, LevelStudy, denied.ID, GrantDenied)))

	auditLogger := &recordingAuditLogger{}
	e := f.engine(WithAuditLogger(auditLogger), WithBatchConcurrency(2))

	result, err := e.FilterVisible(ctx, BatchRequest{
		UserID:        f.userID,
		ProjectID:     f.projectID,
		ResourceLevel: LevelStudy,
		ResourceUIDs:  []string{"2.3", "missing", fixtureStudyUID, "2.1", "2.2", "2.1"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{fixtureStudyUID, "2.1"}, result.Visible, "visible UIDs keep request order")
	assert.Equal(t, []string{"missing"}, result.NotFound)
	require.Len(t, result.Results, 4)
	assert.Equal(t, DecisionExplicit, result.Results["2.3"].Source)
	assert.Equal(t, DecisionDefault, result.Results["2.2"].Source)
	assert.Len(t, auditLogger.Decisions(), 4, "every evaluated UID is audited once")
}

func TestFilterVisible_MatchesSingleEvaluation(t *testing.T) {
	f := batchFixture(t)
	ctx := context.Background()
	f.roleCondition(t, LevelStudy, ConditionAllow, "", "", "", 0)
	f.roleCondition(t, LevelStudy, ConditionDeny, "PatientID", "IN", "P003", 0)
	f.projectCondition(t, LevelStudy, ConditionLimit, "InstitutionName", "EQ", "Mercy", 0)
	e := f.engine()

	uids := []string{fixtureStudyUID, "2.1", "2.2", "2.3"}
	batch, err := e.FilterVisible(ctx, BatchRequest{UserID: f.userID, ProjectID: f.projectID, ResourceLevel: LevelStudy, ResourceUIDs: uids})
	require.NoError(t, err)

	for _, uid := range uids {
		single := evaluate(t, e, f.userID, f.projectID, LevelStudy, uid)
		got := batch.Results[uid]
		require.NotNil(t, got, uid)
		assert.Equal(t, single.Allowed, got.Allowed, uid)
		assert.Equal(t, single.Reason, got.Reason, uid)
		assert.Equal(t, single.Constraints, got.Constraints, uid)
		assert.Equal(t, single.ConstraintsSatisfied, got.ConstraintsSatisfied, uid)
	}
	assert.NotContains(t, batch.Visible, "2.2")
}

func TestFilterVisible_InheritedGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateGrant(ctx, grantOn(f, LevelStudy, f.studyID, GrantApproved)))

	_, err := f.store.RegisterStudy(ctx, f.projectID, StudyRecord{
		UID:    fixtureStudyUID,
		Series: []SeriesRecord{{UID: fixtureSeriesUID}, {UID: "1.2.840.1.9"}},
	})
	require.NoError(t, err)

	e := f.engine()
	result, err := e.FilterVisible(ctx, BatchRequest{
		UserID:        f.userID,
		ProjectID:     f.projectID,
		ResourceLevel: LevelSeries,
		ResourceUIDs:  []string{fixtureSeriesUID, "1.2.840.1.9"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{fixtureSeriesUID, "1.2.840.1.9"}, result.Visible)
	assert.Equal(t, DecisionInherited, result.Results["1.2.840.1.9"].Source)
}

func TestFilterVisible_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.engine()

	t.Run("empty request", func(t *testing.T) {
		result, err := e.FilterVisible(ctx, BatchRequest{UserID: f.userID, ProjectID: f.projectID, ResourceLevel: LevelStudy})
		require.NoError(t, err)
		assert.Empty(t, result.Visible)
		assert.Empty(t, result.NotFound)
	})

	t.Run("blank uid", func(t *testing.T) {
		_, err := e.FilterVisible(ctx, BatchRequest{UserID: f.userID, ProjectID: f.projectID, ResourceLevel: LevelStudy, ResourceUIDs: []string{"1", " "}})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unknown project", func(t *testing.T) {
		_, err := e.FilterVisible(ctx, BatchRequest{UserID: f.userID, ProjectID: 999, ResourceLevel: LevelStudy, ResourceUIDs: []string{fixtureStudyUID}})
		assert.ErrorIs(t, err, ErrProjectNotFound)
	})

	t.Run("missing level", func(t *testing.T) {
		_, err := e.FilterVisible(ctx, BatchRequest{UserID: f.userID, ProjectID: f.projectID, ResourceUIDs: []string{fixtureStudyUID}})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

// flakyGrants fails every exact-level lookup after the prefetch.
type flakyGrants struct {
	GrantFinder
	calls atomic.Int32
}

func (g *flakyGrants) FindActiveGrants(ctx context.Context, userID int64, level ResourceLevel, ids []int64) (map[int64]*ProjectDataAccess, error) {
	g.calls.Add(1)
	return nil, storeError("find active grants", errors.New("replica gone"))
}

func TestFilterVisible_StoreFailureAbortsBatch(t *testing.T) {
	f := newFixture(t)
	grants := &flakyGrants{GrantFinder: f.store}
	e := NewEngine(f.store, f.store, grants, f.store)

	_, err := e.FilterVisible(context.Background(), BatchRequest{
		UserID:        f.userID,
		ProjectID:     f.projectID,
		ResourceLevel: LevelStudy,
		ResourceUIDs:  []string{fixtureStudyUID},
	})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, int32(1), grants.calls.Load())
}

// countingDirectory counts the directory reads made through it.
type countingDirectory struct {
	Directory
	users    atomic.Int32
	projects atomic.Int32
	members  atomic.Int32
}

func (d *countingDirectory) UserExists(ctx context.Context, userID int64) (bool, error) {
	d.users.Add(1)
	return d.Directory.UserExists(ctx, userID)
}

func (d *countingDirectory) ProjectExists(ctx context.Context, projectID int64) (bool, error) {
	d.projects.Add(1)
	return d.Directory.ProjectExists(ctx, projectID)
}

func (d *countingDirectory) MemberRoles(ctx context.Context, userID, projectID int64) ([]int64, bool, error) {
	d.members.Add(1)
	return d.Directory.MemberRoles(ctx, userID, projectID)
}

func TestFilterVisible_ReadsMembershipOnce(t *testing.T) {
	f := batchFixture(t)
	f.roleCondition(t, LevelStudy, ConditionAllow, "InstitutionName", "EQ", "General Hospital", 0)
	directory := &countingDirectory{Directory: f.store}
	e := NewEngine(directory, f.store, f.store, f.store, WithBatchConcurrency(3))

	result, err := e.FilterVisible(context.Background(), BatchRequest{
		UserID:        f.userID,
		ProjectID:     f.projectID,
		ResourceLevel: LevelStudy,
		ResourceUIDs:  []string{"2.1", "2.2", "2.3"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2.1", "2.3"}, result.Visible)
	assert.Equal(t, int32(1), directory.users.Load())
	assert.Equal(t, int32(1), directory.projects.Load())
	assert.Equal(t, int32(1), directory.members.Load())

	outsider, err := e.FilterVisible(context.Background(), BatchRequest{
		UserID:        f.outsiderID,
		ProjectID:     f.projectID,
		ResourceLevel: LevelStudy,
		ResourceUIDs:  []string{"2.1", "2.2"},
	})
	require.NoError(t, err)
	assert.Empty(t, outsider.Visible)
	assert.Equal(t, DecisionMembership, outsider.Results["2.1"].Source)
	assert.Equal(t, int32(2), directory.members.Load())
}

func TestUniqueUIDs(t *testing.T) {
	uids, err := uniqueUIDs([]string{" a ", "b", "a", "c", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, uids)

	_, err = uniqueUIDs([]string{""})
	assert.ErrorIs(t, err, ErrValidation)
}
