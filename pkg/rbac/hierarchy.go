package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/platinummonkey/pacsgate/pkg/dicom"
)

type tagColumn struct {
	column string
	tag    dicom.Tag
}

// levelSchema maps one hierarchy table. Promoted attributes live in their
// own columns; everything else is kept in the tags JSON document.
type levelSchema struct {
	level       ResourceLevel
	table       string
	uidColumn   string
	uidTag      dicom.Tag
	ownerColumn string
	from        string
	parentExpr  string
	projectExpr string
	columns     []tagColumn
}

var hierarchySchemas = map[ResourceLevel]levelSchema{
	LevelStudy: {
		level:       LevelStudy,
		table:       "project_data_study",
		uidColumn:   "study_uid",
		uidTag:      dicom.TagStudyInstanceUID,
		ownerColumn: "project_id",
		from:        "project_data_study x",
		parentExpr:  "CAST(NULL AS BIGINT)",
		projectExpr: "x.project_id",
		columns: []tagColumn{
			{"patient_id", dicom.TagPatientID},
			{"patient_name", dicom.TagPatientName},
			{"patient_birth_date", dicom.TagPatientBirthDate},
			{"patient_sex", dicom.TagPatientSex},
			{"study_date", dicom.TagStudyDate},
			{"study_description", dicom.TagStudyDescription},
			{"accession_number", dicom.TagAccessionNumber},
			{"modalities_in_study", dicom.TagModalitiesInStudy},
			{"institution_name", dicom.TagInstitutionName},
		},
	},
	LevelSeries: {
		level:       LevelSeries,
		table:       "project_data_series",
		uidColumn:   "series_uid",
		uidTag:      dicom.TagSeriesInstanceUID,
		ownerColumn: "study_id",
		from:        "project_data_series x JOIN project_data_study s ON s.id = x.study_id",
		parentExpr:  "x.study_id",
		projectExpr: "s.project_id",
		columns: []tagColumn{
			{"modality", dicom.TagModality},
			{"series_description", dicom.TagSeriesDescription},
			{"body_part_examined", dicom.TagBodyPartExamined},
			{"series_number", dicom.TagSeriesNumber},
		},
	},
	LevelInstance: {
		level:       LevelInstance,
		table:       "project_data_instance",
		uidColumn:   "instance_uid",
		uidTag:      dicom.TagSOPInstanceUID,
		ownerColumn: "series_id",
		from:        "project_data_instance x JOIN project_data_series r ON r.id = x.series_id JOIN project_data_study s ON s.id = r.study_id",
		parentExpr:  "x.series_id",
		projectExpr: "s.project_id",
		columns: []tagColumn{
			{"sop_class_uid", dicom.TagSOPClassUID},
			{"instance_number", dicom.TagInstanceNumber},
		},
	},
}

func schemaFor(level ResourceLevel) (levelSchema, error) {
	schema, ok := hierarchySchemas[level]
	if !ok {
		return levelSchema{}, validationErrorf("invalid resource level %d", uint8(level))
	}
	return schema, nil
}

func (ls levelSchema) selectClause() string {
	cols := make([]string, 0, len(ls.columns)+5)
	cols = append(cols, "x.id", "x."+ls.uidColumn, ls.parentExpr, ls.projectExpr)
	for _, c := range ls.columns {
		cols = append(cols, "x."+c.column)
	}
	cols = append(cols, "x.tags")
	return "SELECT " + strings.Join(cols, ", ") + " FROM " + ls.from
}

func (ls levelSchema) scan(row rowScanner) (*Node, error) {
	var (
		node     = Node{Level: ls.level}
		parentID sql.NullInt64
		extra    sql.NullString
		values   = make([]sql.NullString, len(ls.columns))
	)
	dest := []interface{}{&node.ID, &node.UID, &parentID, &node.ProjectID}
	for i := range values {
		dest = append(dest, &values[i])
	}
	dest = append(dest, &extra)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	tags, err := decodeTags(extra.String)
	if err != nil {
		return nil, fmt.Errorf("%s %d: %w", ls.level, node.ID, err)
	}
	for i, c := range ls.columns {
		if values[i].Valid {
			tags.Set(c.tag, values[i].String)
		}
	}
	tags.Set(ls.uidTag, node.UID)
	if ls.level == LevelStudy {
		studyModality(tags)
	}

	node.ParentID = nullInt64Ptr(parentID)
	node.Tags = tags
	return &node, nil
}

// studyModality exposes the modalities of a study under Modality as well,
// so a study-level Modality condition matches any series modality. An
// explicit study Modality is kept.
func studyModality(tags dicom.Tags) {
	if _, ok := tags.Get(dicom.TagModality); ok {
		return
	}
	if v, ok := tags.Get(dicom.TagModalitiesInStudy); ok {
		tags.Set(dicom.TagModality, v)
	}
}

// withModalitiesInStudy returns the study tags with ModalitiesInStudy
// derived from the series when the archive did not report it.
func withModalitiesInStudy(study StudyRecord) map[string]string {
	if _, ok := dicom.NewTags(study.Tags).Get(dicom.TagModalitiesInStudy); ok {
		return study.Tags
	}

	var modalities []string
	seen := make(map[string]struct{})
	for _, series := range study.Series {
		v, ok := dicom.NewTags(series.Tags).Get(dicom.TagModality)
		if !ok {
			continue
		}
		for _, m := range strings.Split(v, `\`) {
			m = strings.ToUpper(strings.TrimSpace(m))
			if _, dup := seen[m]; m == "" || dup {
				continue
			}
			seen[m] = struct{}{}
			modalities = append(modalities, m)
		}
	}
	if len(modalities) == 0 {
		return study.Tags
	}

	raw := make(map[string]string, len(study.Tags)+1)
	for k, v := range study.Tags {
		raw[k] = v
	}
	raw[string(dicom.TagModalitiesInStudy)] = strings.Join(modalities, `\`)
	return raw
}

// decodeTags reads the JSON attribute document. Numbers are kept in their
// shortest form and arrays become DICOM multi-values.
func decodeTags(doc string) (dicom.Tags, error) {
	if strings.TrimSpace(doc) == "" {
		return dicom.Tags{}, nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("invalid tags document: %w", err)
	}

	flat := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := tagValue(v); ok {
			flat[k] = s
		}
	}
	return dicom.NewTags(flat), nil
}

func tagValue(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := tagValue(item); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, `\`), len(parts) > 0
	}
	return "", false
}

// Resolve finds the resource with uid at level inside the project.
func (s *Store) Resolve(ctx context.Context, projectID int64, level ResourceLevel, uid string) (*Node, error) {
	schema, err := schemaFor(level)
	if err != nil {
		return nil, err
	}

	query := schema.selectClause() + `
		WHERE ` + schema.projectExpr + ` = $1 AND x.` + schema.uidColumn + ` = $2
		ORDER BY x.id
		LIMIT 1
	`

	node, err := schema.scan(s.pools.Replica().QueryRowContext(ctx, query, projectID, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s in project %d", ErrResourceNotFound, level, uid, projectID)
	}
	if err != nil {
		return nil, storeError("resolve "+strings.ToLower(level.String()), err)
	}
	return node, nil
}

// Ancestors returns the resource followed by each parent up to its study.
func (s *Store) Ancestors(ctx context.Context, resourceID int64, level ResourceLevel) (Lineage, error) {
	var lineage Lineage
	for {
		node, err := s.node(ctx, level, resourceID)
		if err != nil {
			return nil, err
		}
		lineage = append(lineage, *node)

		parent, ok := level.Parent()
		if !ok {
			return lineage, nil
		}
		if node.ParentID == nil {
			return nil, fmt.Errorf("%w: %s %d has no parent", ErrResourceNotFound, level, resourceID)
		}
		level, resourceID = parent, *node.ParentID
	}
}

func (s *Store) node(ctx context.Context, level ResourceLevel, id int64) (*Node, error) {
	schema, err := schemaFor(level)
	if err != nil {
		return nil, err
	}

	node, err := schema.scan(s.pools.Replica().QueryRowContext(ctx, schema.selectClause()+` WHERE x.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %d", ErrResourceNotFound, level, id)
	}
	if err != nil {
		return nil, storeError("load "+strings.ToLower(level.String()), err)
	}
	return node, nil
}

// InstanceRecord describes one instance to register.
type InstanceRecord struct {
	UID  string            `json:"instance_uid" yaml:"instance_uid"`
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// SeriesRecord describes one series and its instances.
type SeriesRecord struct {
	UID       string            `json:"series_uid" yaml:"series_uid"`
	Tags      map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Instances []InstanceRecord  `json:"instances,omitempty" yaml:"instances,omitempty"`
}

// StudyRecord describes a study tree as reported by the archive.
type StudyRecord struct {
	UID    string            `json:"study_uid" yaml:"study_uid"`
	Tags   map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Series []SeriesRecord    `json:"series,omitempty" yaml:"series,omitempty"`
}

// Validate checks that every level carries a well-formed UID.
func (r StudyRecord) Validate() error {
	if strings.TrimSpace(r.UID) == "" {
		return validationErrorf("study_uid is required")
	}
	if !dicom.ValidUID(r.UID) {
		return validationErrorf("invalid study_uid %q", r.UID)
	}
	for _, series := range r.Series {
		if !dicom.ValidUID(series.UID) {
			return validationErrorf("invalid series_uid %q in study %s", series.UID, r.UID)
		}
		for _, inst := range series.Instances {
			if !dicom.ValidUID(inst.UID) {
				return validationErrorf("invalid instance_uid %q in series %s", inst.UID, series.UID)
			}
		}
	}
	return nil
}

// RegisterResult summarises a RegisterStudy call.
type RegisterResult struct {
	StudyID   int64 `json:"study_id"`
	Series    int   `json:"series"`
	Instances int   `json:"instances"`
}

// RegisterStudy inserts or refreshes a study tree in one transaction.
// Existing resources keep their ids, so grants on them survive.
func (s *Store) RegisterStudy(ctx context.Context, projectID int64, study StudyRecord) (*RegisterResult, error) {
	if err := study.Validate(); err != nil {
		return nil, err
	}
	ok, err := s.exists(ctx, s.pools.Primary(), `SELECT 1 FROM security_project WHERE id = $1`, projectID)
	if err != nil {
		return nil, storeError("look up project", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrProjectNotFound, projectID)
	}

	tx, err := s.pools.Primary().BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("begin transaction", err)
	}
	defer tx.Rollback()

	result := &RegisterResult{}
	result.StudyID, err = s.upsertNode(ctx, tx, projectID, LevelStudy, projectID, study.UID, withModalitiesInStudy(study))
	if err != nil {
		return nil, err
	}

	for _, series := range study.Series {
		seriesID, err := s.upsertNode(ctx, tx, projectID, LevelSeries, result.StudyID, series.UID, series.Tags)
		if err != nil {
			return nil, err
		}
		result.Series++

		for _, inst := range series.Instances {
			if _, err := s.upsertNode(ctx, tx, projectID, LevelInstance, seriesID, inst.UID, inst.Tags); err != nil {
				return nil, err
			}
			result.Instances++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storeError("commit transaction", err)
	}
	return result, nil
}

// upsertNode inserts or refreshes one resource under ownerID. A UID that
// already belongs to another parent in the project is rejected: Resolve
// looks resources up by project and UID alone.
func (s *Store) upsertNode(ctx context.Context, tx *sql.Tx, projectID int64, level ResourceLevel, ownerID int64, uid string, raw map[string]string) (int64, error) {
	schema, err := schemaFor(level)
	if err != nil {
		return 0, err
	}
	uid = strings.TrimSpace(uid)

	if level != LevelStudy {
		var otherOwner int64
		err := tx.QueryRowContext(ctx, `
			SELECT x.`+schema.ownerColumn+` FROM `+schema.from+`
			WHERE `+schema.projectExpr+` = $1 AND x.`+schema.uidColumn+` = $2 AND x.`+schema.ownerColumn+` <> $3
			LIMIT 1
		`, projectID, uid, ownerID).Scan(&otherOwner)
		switch {
		case err == nil:
			parent, _ := level.Parent()
			return 0, validationErrorf("%s %s is already registered under %s %d in project %d",
				strings.ToLower(level.String()), uid, strings.ToLower(parent.String()), otherOwner, projectID)
		case !errors.Is(err, sql.ErrNoRows):
			return 0, storeError("check "+strings.ToLower(level.String())+" "+uid, err)
		}
	}

	tags := dicom.NewTags(raw)
	delete(tags, schema.uidTag)

	columns := []string{schema.ownerColumn, schema.uidColumn}
	args := []interface{}{ownerID, uid}
	var updates []string
	for _, c := range schema.columns {
		value, _ := tags.Get(c.tag)
		delete(tags, c.tag)
		columns = append(columns, c.column)
		args = append(args, nullString(value))
		updates = append(updates, c.column+" = EXCLUDED."+c.column)
	}

	doc, err := json.Marshal(tags)
	if err != nil {
		return 0, fmt.Errorf("failed to encode tags: %w", err)
	}
	now := s.now()
	columns = append(columns, "tags", "created_at", "updated_at")
	args = append(args, string(doc), now, now)
	updates = append(updates, "tags = EXCLUDED.tags", "updated_at = EXCLUDED.updated_at")

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := `
		INSERT INTO ` + schema.table + ` (` + strings.Join(columns, ", ") + `)
		VALUES (` + strings.Join(placeholders, ", ") + `)
		ON CONFLICT (` + schema.ownerColumn + `, ` + schema.uidColumn + `) DO UPDATE SET ` + strings.Join(updates, ", ") + `
		RETURNING id
	`

	var id int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, storeError("register "+strings.ToLower(level.String())+" "+uid, err)
	}
	return id, nil
}
