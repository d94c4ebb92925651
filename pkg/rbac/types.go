package rbac

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/pacsgate/pkg/dicom"
)

// ResourceLevel is a level of the DICOM hierarchy. Higher values are more
// specific.
type ResourceLevel uint8

const (
	LevelStudy ResourceLevel = iota + 1
	LevelSeries
	LevelInstance
)

// Levels lists the hierarchy from least to most specific.
var Levels = []ResourceLevel{LevelStudy, LevelSeries, LevelInstance}

// ParseResourceLevel parses STUDY, SERIES or INSTANCE in any case.
func ParseResourceLevel(s string) (ResourceLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STUDY":
		return LevelStudy, nil
	case "SERIES":
		return LevelSeries, nil
	case "INSTANCE", "IMAGE":
		return LevelInstance, nil
	default:
		return 0, validationErrorf("unknown resource level %q", s)
	}
}

func (l ResourceLevel) String() string {
	switch l {
	case LevelStudy:
		return "STUDY"
	case LevelSeries:
		return "SERIES"
	case LevelInstance:
		return "INSTANCE"
	default:
		return fmt.Sprintf("LEVEL(%d)", uint8(l))
	}
}

// Valid reports whether l is one of the three hierarchy levels.
func (l ResourceLevel) Valid() bool {
	return l >= LevelStudy && l <= LevelInstance
}

// Parent returns the enclosing level. Study has none.
func (l ResourceLevel) Parent() (ResourceLevel, bool) {
	switch l {
	case LevelSeries:
		return LevelStudy, true
	case LevelInstance:
		return LevelSeries, true
	default:
		return 0, false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l ResourceLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, validationErrorf("invalid resource level %d", uint8(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *ResourceLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Value implements driver.Valuer.
func (l ResourceLevel) Value() (driver.Value, error) {
	if !l.Valid() {
		return nil, validationErrorf("invalid resource level %d", uint8(l))
	}
	return l.String(), nil
}

// Scan implements sql.Scanner.
func (l *ResourceLevel) Scan(src interface{}) error {
	s, err := scanString(src)
	if err != nil {
		return err
	}
	return l.UnmarshalText([]byte(s))
}

// ConditionType is the effect of a matched condition.
type ConditionType uint8

const (
	ConditionAllow ConditionType = iota + 1
	ConditionDeny
	ConditionLimit
)

// ParseConditionType parses ALLOW, DENY or LIMIT in any case.
func ParseConditionType(s string) (ConditionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ALLOW":
		return ConditionAllow, nil
	case "DENY":
		return ConditionDeny, nil
	case "LIMIT":
		return ConditionLimit, nil
	default:
		return 0, validationErrorf("unknown condition type %q", s)
	}
}

func (c ConditionType) String() string {
	switch c {
	case ConditionAllow:
		return "ALLOW"
	case ConditionDeny:
		return "DENY"
	case ConditionLimit:
		return "LIMIT"
	default:
		return fmt.Sprintf("CONDITION(%d)", uint8(c))
	}
}

// Valid reports whether c is a known effect.
func (c ConditionType) Valid() bool {
	return c >= ConditionAllow && c <= ConditionLimit
}

// MarshalText implements encoding.TextMarshaler.
func (c ConditionType) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, validationErrorf("invalid condition type %d", uint8(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ConditionType) UnmarshalText(text []byte) error {
	parsed, err := ParseConditionType(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Value implements driver.Valuer.
func (c ConditionType) Value() (driver.Value, error) {
	if !c.Valid() {
		return nil, validationErrorf("invalid condition type %d", uint8(c))
	}
	return c.String(), nil
}

// Scan implements sql.Scanner.
func (c *ConditionType) Scan(src interface{}) error {
	s, err := scanString(src)
	if err != nil {
		return err
	}
	return c.UnmarshalText([]byte(s))
}

// GrantStatus is the lifecycle state of an explicit grant.
type GrantStatus uint8

const (
	GrantRequested GrantStatus = iota + 1
	GrantApproved
	GrantDenied
	GrantRevoked
)

// ParseGrantStatus parses a status name. PENDING is accepted for REQUESTED.
func ParseGrantStatus(s string) (GrantStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "REQUESTED", "PENDING":
		return GrantRequested, nil
	case "APPROVED":
		return GrantApproved, nil
	case "DENIED":
		return GrantDenied, nil
	case "REVOKED":
		return GrantRevoked, nil
	default:
		return 0, validationErrorf("unknown grant status %q", s)
	}
}

func (g GrantStatus) String() string {
	switch g {
	case GrantRequested:
		return "REQUESTED"
	case GrantApproved:
		return "APPROVED"
	case GrantDenied:
		return "DENIED"
	case GrantRevoked:
		return "REVOKED"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(g))
	}
}

// Valid reports whether g is a known status.
func (g GrantStatus) Valid() bool {
	return g >= GrantRequested && g <= GrantRevoked
}

// Decisive reports whether the status settles a verdict on its own.
func (g GrantStatus) Decisive() bool {
	return g == GrantApproved || g == GrantDenied
}

// MarshalText implements encoding.TextMarshaler.
func (g GrantStatus) MarshalText() ([]byte, error) {
	if !g.Valid() {
		return nil, validationErrorf("invalid grant status %d", uint8(g))
	}
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *GrantStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseGrantStatus(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// Value implements driver.Valuer.
func (g GrantStatus) Value() (driver.Value, error) {
	if !g.Valid() {
		return nil, validationErrorf("invalid grant status %d", uint8(g))
	}
	return g.String(), nil
}

// Scan implements sql.Scanner.
func (g *GrantStatus) Scan(src interface{}) error {
	s, err := scanString(src)
	if err != nil {
		return err
	}
	return g.UnmarshalText([]byte(s))
}

func scanString(src interface{}) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", fmt.Errorf("cannot scan NULL into enum")
	default:
		return "", fmt.Errorf("cannot scan %T into enum", src)
	}
}

// AccessCondition is an immutable rule: a predicate on one DICOM attribute
// with an effect at a resource level. A nil DicomTag matches every resource
// at an applicable level.
type AccessCondition struct {
	ID            int64         `json:"id"`
	ResourceType  string        `json:"resource_type"`
	ResourceLevel ResourceLevel `json:"resource_level"`
	DicomTag      *string       `json:"dicom_tag,omitempty"`
	Operator      string        `json:"operator"`
	Value         *string       `json:"value,omitempty"`
	ConditionType ConditionType `json:"condition_type"`
	Description   string        `json:"description,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Predicate compiles the condition. Tagless conditions return nil, nil.
func (c *AccessCondition) Predicate() (*dicom.Predicate, error) {
	if c.DicomTag == nil || strings.TrimSpace(*c.DicomTag) == "" {
		return nil, nil
	}
	value := ""
	if c.Value != nil {
		value = *c.Value
	}
	return dicom.Compile(*c.DicomTag, c.Operator, value)
}

// Validate checks a condition before it is stored.
func (c *AccessCondition) Validate() error {
	if !c.ResourceLevel.Valid() {
		return validationErrorf("resource_level is required")
	}
	if !c.ConditionType.Valid() {
		return validationErrorf("condition_type is required")
	}
	if c.ResourceType == "" {
		c.ResourceType = "DICOM"
	}
	if c.DicomTag == nil {
		if c.ConditionType == ConditionLimit {
			return validationErrorf("limit conditions need a dicom_tag")
		}
		return nil
	}
	if _, err := c.Predicate(); err != nil {
		return validationErrorf("invalid predicate: %v", err)
	}
	return nil
}

// Subject is the normalised attribute the condition tests, or "" for
// tagless conditions.
func (c *AccessCondition) Subject() dicom.Tag {
	if c.DicomTag == nil {
		return ""
	}
	tag, _ := dicom.ParseTag(*c.DicomTag)
	return tag
}

// BindingSource says whether a condition reached the engine through a role
// or a project.
type BindingSource string

const (
	SourceRole    BindingSource = "role"
	SourceProject BindingSource = "project"
)

// BoundCondition is a condition as listed for one role or project, carrying
// the binding's priority.
type BoundCondition struct {
	AccessCondition
	Source    BindingSource `json:"source"`
	BindingID int64         `json:"binding_id"`
	Priority  int           `json:"priority"`
}

// Label identifies the condition in verdict reasons, e.g. "role_condition_7".
func (b BoundCondition) Label() string {
	return fmt.Sprintf("%s_condition_%d", b.Source, b.ID)
}

// RoleAccessCondition binds a condition to a role.
type RoleAccessCondition struct {
	ID                int64     `json:"id"`
	RoleID            int64     `json:"role_id"`
	AccessConditionID int64     `json:"access_condition_id"`
	Priority          int       `json:"priority"`
	CreatedAt         time.Time `json:"created_at"`
}

// ProjectAccessCondition binds a condition to a project.
type ProjectAccessCondition struct {
	ID                int64     `json:"id"`
	ProjectID         int64     `json:"project_id"`
	AccessConditionID int64     `json:"access_condition_id"`
	Priority          int       `json:"priority"`
	CreatedAt         time.Time `json:"created_at"`
}

// ProjectDataAccess is an explicit per-user grant on one resource.
type ProjectDataAccess struct {
	ID            int64         `json:"id"`
	ProjectID     int64         `json:"project_id"`
	UserID        int64         `json:"user_id"`
	ResourceLevel ResourceLevel `json:"resource_level"`
	StudyID       *int64        `json:"study_id,omitempty"`
	SeriesID      *int64        `json:"series_id,omitempty"`
	InstanceID    *int64        `json:"instance_id,omitempty"`
	Status        GrantStatus   `json:"status"`
	GrantedBy     *int64        `json:"granted_by,omitempty"`
	RevokedBy     *int64        `json:"revoked_by,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ResourceID returns the id of the granted resource at its level.
func (g *ProjectDataAccess) ResourceID() int64 {
	var id *int64
	switch g.ResourceLevel {
	case LevelStudy:
		id = g.StudyID
	case LevelSeries:
		id = g.SeriesID
	case LevelInstance:
		id = g.InstanceID
	}
	if id == nil {
		return 0
	}
	return *id
}

// SetResourceID stores id in the column for the grant's level.
func (g *ProjectDataAccess) SetResourceID(id int64) {
	g.StudyID, g.SeriesID, g.InstanceID = nil, nil, nil
	switch g.ResourceLevel {
	case LevelStudy:
		g.StudyID = &id
	case LevelSeries:
		g.SeriesID = &id
	case LevelInstance:
		g.InstanceID = &id
	}
}

// Node is one resolved resource of the hierarchy with its own attributes.
type Node struct {
	ID        int64         `json:"id"`
	ProjectID int64         `json:"project_id"`
	Level     ResourceLevel `json:"level"`
	UID       string        `json:"uid"`
	ParentID  *int64        `json:"parent_id,omitempty"`
	Tags      dicom.Tags    `json:"tags,omitempty"`
}

// Lineage is a resource followed by its ancestors up to the study.
type Lineage []Node

// Resource returns the evaluated resource.
func (l Lineage) Resource() Node {
	return l[0]
}

// At returns the node at level.
func (l Lineage) At(level ResourceLevel) (Node, bool) {
	for _, n := range l {
		if n.Level == level {
			return n, true
		}
	}
	return Node{}, false
}

// TagsAt returns the attributes visible at level: the study's, shadowed by
// each more specific level down to and including level.
func (l Lineage) TagsAt(level ResourceLevel) dicom.Tags {
	tags := dicom.Tags{}
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].Level > level {
			break
		}
		tags = tags.Merge(l[i].Tags)
	}
	return tags
}

// EvaluationRequest asks whether a user may see a resource.
type EvaluationRequest struct {
	UserID        int64         `json:"user_id"`
	ProjectID     int64         `json:"project_id"`
	ResourceUID   string        `json:"resource_uid"`
	ResourceLevel ResourceLevel `json:"resource_level"`
}

// Validate checks the request shape.
func (r EvaluationRequest) Validate() error {
	if r.UserID <= 0 {
		return validationErrorf("user_id must be positive")
	}
	if r.ProjectID <= 0 {
		return validationErrorf("project_id must be positive")
	}
	if strings.TrimSpace(r.ResourceUID) == "" {
		return validationErrorf("resource_uid is required")
	}
	if !r.ResourceLevel.Valid() {
		return validationErrorf("resource_level is required")
	}
	return nil
}

// DecisionSource names the step that settled a verdict.
type DecisionSource string

const (
	DecisionMembership DecisionSource = "membership"
	DecisionExplicit   DecisionSource = "explicit"
	DecisionInherited  DecisionSource = "inherited"
	DecisionRule       DecisionSource = "rule"
	DecisionDefault    DecisionSource = "default"
)

// EvaluationResult is the verdict of one evaluation.
type EvaluationResult struct {
	Allowed     bool               `json:"allowed"`
	Reason      string             `json:"reason"`
	Constraints []dicom.Constraint `json:"constraints"`

	// ConstraintsSatisfied reports whether the resource's own attributes lie
	// inside Constraints. It never changes Allowed.
	ConstraintsSatisfied bool           `json:"constraints_satisfied"`
	Source               DecisionSource `json:"source"`
	ResourceID           int64          `json:"resource_id,omitempty"`

	lineage Lineage
}

// Lineage returns the resolved resource and its ancestors.
func (r *EvaluationResult) Lineage() Lineage {
	return r.lineage
}

// Verdict returns "ALLOW" or "DENY".
func (r *EvaluationResult) Verdict() string {
	if r.Allowed {
		return "ALLOW"
	}
	return "DENY"
}
