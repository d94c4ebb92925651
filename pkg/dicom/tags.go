package dicom

import "strings"

// Tag identifies a DICOM attribute. Known attributes use their keyword,
// unknown ones their upper-case 8-digit hex form.
type Tag string

// Attributes referenced by the resource hierarchy.
const (
	TagPatientName        Tag = "PatientName"
	TagPatientID          Tag = "PatientID"
	TagPatientBirthDate   Tag = "PatientBirthDate"
	TagPatientSex         Tag = "PatientSex"
	TagStudyDate          Tag = "StudyDate"
	TagStudyTime          Tag = "StudyTime"
	TagAccessionNumber    Tag = "AccessionNumber"
	TagModality           Tag = "Modality"
	TagModalitiesInStudy  Tag = "ModalitiesInStudy"
	TagInstitutionName    Tag = "InstitutionName"
	TagReferringPhysician Tag = "ReferringPhysicianName"
	TagStudyDescription   Tag = "StudyDescription"
	TagSeriesDescription  Tag = "SeriesDescription"
	TagBodyPartExamined   Tag = "BodyPartExamined"
	TagSOPClassUID        Tag = "SOPClassUID"
	TagSOPInstanceUID     Tag = "SOPInstanceUID"
	TagStudyInstanceUID   Tag = "StudyInstanceUID"
	TagSeriesInstanceUID  Tag = "SeriesInstanceUID"
	TagStudyID            Tag = "StudyID"
	TagSeriesNumber       Tag = "SeriesNumber"
	TagInstanceNumber     Tag = "InstanceNumber"
)

type tagInfo struct {
	keyword Tag
	hex     string
	date    bool
}

var dictionary = []tagInfo{
	{TagStudyDate, "00080020", true},
	{TagStudyTime, "00080030", false},
	{TagAccessionNumber, "00080050", false},
	{TagModality, "00080060", false},
	{TagModalitiesInStudy, "00080061", false},
	{TagInstitutionName, "00080080", false},
	{TagReferringPhysician, "00080090", false},
	{TagSOPClassUID, "00080016", false},
	{TagSOPInstanceUID, "00080018", false},
	{TagStudyDescription, "00081030", false},
	{TagSeriesDescription, "0008103E", false},
	{TagPatientName, "00100010", false},
	{TagPatientID, "00100020", false},
	{TagPatientBirthDate, "00100030", true},
	{TagPatientSex, "00100040", false},
	{TagBodyPartExamined, "00180015", false},
	{TagStudyInstanceUID, "0020000D", false},
	{TagSeriesInstanceUID, "0020000E", false},
	{TagStudyID, "00200010", false},
	{TagSeriesNumber, "00200011", false},
	{TagInstanceNumber, "00200013", false},
}

var (
	byHex     = make(map[string]tagInfo, len(dictionary))
	byKeyword = make(map[string]tagInfo, len(dictionary))
)

func init() {
	for _, info := range dictionary {
		byHex[info.hex] = info
		byKeyword[strings.ToLower(string(info.keyword))] = info
	}
}

// ParseTag normalises a tag reference. The boolean reports whether the tag
// is in the dictionary; unknown hex tags are still returned in canonical form.
func ParseTag(raw string) (Tag, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}

	compact := strings.NewReplacer("(", "", ")", "", ",", "", " ", "").Replace(s)
	if isHex8(compact) {
		hex := strings.ToUpper(compact)
		if info, ok := byHex[hex]; ok {
			return info.keyword, true
		}
		return Tag(hex), false
	}

	if info, ok := byKeyword[strings.ToLower(s)]; ok {
		return info.keyword, true
	}
	return Tag(s), false
}

// Hex returns the 8-digit group/element form, or "" for unknown keywords.
func (t Tag) Hex() string {
	if info, ok := byKeyword[strings.ToLower(string(t))]; ok {
		return info.hex
	}
	if isHex8(string(t)) {
		return string(t)
	}
	return ""
}

// IsDate reports whether the attribute has the DA value representation.
func (t Tag) IsDate() bool {
	info, ok := byKeyword[strings.ToLower(string(t))]
	return ok && info.date
}

func (t Tag) String() string {
	return string(t)
}

func isHex8(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// NormalizeDate converts DA values written as YYYY-MM-DD or YYYY.MM.DD to
// YYYYMMDD. Other input is returned trimmed.
func NormalizeDate(v string) string {
	v = strings.TrimSpace(v)
	if len(v) == 10 && (v[4] == '-' || v[4] == '.') && v[7] == v[4] {
		return v[0:4] + v[5:7] + v[8:10]
	}
	return v
}

// Tags holds the attribute values of one resource.
type Tags map[Tag]string

// NewTags builds a tag set from loosely keyed input such as a JSON column.
// Keys are normalised; empty values are skipped.
func NewTags(raw map[string]string) Tags {
	tags := make(Tags, len(raw))
	for k, v := range raw {
		tag, _ := ParseTag(k)
		if tag == "" || strings.TrimSpace(v) == "" {
			continue
		}
		tags.Set(tag, v)
	}
	return tags
}

// Set stores a value, normalising dates. Blank values remove the tag.
func (t Tags) Set(tag Tag, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		delete(t, tag)
		return
	}
	if tag.IsDate() {
		value = NormalizeDate(value)
	}
	t[tag] = value
}

// Get returns the value for a tag.
func (t Tags) Get(tag Tag) (string, bool) {
	v, ok := t[tag]
	return v, ok && v != ""
}

// Merge returns a new set with values from over shadowing those in t.
func (t Tags) Merge(over Tags) Tags {
	merged := make(Tags, len(t)+len(over))
	for k, v := range t {
		merged[k] = v
	}
	for k, v := range over {
		merged[k] = v
	}
	return merged
}

// components splits a multi-valued attribute.
func components(v string) []string {
	parts := strings.Split(v, `\`)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
