package dicom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperator(t *testing.T) {
	tests := []struct {
		input string
		want  Operator
	}{
		{"=", OpEqual},
		{"eq", OpEqual},
		{"EQUALS", OpEqual},
		{"!=", OpNotEqual},
		{"not_equals", OpNotEqual},
		{"in", OpIn},
		{"not in", OpNotIn},
		{"range", OpRange},
		{"BETWEEN", OpRange},
		{"like", OpContains},
		{"starts_with", OpPrefix},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseOperator(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseOperator("~=")
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestCompile(t *testing.T) {
	t.Run("range with iso dates", func(t *testing.T) {
		p, err := Compile("StudyDate", "range", "2024-01-01..2024-12-31")
		require.NoError(t, err)
		assert.Equal(t, TagStudyDate, p.Tag)
		assert.Equal(t, "20240101", p.Lower)
		assert.Equal(t, "20241231", p.Upper)
		assert.Equal(t, "RANGE 20240101..20241231", p.String())
	})

	t.Run("dicom range form", func(t *testing.T) {
		p, err := Compile("00080020", "BETWEEN", "20240101-20241231")
		require.NoError(t, err)
		assert.Equal(t, "20240101", p.Lower)
		assert.Equal(t, "20241231", p.Upper)
	})

	t.Run("open range", func(t *testing.T) {
		p, err := Compile("StudyDate", "RANGE", "20240101-")
		require.NoError(t, err)
		assert.Equal(t, "20240101", p.Lower)
		assert.Empty(t, p.Upper)
	})

	t.Run("in list", func(t *testing.T) {
		p, err := Compile("Modality", "IN", "MR, CT,")
		require.NoError(t, err)
		assert.Equal(t, []string{"MR", "CT"}, p.Values)
		assert.Equal(t, "IN CT,MR", p.String())
	})

	t.Run("errors", func(t *testing.T) {
		_, err := Compile("", "=", "CT")
		assert.ErrorIs(t, err, ErrMissingTag)

		_, err = Compile("Modality", "=", " ")
		assert.ErrorIs(t, err, ErrMissingValue)

		_, err = Compile("Modality", "matches", "CT")
		assert.ErrorIs(t, err, ErrUnknownOperator)

		_, err = Compile("StudyDate", "RANGE", "2024-01-01-2024-12-31")
		assert.ErrorIs(t, err, ErrInvalidRange)

		_, err = Compile("StudyDate", "RANGE", "..")
		assert.ErrorIs(t, err, ErrInvalidRange)

		_, err = Compile("Modality", "IN", ",,")
		assert.ErrorIs(t, err, ErrMissingValue)
	})
}

func TestPredicate_Match(t *testing.T) {
	tags := Tags{
		TagModality:         `CT\PT`,
		TagPatientID:        "BAD123",
		TagStudyDate:        "20240615",
		TagStudyDescription: "Chest CT with contrast",
		TagSeriesNumber:     "12",
	}

	tests := []struct {
		name  string
		tag   string
		op    string
		value string
		want  bool
	}{
		{"equal single component", "Modality", "=", "CT", true},
		{"equal other component", "00080060", "EQ", "PT", true},
		{"equal miss", "Modality", "=", "MR", false},
		{"not equal when a component matches", "Modality", "!=", "CT", false},
		{"not equal", "Modality", "!=", "MR", true},
		{"in", "Modality", "IN", "MR,PT", true},
		{"not in", "Modality", "NOT_IN", "MR,US", true},
		{"range inside", "StudyDate", "RANGE", "20240101-20241231", true},
		{"range outside", "StudyDate", "RANGE", "2025-01-01..2025-12-31", false},
		{"range open upper", "StudyDate", "RANGE", "20240615..", true},
		{"numeric range", "SeriesNumber", "RANGE", "2..20", true},
		{"contains any case", "StudyDescription", "LIKE", "%contrast%", true},
		{"prefix", "PatientID", "PREFIX", "BAD", true},
		{"missing tag", "AccessionNumber", "=", "A1", false},
		{"missing tag negated", "AccessionNumber", "!=", "A1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.tag, tt.op, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Match(tags))
		})
	}
}

func TestPredicate_MatchNormalisesDates(t *testing.T) {
	p, err := Compile("StudyDate", "=", "20250301")
	require.NoError(t, err)
	assert.True(t, p.Match(Tags{TagStudyDate: "2025-03-01"}))
}
