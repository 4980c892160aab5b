package studyrepo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstudybuilder/study-mdr/pkg/study"
)

func TestFilter(t *testing.T) {
	snap := study.DefinitionSnapshot{
		UID:    "Study_000001",
		Status: study.StatusDraft,
		CurrentMetadata: study.MetadataSnapshot{
			StudyNumber:   study.Ptr("0001"),
			StudyIDPrefix: study.Ptr("CDISC DEV"),
			StudyAcronym:  study.Ptr("Alpha"),
			ProjectNumber: study.Ptr("123"),
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"equal", `study_number = "0001"`, true},
		{"not equal", `study_number != "0001"`, false},
		{"contains ignores case", `study_acronym ~ "ALP"`, true},
		{"derived study id", `study_id = "CDISC DEV-0001"`, true},
		{"status", `study_status = "DRAFT"`, true},
		{"null", `study_title = null`, true},
		{"not null", `study_title != NULL`, false},
		{"contains on null", `study_title ~ "x"`, false},
		{"and", `study_number = "0001" AND project_number = "456"`, false},
		{"or", `study_number = "0002" OR project_number = "123"`, true},
		{"not", `NOT study_number = "0001"`, false},
		{"group", `NOT (study_number = "0002" or study_acronym = "Beta") and uid = "Study_000001"`, true},
		{"escaped quote", `study_acronym = "Al\"pha"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFilter(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(snap))
		})
	}
}

func TestParseFilterErrors(t *testing.T) {
	for _, expr := range []string{
		`colour = "red"`,
		`study_number =`,
		`study_number "0001"`,
		`(study_number = "0001"`,
		`NOT (colour = "red")`,
	} {
		_, err := ParseFilter(expr)
		var ve *study.ValidationError
		require.ErrorAs(t, err, &ve, expr)
		assert.Equal(t, "filter", ve.Field)
	}

	f, err := ParseFilterOrNil("")
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.True(t, f.Match(study.DefinitionSnapshot{}))
}
