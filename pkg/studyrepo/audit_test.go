package studyrepo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstudybuilder/study-mdr/pkg/study"
)

func changesOf(entries []AuditTrailEntry, date time.Time, action string) map[string]FieldChange {
	out := map[string]FieldChange{}
	for _, e := range entries {
		if !e.Date.Equal(date) || e.Action != action {
			continue
		}
		for _, c := range e.Changes {
			out[c.Field] = c
		}
	}
	return out
}

func TestAuditTrail(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		m := baseMetadata()
		m.CtGovID = study.Ptr("NCT1")
		created := f.create(t, "S1", m)
		createdAt := *created.CurrentMetadata.VersionTimestamp

		require.NoError(t, f.edit(t, "S1", func(m *study.MetadataSnapshot) {
			m.StudyTitle = study.Ptr("Second title")
			m.TrialTypeCodes = []string{"C49656"}
			m.CtGovID = nil
			m.CtGovIDNullValueCode = study.Ptr("C48660")
		}))
		editedAt := f.clock

		entries, err := f.repo.AuditTrail(ctx, nil, "S1")
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		assert.True(t, entries[0].Date.Equal(editedAt), "newest first")
		for _, e := range entries {
			assert.Equal(t, "S1", e.StudyUID)
			assert.Equal(t, "ABC", e.Author)
			assert.NotEmpty(t, e.Changes)
		}

		edits := changesOf(entries, editedAt, ActionEdit)
		assert.Equal(t, map[string]FieldChange{
			"study_title": {
				Section: study.SectionDescription, Field: "study_title",
				Before: study.Ptr("A study of drug X"), After: study.Ptr("Second title"),
			},
			"ct_gov_id": {
				Section: study.SectionRegistry, Field: "ct_gov_id",
				Before: study.Ptr("NCT1"),
			},
			"ct_gov_id_null_value_code": {
				Section: study.SectionRegistry, Field: "ct_gov_id_null_value_code",
				After: study.Ptr("C48660"),
			},
		}, edits)

		creates := changesOf(entries, editedAt, ActionCreate)
		require.Contains(t, creates, "trial_type")
		assert.Equal(t, study.SectionHighLevel, creates["trial_type"].Section)
		assert.Nil(t, creates["trial_type"].Before)
		assert.Equal(t, "C49656", *creates["trial_type"].After)
		assert.Len(t, creates, 1)

		initial := changesOf(entries, createdAt, ActionCreate)
		assert.Equal(t, "0001", *initial["study_number"].After)
		assert.Equal(t, "ACR", *initial["study_acronym"].After)
		assert.Equal(t, "CDISC DEV-0001", *initial["study_id"].After)
		assert.Equal(t, study.SectionIdentification, initial["project_number"].Section)
		assert.Equal(t, "123", *initial["project_number"].After)
		assert.Equal(t, "NCT1", *initial["ct_gov_id"].After)

		missing, err := f.repo.AuditTrail(ctx, nil, "missing")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestAuditTrailOmitsEmptyEntries(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.create(t, "S1", baseMetadata())
		before, err := f.repo.AuditTrail(ctx, nil, "S1")
		require.NoError(t, err)

		// Locking moves the study to a new value node without changing
		// any reported field.
		require.NoError(t, f.update(t, "S1", func(s study.DefinitionSnapshot) (study.DefinitionSnapshot, error) {
			return study.Lock(s, "ABC", "lock", f.tick())
		}))
		after, err := f.repo.AuditTrail(ctx, nil, "S1")
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestDisplayValue(t *testing.T) {
	assert.Nil(t, displayValue(nil))
	assert.Equal(t, "true", *displayValue(true))
	assert.Equal(t, "120", *displayValue(float64(120)))
	assert.Equal(t, "1.5", *displayValue(1.5))
	assert.Equal(t, "C1, C2", *displayValue([]any{"C1", "C2"}))
	assert.Equal(t, "text", *displayValue("text"))
}
