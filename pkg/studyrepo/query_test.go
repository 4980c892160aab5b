package studyrepo

import (
	"context"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/study"
)

func acronyms(res ListResult) []string {
	return lo.Map(res.Items, func(s study.DefinitionSnapshot, _ int) string {
		if s.CurrentMetadata.StudyAcronym == nil {
			return ""
		}
		return *s.CurrentMetadata.StudyAcronym
	})
}

// seedStudies creates GAMMA, ALPHA and BETA in that uid order.
func seedStudies(t *testing.T, f *fixture) {
	t.Helper()
	for _, s := range []struct{ number, acronym, project string }{
		{"0003", "GAMMA", "456"},
		{"0001", "ALPHA", "123"},
		{"0002", "BETA", "123"},
	} {
		uid, err := f.repo.GenerateUID(context.Background(), nil)
		require.NoError(t, err)
		m := baseMetadata()
		m.StudyNumber = study.Ptr(s.number)
		m.StudyAcronym = study.Ptr(s.acronym)
		m.ProjectNumber = study.Ptr(s.project)
		m.StudyTypeCode = study.Ptr("C98388")
		f.create(t, uid, m)
	}
}

func TestList(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		seedStudies(t, f)

		res, err := f.repo.List(ctx, nil, ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"GAMMA", "ALPHA", "BETA"}, acronyms(res))
		assert.Zero(t, res.TotalCount)

		first := res.Items[0]
		assert.Equal(t, "A study of drug X", *first.CurrentMetadata.StudyTitle)
		assert.Equal(t, "456", *first.CurrentMetadata.ProjectNumber)
		assert.Nil(t, first.CurrentMetadata.StudyTypeCode, "listings carry light metadata only")

		res, err = f.repo.List(ctx, nil, ListOptions{SortBy: []SortField{{Field: "study_number", Ascending: true}}})
		require.NoError(t, err)
		assert.Equal(t, []string{"ALPHA", "BETA", "GAMMA"}, acronyms(res))

		res, err = f.repo.List(ctx, nil, ListOptions{
			SortBy:     []SortField{{Field: "study_number", Ascending: false}},
			PageNumber: 2,
			PageSize:   2,
			TotalCount: true,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"ALPHA"}, acronyms(res))
		assert.Equal(t, 3, res.TotalCount)

		res, err = f.repo.List(ctx, nil, ListOptions{
			Filter:     `project_number = "123" and not study_acronym ~ "alp"`,
			TotalCount: true,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"BETA"}, acronyms(res))
		assert.Equal(t, 1, res.TotalCount)

		_, err = f.repo.List(ctx, nil, ListOptions{SortBy: []SortField{{Field: "colour"}}})
		assert.ErrorIs(t, err, study.ErrValidation)
		_, err = f.repo.List(ctx, nil, ListOptions{PageSize: -1})
		assert.ErrorIs(t, err, study.ErrValidation)
		_, err = f.repo.List(ctx, nil, ListOptions{Filter: `colour = "red"`})
		assert.ErrorIs(t, err, study.ErrValidation)
	})
}

func TestListBySelectionPresence(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		seedStudies(t, f)
		require.NoError(t, graph.RunInTx(ctx, f.store, func(tx graph.Tx) error {
			_, err := f.repo.AttachSelection(ctx, tx, "Study_000003", "objectives", nil, "")
			return err
		}))

		res, err := f.repo.List(ctx, nil, ListOptions{HasStudyObjective: study.Ptr(true)})
		require.NoError(t, err)
		assert.Equal(t, []string{"BETA"}, acronyms(res))

		res, err = f.repo.List(ctx, nil, ListOptions{HasStudyObjective: study.Ptr(false)})
		require.NoError(t, err)
		assert.Equal(t, []string{"GAMMA", "ALPHA"}, acronyms(res))
	})
}

func TestListByLibraryItem(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		seedStudies(t, f)
		require.NoError(t, graph.RunInTx(ctx, f.store, func(tx graph.Tx) error {
			if _, err := f.repo.AttachSelection(ctx, tx, "Study_000001", "objectives", nil, "Objective_000001"); err != nil {
				return err
			}
			_, err := f.repo.AttachSelection(ctx, tx, "Study_000002", "objectives", nil, "ObjectiveTemplate_000001")
			return err
		}))

		res, err := f.repo.ListByLibraryItem(ctx, nil, "ObjectiveTemplate_000001", ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"GAMMA", "ALPHA"}, acronyms(res))

		res, err = f.repo.ListByLibraryItem(ctx, nil, "Objective_000001", ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"GAMMA"}, acronyms(res))

		res, err = f.repo.ListByLibraryItem(ctx, nil, "Objective_999999", ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, res.Items)
	})
}

func TestAttachSelection(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.create(t, "S1", baseMetadata())

		attach := func(family, item string) error {
			return graph.RunInTx(ctx, f.store, func(tx graph.Tx) error {
				_, err := f.repo.AttachSelection(ctx, tx, "S1", family, nil, item)
				return err
			})
		}
		assert.ErrorIs(t, attach("colours", ""), study.ErrValidation)
		assert.ErrorIs(t, attach("objectives", "Objective_999999"), study.ErrNotFound)
		assert.ErrorIs(t, graph.RunInTx(ctx, f.store, func(tx graph.Tx) error {
			_, err := f.repo.AttachSelection(ctx, tx, "missing", "objectives", nil, "")
			return err
		}), study.ErrNotFound)
		_, err := f.repo.AttachSelection(ctx, nil, "S1", "objectives", nil, "")
		assert.ErrorIs(t, err, study.ErrPrecondition)

		require.NoError(t, attach("visits", ""))
		require.NoError(t, attach("visits", ""))
		valueID := f.latestValueID(t, "S1")
		f.view(t, func(tx graph.Tx) {
			rels, err := tx.Outgoing(ctx, valueID, "HAS_STUDY_VISIT")
			require.NoError(t, err)
			require.Len(t, rels, 2)
			assert.EqualValues(t, 1, rels[0].Props["order"])
			assert.EqualValues(t, 2, rels[1].Props["order"])
		})

		require.NoError(t, f.update(t, "S1", func(s study.DefinitionSnapshot) (study.DefinitionSnapshot, error) {
			return study.Lock(s, "ABC", "lock", f.tick())
		}))
		var te *study.TransitionError
		assert.ErrorAs(t, attach("visits", ""), &te)
	})
}
