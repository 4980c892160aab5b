package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func newGormTestStore(t *testing.T) *GormStore {
	t.Helper()
	s := NewGormStore(newTestDB(t))
	require.NoError(t, s.AutoMigrate())
	return s
}

// forEachStore runs fn against every backend.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("gorm", func(t *testing.T) { fn(t, newGormTestStore(t)) })
}

func TestNodesAndRelationships(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var rootID, valueID string

		err := RunInTx(ctx, s, func(tx Tx) error {
			root := &Node{Label: "StudyRoot", Key: "Study_000001", Props: Props{"uid": "Study_000001"}}
			require.NoError(t, tx.CreateNode(ctx, root))
			value := &Node{Label: "StudyValue", Props: Props{"study_number": "0001", "count": 3}}
			require.NoError(t, tx.CreateNode(ctx, value))
			rootID, valueID = root.ID, value.ID

			start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
			v := 1
			return tx.CreateRelationship(ctx, &Relationship{
				Type:         "LATEST_DRAFT",
				From:         root.ID,
				To:           value.ID,
				StartDate:    &start,
				Status:       "DRAFT",
				UserInitials: "ABC",
				Version:      &v,
			})
		})
		require.NoError(t, err)

		err = RunInTx(ctx, s, func(tx Tx) error {
			root, err := tx.FindNode(ctx, "StudyRoot", "Study_000001")
			require.NoError(t, err)
			require.NotNil(t, root)
			assert.Equal(t, rootID, root.ID)
			assert.Equal(t, "Study_000001", root.StringProp("uid"))

			value, err := tx.GetNode(ctx, valueID)
			require.NoError(t, err)
			// Numbers decode as float64 on every backend.
			assert.Equal(t, float64(3), value.Prop("count"))

			rels, err := tx.Outgoing(ctx, rootID, "LATEST_DRAFT")
			require.NoError(t, err)
			require.Len(t, rels, 1)
			rel := rels[0]
			assert.Equal(t, valueID, rel.To)
			assert.True(t, rel.IsOpen())
			assert.Equal(t, "ABC", rel.UserInitials)
			require.NotNil(t, rel.Version)
			assert.Equal(t, 1, *rel.Version)
			assert.True(t, rel.StartDate.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))

			end := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
			rel.EndDate = &end
			require.NoError(t, tx.UpdateRelationship(ctx, rel))

			in, err := tx.Incoming(ctx, valueID)
			require.NoError(t, err)
			require.Len(t, in, 1)
			assert.False(t, in[0].IsOpen())
			return nil
		})
		require.NoError(t, err)
	})
}

func TestMissingLookupsReturnNil(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()

		n, err := tx.GetNode(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, n)

		n, err = tx.FindNode(ctx, "StudyRoot", "missing")
		require.NoError(t, err)
		assert.Nil(t, n)

		rels, err := tx.Outgoing(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, rels)
	})
}

func TestRollbackDiscardsWrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		boom := errors.New("boom")
		err := RunInTx(ctx, s, func(tx Tx) error {
			require.NoError(t, tx.CreateNode(ctx, &Node{Label: "StudyRoot", Key: "S1"}))
			return boom
		})
		require.ErrorIs(t, err, boom)

		err = RunInTx(ctx, s, func(tx Tx) error {
			nodes, err := tx.ListNodes(ctx, "StudyRoot")
			require.NoError(t, err)
			assert.Empty(t, nodes)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestRelationshipOrderAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		err := RunInTx(ctx, s, func(tx Tx) error {
			from := &Node{Label: "StudyValue"}
			require.NoError(t, tx.CreateNode(ctx, from))
			var ids []string
			for i := 0; i < 5; i++ {
				to := &Node{Label: "StudyObjective"}
				require.NoError(t, tx.CreateNode(ctx, to))
				r := &Relationship{Type: "has_study_objective", From: from.ID, To: to.ID, Props: Props{"order": i}}
				require.NoError(t, tx.CreateRelationship(ctx, r))
				ids = append(ids, r.ID)
			}
			require.NoError(t, tx.DeleteRelationship(ctx, ids[2]))

			rels, err := tx.Outgoing(ctx, from.ID, "has_study_objective")
			require.NoError(t, err)
			require.Len(t, rels, 4)
			for i, want := range []float64{0, 1, 3, 4} {
				assert.Equal(t, want, rels[i].Props["order"])
			}

			other, err := tx.Outgoing(ctx, from.ID, "has_study_endpoint")
			require.NoError(t, err)
			assert.Empty(t, other)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestNextSequence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for want := int64(1); want <= 3; want++ {
			err := RunInTx(ctx, s, func(tx Tx) error {
				require.NoError(t, tx.Lock(ctx, "study:S1"))
				got, err := tx.NextSequence(ctx, "StudyRoot")
				require.NoError(t, err)
				assert.Equal(t, want, got)
				return nil
			})
			require.NoError(t, err)
		}
	})
}

func TestTxDone(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.ErrorIs(t, tx.Commit(), ErrTxDone)
		assert.ErrorIs(t, tx.Rollback(), ErrTxDone)
		_, err = tx.ListNodes(ctx, "StudyRoot")
		assert.ErrorIs(t, err, ErrTxDone)
	})
}

func TestSingle(t *testing.T) {
	r, err := Single(nil)
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = Single([]*Relationship{{Type: "LATEST"}, {Type: "LATEST"}})
	assert.Error(t, err)
}
