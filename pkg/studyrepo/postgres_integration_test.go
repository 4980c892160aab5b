//go:build integration

package studyrepo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/openstudybuilder/study-mdr/pkg/graph"
	"github.com/openstudybuilder/study-mdr/pkg/study"
)

func newPostgresStore(t *testing.T) graph.Store {
	t.Helper()
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("study_mdr"),
		tcpostgres.WithUsername("study"),
		tcpostgres.WithPassword("study"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := graph.OpenDB("postgres", dsn, 8)
	require.NoError(t, err)
	store := graph.NewGormStore(db)
	require.NoError(t, store.AutoMigrate())
	return store
}

func TestPostgresRoundTrip(t *testing.T) {
	f := newFixture(t, newPostgresStore(t))
	f.create(t, "Study_000001", baseMetadata())

	require.NoError(t, f.edit(t, "Study_000001", func(m *study.MetadataSnapshot) {
		m.StudyTitle = study.Ptr("A study of drug Y")
	}))
	require.NoError(t, f.update(t, "Study_000001", func(s study.DefinitionSnapshot) (study.DefinitionSnapshot, error) {
		return study.Lock(s, "ABC", "first lock", f.tick())
	}))

	snap := f.load(t, "Study_000001")
	require.NotNil(t, snap)
	assert.Equal(t, study.StatusLocked, snap.Status)
	require.Len(t, snap.LockedMetadataVersions, 1)
	assert.Equal(t, "A study of drug Y", *snap.LockedMetadataVersions[0].StudyTitle)

	trail, err := f.repo.AuditTrail(context.Background(), nil, "Study_000001")
	require.NoError(t, err)
	assert.NotEmpty(t, trail)
}

// Concurrent writers of one study are serialized by the advisory lock, so
// neither edit is lost.
func TestPostgresConcurrentSavesSerialize(t *testing.T) {
	f := newFixture(t, newPostgresStore(t))
	f.create(t, "Study_000001", baseMetadata())
	ctx := context.Background()

	edits := map[string]func(m *study.MetadataSnapshot){
		"title":       func(m *study.MetadataSnapshot) { m.StudyTitle = study.Ptr("concurrent title") },
		"short_title": func(m *study.MetadataSnapshot) { m.StudyShortTitle = study.Ptr("concurrent short title") },
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(edits))
	for _, edit := range edits {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- graph.RunInTx(ctx, f.store, func(tx graph.Tx) error {
				snap, cl, err := f.repo.Load(ctx, tx, "Study_000001", true)
				if err != nil {
					return err
				}
				next, err := study.EditMetadata(*snap, time.Now().UTC(), func(m *study.MetadataSnapshot) error {
					edit(m)
					return nil
				})
				if err != nil {
					return err
				}
				return f.repo.Save(ctx, tx, next, cl)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap := f.load(t, "Study_000001")
	require.NotNil(t, snap)
	assert.Equal(t, "concurrent title", *snap.CurrentMetadata.StudyTitle)
	assert.Equal(t, "concurrent short title", *snap.CurrentMetadata.StudyShortTitle)
}
