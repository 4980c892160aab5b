package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/openstudybuilder/study-mdr/pkg/authz"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	s := NewStore(db)
	require.NoError(t, s.AutoMigrate())
	return s
}

func TestPathHelpers(t *testing.T) {
	tests := []struct {
		method, path string
		uid, action  string
	}{
		{http.MethodPost, "/api/v1/studies", "", "create"},
		{http.MethodPatch, "/api/v1/studies/Study_000001", "Study_000001", "edit"},
		{http.MethodPost, "/api/v1/studies/Study_000001/actions/lock", "Study_000001", "lock"},
		{http.MethodPost, "/api/v1/studies/Study_000001/selections/objectives", "Study_000001", "select-objectives"},
		{http.MethodPost, "/api/v1/reference-data", "", "seed-reference-data"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.uid, studyUIDFromPath(tt.path))
			assert.Equal(t, tt.action, actionFromRequest(tt.method, tt.path))
		})
	}

	assert.True(t, isMutating(http.MethodPost, "/api/v1/studies"))
	assert.False(t, isMutating(http.MethodGet, "/api/v1/studies"))
	assert.False(t, isMutating(http.MethodPost, "/healthz"))
	assert.Equal(t, "success", outcomeFromStatus(http.StatusCreated))
	assert.Equal(t, "denied", outcomeFromStatus(http.StatusUnauthorized))
	assert.Equal(t, "failure", outcomeFromStatus(http.StatusConflict))
}

func serveWith(h http.Handler, method, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if user != "" {
		req = req.WithContext(authz.WithIdentity(req.Context(), authz.Identity{User: user}))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareRecordsMutatingRequests(t *testing.T) {
	store := newTestStore(t)
	status := http.StatusOK
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(status) })
	h := middleware.RequestID(Middleware(store, Settings{Enabled: true, LogDenied: true}, nil)(inner))

	serveWith(h, http.MethodGet, "/api/v1/studies", "ABC")
	serveWith(h, http.MethodPost, "/api/v1/studies/Study_000001/actions/lock", "ABC")
	status = http.StatusForbidden
	serveWith(h, http.MethodPatch, "/api/v1/studies/Study_000002", "")

	events, next, total, err := store.List(ListFilter{}, 10, "")
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Equal(t, 2, total)

	byAction := map[string]RequestEvent{}
	for _, ev := range events {
		byAction[ev.Action] = ev
	}
	lock := byAction["lock"]
	assert.Equal(t, "ABC", lock.Actor)
	assert.Equal(t, "Study_000001", lock.StudyUID)
	assert.Equal(t, "success", lock.Outcome)
	assert.NotEmpty(t, lock.RequestID)
	assert.Equal(t, lock.RequestID, lock.CorrelationID)

	denied := byAction["edit"]
	assert.Equal(t, "anonymous", denied.Actor)
	assert.Equal(t, "denied", denied.Outcome)
	assert.Equal(t, http.StatusForbidden, denied.StatusCode)

	quiet := Middleware(store, Settings{Enabled: true}, nil)(inner)
	serveWith(quiet, http.MethodPost, "/api/v1/studies", "ABC")
	_, _, total, err = store.List(ListFilter{}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total, "denied requests are skipped when LogDenied is off")

	disabled := Middleware(store, Settings{}, nil)(inner)
	rec := serveWith(disabled, http.MethodPost, "/api/v1/studies", "ABC")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStoreListPagination(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, actor := range []string{"ABC", "ABC", "XYZ"} {
		require.NoError(t, store.Append(&RequestEvent{
			ID: string(rune('a' + i)), Actor: actor, Method: http.MethodPost, Path: "/api/v1/studies",
			Action: "create", Outcome: "success", CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	page, next, total, err := store.List(ListFilter{}, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].ID)
	require.NotEmpty(t, next)

	page, next, _, err = store.List(ListFilter{}, 2, next)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].ID)
	assert.Empty(t, next)

	page, _, total, err = store.List(ListFilter{Actor: "XYZ"}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "c", page[0].ID)

	_, _, _, err = store.List(ListFilter{}, 10, "yesterday")
	assert.Error(t, err)

	ev, err := store.GetByID("b")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "ABC", ev.Actor)
	ev, err = store.GetByID("missing")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestRouter(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append(&RequestEvent{ID: "e1", Actor: "ABC", Method: "POST", Path: "/x", Action: "create", Outcome: "success", CreatedAt: time.Now()}))

	r := chi.NewRouter()
	r.Mount("/request-log", Router(store))

	rec := serveWith(r, http.MethodGet, "/request-log/?actor=ABC", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []RequestEvent `json:"events"`
		Total  int            `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, "e1", body.Events[0].ID)

	assert.Equal(t, http.StatusOK, serveWith(r, http.MethodGet, "/request-log/e1", "").Code)
	assert.Equal(t, http.StatusNotFound, serveWith(r, http.MethodGet, "/request-log/e2", "").Code)
}

func TestRetentionWorker(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(&RequestEvent{ID: "old", Actor: "ABC", Method: "POST", Path: "/x", Outcome: "success", CreatedAt: now.AddDate(0, 0, -40)}))
	require.NoError(t, store.Append(&RequestEvent{ID: "new", Actor: "ABC", Method: "POST", Path: "/x", Outcome: "success", CreatedAt: now.AddDate(0, 0, -5)}))

	w := NewRetentionWorker(store, 30, nil)
	assert.Equal(t, 30*24*time.Hour, w.retention)
	assert.Equal(t, 24*time.Hour, w.interval)
	w.now = func() time.Time { return now }
	assert.EqualValues(t, 1, w.cleanup())

	ev, err := store.GetByID("new")
	require.NoError(t, err)
	assert.NotNil(t, ev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewRetentionWorker(nil, 0, nil).Run(ctx)
}
