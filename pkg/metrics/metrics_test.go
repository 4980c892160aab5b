package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstudybuilder/study-mdr/pkg/study"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&study.TransitionError{Code: "ALREADY_LOCKED"}, "transition_rejected"},
		{&study.ValidationError{Field: "study_number", Message: "required"}, "invalid"},
		{&study.ProjectNotFoundError{ProjectNumber: "999"}, "not_found"},
		{fmt.Errorf("save: %w", &study.TermNotFoundError{TermUID: "C1"}), "not_found"},
		{study.Precondition("NOT_LOADED", "not loaded"), "precondition_failed"},
		{study.ErrConflict, "conflict"},
		{study.NotImplemented("soft delete"), "not_implemented"},
		{errors.New("disk full"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err), "%v", tt.err)
	}
}

func TestObserveOperation(t *testing.T) {
	m := New(false)
	m.ObserveOperation("save", 10*time.Millisecond, nil)
	m.ObserveOperation("save", 5*time.Millisecond, nil)
	m.ObserveOperation("save", time.Millisecond, study.Precondition("NOT_LOADED", "x"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.repoOps.WithLabelValues("save", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.repoOps.WithLabelValues("save", "precondition_failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.repoDuration))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New(false)
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/v1/studies/{uid}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, path := range []string{"/api/v1/studies/Study_000001", "/api/v1/studies/Study_000002", "/ok"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/studies/{uid}", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/ok", "200")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(true)
	m.ObserveOperation("load", time.Millisecond, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `study_mdr_repository_operations_total{operation="load",outcome="ok"} 1`))
	assert.Contains(t, body, "go_goroutines")
}
