package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe(t *testing.T) {
	ready := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	require.NoError(t, probe(srv.URL, time.Second))

	ready = false
	err := probe(srv.URL, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestTargetURL(t *testing.T) {
	t.Setenv("STUDY_MDR_HEALTHCHECK_URL", "")
	assert.Equal(t, defaultURL, targetURL(""))

	t.Setenv("STUDY_MDR_HEALTHCHECK_URL", "http://study-server:8080/healthz")
	assert.Equal(t, "http://study-server:8080/healthz", targetURL(""))
	assert.Equal(t, "http://other/readyz", targetURL("http://other/readyz"))
}
