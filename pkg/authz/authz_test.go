package authz

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureIdentity(got *Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestIdentityMiddleware(t *testing.T) {
	var got Identity
	h := IdentityMiddleware()(captureIdentity(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/studies", nil)
	req.Header.Set("X-Remote-User", " ABC ")
	req.Header.Set("X-Remote-Group", "study-writers, ,admins")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, Identity{User: "ABC", Groups: []string{"study-writers", "admins"}}, got)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/studies", nil))
	assert.Equal(t, "anonymous", got.User)
	assert.Empty(t, got.Groups)
}

func writePublicKey(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))
	return path
}

func TestJWTIdentityMiddleware(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	sign := func(key *rsa.PrivateKey, claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	exp := time.Now().Add(time.Hour).Unix()

	mw, err := JWTIdentityMiddleware(JWTConfig{
		PublicKeyPath: writePublicKey(t, privateKey),
		Issuer:        "https://idp.example.com",
		GroupsClaim:   "realm_access.roles",
	})
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		want       Identity
	}{
		{
			name:       "missing token",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "valid token with nested groups",
			header: "Bearer " + sign(privateKey, jwt.MapClaims{
				"initials": "ABC", "iss": "https://idp.example.com", "exp": exp,
				"realm_access": map[string]any{"roles": []any{"study-writers", 7}},
			}),
			wantStatus: http.StatusNoContent,
			want:       Identity{User: "ABC", Groups: []string{"study-writers"}},
		},
		{
			name:       "wrong signing key",
			header:     "Bearer " + sign(otherKey, jwt.MapClaims{"initials": "ABC", "iss": "https://idp.example.com", "exp": exp}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong issuer",
			header:     "Bearer " + sign(privateKey, jwt.MapClaims{"initials": "ABC", "iss": "https://other", "exp": exp}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no user claim",
			header:     "Bearer " + sign(privateKey, jwt.MapClaims{"iss": "https://idp.example.com", "exp": exp}),
			wantStatus: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Identity
			req := httptest.NewRequest(http.MethodGet, "/api/v1/studies", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			mw(captureIdentity(&got)).ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = JWTIdentityMiddleware(JWTConfig{PublicKeyPath: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)
}

func TestJWTTrustedProxyMode(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"initials": "XYZ", "groups": "a,b"}).SignedString(key)
	require.NoError(t, err)

	mw, err := JWTIdentityMiddleware(JWTConfig{})
	require.NoError(t, err)
	var got Identity
	req := httptest.NewRequest(http.MethodGet, "/api/v1/studies", nil)
	req.Header.Set("Authorization", "bearer "+token)
	mw(captureIdentity(&got)).ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, Identity{User: "XYZ", Groups: []string{"a", "b"}}, got)
}

func TestMapRequest(t *testing.T) {
	tests := []struct {
		method, path string
		want         ResourceMapping
	}{
		{http.MethodGet, "/api/v1/studies", ResourceMapping{ResourceStudies, VerbList}},
		{http.MethodPost, "/api/v1/studies/", ResourceMapping{ResourceStudies, VerbCreate}},
		{http.MethodGet, "/api/v1/studies/Study_000001", ResourceMapping{ResourceStudies, VerbGet}},
		{http.MethodPatch, "/api/v1/studies/Study_000001", ResourceMapping{ResourceStudies, VerbUpdate}},
		{http.MethodGet, "/api/v1/studies/Study_000001/audit-trail", ResourceMapping{ResourceAuditTrail, VerbGet}},
		{http.MethodGet, "/api/v1/studies/Study_000001/versions", ResourceMapping{ResourceStudies, VerbGet}},
		{http.MethodGet, "/api/v1/studies/Study_000001/versions/2", ResourceMapping{ResourceStudies, VerbGet}},
		{http.MethodGet, "/api/v1/studies/Study_000001/released-version", ResourceMapping{ResourceStudies, VerbGet}},
		{http.MethodPost, "/api/v1/studies/Study_000001/versions", UnknownMapping},
		{http.MethodPost, "/api/v1/studies/Study_000001/actions/lock", ResourceMapping{ResourceStudyActions, VerbExecute}},
		{http.MethodPost, "/api/v1/studies/Study_000001/selections/objectives", ResourceMapping{ResourceSelections, VerbCreate}},
		{http.MethodGet, "/api/v1/library-items/Objective_000001/studies", ResourceMapping{ResourceStudies, VerbList}},
		{http.MethodPost, "/api/v1/reference-data", ResourceMapping{ResourceReferenceData, VerbCreate}},
		{http.MethodGet, "/api/v1/request-log", ResourceMapping{ResourceRequestLog, VerbList}},
		{http.MethodDelete, "/api/v1/studies/Study_000001", UnknownMapping},
		{http.MethodGet, "/other", UnknownMapping},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, MapRequest(tt.method, tt.path))
		})
	}
}

func TestGroupAuthorizer(t *testing.T) {
	a := NewGroupAuthorizer([]string{"study-writers"}, []string{"mdr-admins"})
	ctx := context.Background()
	check := func(groups []string, resource, verb string) bool {
		ok, err := a.Authorize(ctx, AuthzRequest{User: "ABC", Groups: groups, Resource: resource, Verb: verb})
		require.NoError(t, err)
		return ok
	}

	assert.True(t, check(nil, ResourceStudies, VerbList))
	assert.False(t, check(nil, ResourceStudies, VerbCreate))
	assert.True(t, check([]string{"study-writers"}, ResourceStudyActions, VerbExecute))
	assert.True(t, check([]string{"mdr-admins"}, ResourceStudies, VerbUpdate))
	assert.False(t, check([]string{"study-writers"}, ResourceReferenceData, VerbCreate))
	assert.True(t, check([]string{"mdr-admins"}, ResourceReferenceData, VerbCreate))
	assert.False(t, check([]string{"study-writers"}, ResourceRequestLog, VerbList))
}

type countingAuthorizer struct {
	calls int
	err   error
}

func (c *countingAuthorizer) Authorize(_ context.Context, req AuthzRequest) (bool, error) {
	c.calls++
	return req.User == "ABC", c.err
}

func TestCachedAuthorizer(t *testing.T) {
	inner := &countingAuthorizer{}
	c := NewCachedAuthorizer(inner, time.Minute)
	ctx := context.Background()
	req := AuthzRequest{User: "ABC", Resource: ResourceStudies, Verb: VerbCreate}

	for range 3 {
		ok, err := c.Authorize(ctx, req)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, inner.calls)

	ok, err := c.Authorize(ctx, AuthzRequest{User: "XYZ", Resource: ResourceStudies, Verb: VerbCreate})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, inner.calls)

	inner.err = errors.New("backend down")
	_, err = c.Authorize(ctx, AuthzRequest{User: "DEF"})
	assert.Error(t, err)
	_, err = c.Authorize(ctx, AuthzRequest{User: "DEF"})
	assert.Error(t, err, "errors are not cached")
}

func TestAuthzMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := IdentityMiddleware()(AuthzMiddleware(NewGroupAuthorizer([]string{"study-writers"}, nil))(ok))

	serve := func(method, path, groups string) int {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-Remote-User", "ABC")
		req.Header.Set("X-Remote-Group", groups)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/api/v1/studies", ""))
	assert.Equal(t, http.StatusForbidden, serve(http.MethodPost, "/api/v1/studies", ""))
	assert.Equal(t, http.StatusOK, serve(http.MethodPost, "/api/v1/studies", "study-writers"))
	assert.Equal(t, http.StatusForbidden, serve(http.MethodGet, "/api/v1/unknown", "study-writers"))

	failing := AuthzMiddleware(&countingAuthorizer{err: errors.New("boom")})(ok)
	rec := httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/studies", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
