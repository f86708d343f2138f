package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3xpluto/go-request-gate/internal/identity"
)

func newMockService(t *testing.T) (*httptest.Server, *identity.Service) {
	t.Helper()
	d, err := newDirectory("mock-issuer", "gatekeeper", time.Minute, []string{"admin_1"}, []string{"newbie"})
	require.NoError(t, err)
	srv := httptest.NewServer(d.routes())
	t.Cleanup(srv.Close)

	v, err := identity.NewJWKSVerifier(srv.URL+"/.well-known/jwks.json", identity.JWKSOptions{
		Issuers:   []string{"mock-issuer"},
		Audiences: []string{"gatekeeper"},
	})
	require.NoError(t, err)
	svc, err := identity.NewService(identity.ServiceConfig{BaseURL: srv.URL, Verifier: v})
	require.NoError(t, err)
	return srv, svc
}

func mint(t *testing.T, srv *httptest.Server, query string) map[string]string {
	t.Helper()
	resp, err := http.Get(srv.URL + "/token?" + query)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestMockSessionsVerifyAgainstJWKS(t *testing.T) {
	srv, svc := newMockService(t)
	toks := mint(t, srv, "sub=u1")

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: toks["access_token"]})
	sess, err := svc.Session(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, sess.Authenticated)
	assert.Equal(t, "u1", sess.UserID)
	assert.False(t, sess.Expired(time.Now()))

	expired := mint(t, srv, "sub=u1&ttl=-120")
	req = httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: expired["access_token"]})
	sess, err = svc.Session(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, sess.Expired(time.Now()))
}

func TestMockRefreshIsSingleUse(t *testing.T) {
	srv, svc := newMockService(t)
	toks := mint(t, srv, "sub=u7")

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "refresh_token", Value: toks["refresh_token"]})

	sess, err := svc.Refresh(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "u7", sess.UserID)
	require.Len(t, sess.Cookies, 2)
	assert.Equal(t, "session", sess.Cookies[0].Name)
	assert.Equal(t, "refresh_token", sess.Cookies[1].Name)
	assert.NotEqual(t, toks["refresh_token"], sess.Cookies[1].Value)

	_, err = svc.Refresh(context.Background(), req)
	assert.ErrorIs(t, err, identity.ErrNoSession)
}

func TestMockDirectory(t *testing.T) {
	_, svc := newMockService(t)
	ctx := context.Background()

	role, err := svc.Role(ctx, "admin_1")
	require.NoError(t, err)
	assert.Equal(t, identity.RoleAdmin, role)

	role, err = svc.Role(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, identity.RoleUser, role)

	done, err := svc.Onboarded(ctx, "newbie")
	require.NoError(t, err)
	assert.False(t, done)

	done, err = svc.Onboarded(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, done)
}
