// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mould/internal/cache"
	"mould/internal/config"
	"mould/internal/model"
	"mould/internal/store/storetest"
	"mould/pkg/logging"
)

// fakeGithub stands in for a GitHub-style OAuth2 provider.
func fakeGithub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.FormValue("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "gh-token",
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         12345,
			"login":      "octocat",
			"name":       "The Octocat",
			"avatar_url": "https://example.com/octocat.png",
		})
	})
	return httptest.NewServer(mux)
}

func newExternalFixture(t *testing.T, providerURL string) (*ExternalService, *storetest.Fake, *cache.SessionStore) {
	t.Helper()
	st := storetest.New()
	shared := cache.NewMemory()
	sessions := cache.NewSessionStore(shared, 0)
	svc := NewExternalService(st, sessions, logging.Discard(), map[string]config.Oauth2Server{
		"github": {
			ClientID:     "cid",
			ClientSecret: "secret",
			AuthURL:      providerURL + "/login/oauth/authorize",
			TokenURL:     providerURL + "/login/oauth/access_token",
			UserInfoURL:  providerURL + "/user",
			Kind:         "github",
		},
	}, map[string]config.OpenidServer{}, "https://mould.example.com")
	return svc, st, sessions
}

func TestLoginByOauth2CodeCreatesAndLinks(t *testing.T) {
	provider := fakeGithub(t)
	defer provider.Close()
	svc, st, sessions := newExternalFixture(t, provider.URL)
	ctx := context.Background()

	user, err := svc.LoginByOauth2Code(ctx, "sid-1", "github", "good-code")
	require.NoError(t, err)
	assert.Equal(t, "The Octocat", user.Name)
	assert.NotEmpty(t, user.OrgID, "first-ever user creates an organization")
	assert.Equal(t, model.UserSourceExternal, user.Source)

	info, err := sessions.Get(ctx, "sid-1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, cache.AuthOauth2, info.AuthMethod)
	require.NotNil(t, info.Oauth2)
	assert.Equal(t, "12345", info.Oauth2.Openid)

	eu, err := st.GetExternalUserByProvider(ctx, model.ProviderOauth2, "github", "12345")
	require.NoError(t, err)
	assert.Equal(t, user.ID, eu.ID)

	// Logging in again resolves the same user instead of creating another.
	again, err := svc.LoginByOauth2Code(ctx, "sid-2", "github", "good-code")
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
	assert.Equal(t, user.OrgID, again.OrgID, "org binding survives re-login")
}

func TestLoginByOauth2CodeBadCode(t *testing.T) {
	provider := fakeGithub(t)
	defer provider.Close()
	svc, _, _ := newExternalFixture(t, provider.URL)

	_, err := svc.LoginByOauth2Code(context.Background(), "sid-1", "github", "bad-code")
	assert.Error(t, err)
}

func TestLoginByOauth2CodeUnknownProvider(t *testing.T) {
	svc, _, _ := newExternalFixture(t, "http://127.0.0.1:0")
	_, err := svc.LoginByOauth2Code(context.Background(), "sid-1", "gitlab", "code")
	assert.Error(t, err)
}

// fakeOIDC stands in for an OpenID Connect provider with discovery.
func fakeOIDC(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"authorization_endpoint": server.URL + "/authorize",
			"token_endpoint":         server.URL + "/token",
			"userinfo_endpoint":      server.URL + "/userinfo",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "oidc-token",
			"token_type":   "bearer",
			"id_token":     "not-inspected",
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer oidc-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":      "sub-777",
			"nickname": "keycloak-user",
			"picture":  "https://example.com/pic.png",
		})
	})
	server = httptest.NewServer(mux)
	return server
}

func TestLoginByOpenidCode(t *testing.T) {
	provider := fakeOIDC(t)
	defer provider.Close()

	st := storetest.New()
	shared := cache.NewMemory()
	sessions := cache.NewSessionStore(shared, 0)
	svc := NewExternalService(st, sessions, logging.Discard(), nil, map[string]config.OpenidServer{
		"keycloak": {
			ClientID:     "cid",
			ClientSecret: "secret",
			IssuerURL:    provider.URL,
		},
	}, "https://mould.example.com")
	ctx := context.Background()

	user, err := svc.LoginByOpenidCode(ctx, "sid-1", "keycloak", "some-code")
	require.NoError(t, err)
	assert.Equal(t, "keycloak-user", user.Name)

	info, err := sessions.Get(ctx, "sid-1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, cache.AuthOpenid, info.AuthMethod)
	require.NotNil(t, info.Openid)
	assert.Equal(t, "sub-777", info.Openid.Openid)

	_, err = st.GetExternalUserByProvider(ctx, model.ProviderOpenid, "keycloak", "sub-777")
	assert.NoError(t, err)
}
