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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"mould/internal/cache"
	"mould/internal/config"
	"mould/internal/errno"
	"mould/internal/model"
	"mould/internal/store"
	"mould/pkg/logging"
)

// providerIdentity is what every provider adapter must yield.
type providerIdentity struct {
	Openid    string
	Name      string
	AvatarURL string
	Detail    string
}

// ExternalService exchanges provider codes for identities and links them to
// users. (provider_type, provider, openid) uniquely identifies an external
// user.
type ExternalService struct {
	store      store.Store
	sessions   *cache.SessionStore
	logger     logging.Logger
	oauth2Cfg  map[string]config.Oauth2Server
	openidCfg  map[string]config.OpenidServer
	httpClient *http.Client
	publicPath string
	newID      func() string
	now        func() time.Time

	mu        sync.Mutex
	discovery map[string]*openidDiscovery
}

// NewExternalService creates the bridge for the configured providers.
func NewExternalService(st store.Store, sessions *cache.SessionStore, logger logging.Logger, oauth2Cfg map[string]config.Oauth2Server, openidCfg map[string]config.OpenidServer, publicPath string) *ExternalService {
	return &ExternalService{
		store:      st,
		sessions:   sessions,
		logger:     logger,
		oauth2Cfg:  oauth2Cfg,
		openidCfg:  openidCfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		publicPath: publicPath,
		newID:      uuid.NewString,
		now:        func() time.Time { return time.Now().UTC() },
		discovery:  make(map[string]*openidDiscovery),
	}
}

// OpenidProviders lists the configured OpenID provider ids.
func (s *ExternalService) OpenidProviders() []string {
	ids := make([]string, 0, len(s.openidCfg))
	for id := range s.openidCfg {
		ids = append(ids, id)
	}
	return ids
}

// Oauth2AuthCodeURL builds the provider redirect for the browser entry
// point GET /oauth2/login/{provider}.
func (s *ExternalService) Oauth2AuthCodeURL(provider string, state string) (string, error) {
	server, ok := s.oauth2Cfg[provider]
	if !ok {
		return "", errno.Commonf("没有配置oauth2提供方: %s", provider)
	}
	conf := s.oauth2Config(provider, server)
	return conf.AuthCodeURL(state), nil
}

// OpenidAuthCodeURL builds the provider redirect for GET /oidc/login/{provider}.
func (s *ExternalService) OpenidAuthCodeURL(ctx context.Context, provider string, state string) (string, error) {
	server, ok := s.openidCfg[provider]
	if !ok {
		return "", errno.Commonf("没有配置openid提供方: %s", provider)
	}
	disco, err := s.discover(ctx, provider, server)
	if err != nil {
		return "", err
	}
	scopes := server.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile"}
	}
	query := url.Values{}
	query.Set("client_id", server.ClientID)
	query.Set("response_type", "code")
	query.Set("redirect_uri", s.openidRedirectURL(provider, server))
	query.Set("scope", strings.Join(scopes, " "))
	query.Set("state", state)
	return disco.AuthorizationEndpoint + "?" + query.Encode(), nil
}

func (s *ExternalService) oauth2Config(provider string, server config.Oauth2Server) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     server.ClientID,
		ClientSecret: server.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  server.AuthURL,
			TokenURL: server.TokenURL,
		},
		RedirectURL: s.publicPath + "/oauth2/authorize/" + provider,
		Scopes:      server.Scopes,
	}
}

func (s *ExternalService) openidRedirectURL(provider string, server config.OpenidServer) string {
	if server.RedirectURL != "" {
		return server.RedirectURL
	}
	return s.publicPath + "/oidc/authorize/" + provider
}

// LoginByOauth2Code exchanges an OAuth2 authorization code, fetches the
// provider identity and issues a session.
func (s *ExternalService) LoginByOauth2Code(ctx context.Context, sessionID string, provider string, code string) (*CurrentUser, error) {
	server, ok := s.oauth2Cfg[provider]
	if !ok {
		return nil, errno.Commonf("没有配置oauth2提供方: %s", provider)
	}
	conf := s.oauth2Config(provider, server)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	token, err := conf.Exchange(ctx, code)
	if err != nil {
		s.logger.Error("oauth2 code exchange failed", logging.NewField("provider", provider), logging.NewField("error", err))
		return nil, errno.API(err)
	}

	identity, err := s.fetchOauth2Identity(ctx, server, token)
	if err != nil {
		return nil, err
	}

	user, err := s.linkExternalUser(ctx, model.ProviderOauth2, provider, identity)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Put(ctx, sessionID, &cache.SessionInfo{
		AuthMethod: cache.AuthOauth2,
		Oauth2: &cache.Oauth2Token{
			Provider:    provider,
			AccessToken: token.AccessToken,
			Openid:      identity.Openid,
		},
		UserID: user.ID,
		OrgID:  user.OrgID,
	}); err != nil {
		return nil, errno.Other(err)
	}
	return &CurrentUser{
		ID:        user.ID,
		OrgID:     user.OrgID,
		Name:      user.Name,
		AvatarURL: user.AvatarURL,
		Source:    model.UserSourceExternal,
		Provider:  provider,
	}, nil
}

// fetchOauth2Identity dispatches on the provider kind. GitHub-style APIs
// take a bearer header; WeChat wants access_token and openid as query
// parameters.
func (s *ExternalService) fetchOauth2Identity(ctx context.Context, server config.Oauth2Server, token *oauth2.Token) (*providerIdentity, error) {
	switch server.Kind {
	case "wechat":
		openid, _ := token.Extra("openid").(string)
		if openid == "" {
			return nil, errno.Common("提供方没有返回openid")
		}
		query := url.Values{}
		query.Set("access_token", token.AccessToken)
		query.Set("openid", openid)
		body, err := s.getJSON(ctx, server.UserInfoURL+"?"+query.Encode(), "")
		if err != nil {
			return nil, err
		}
		var info struct {
			Openid     string `json:"openid"`
			Nickname   string `json:"nickname"`
			HeadImgURL string `json:"headimgurl"`
		}
		if err := json.Unmarshal(body, &info); err != nil {
			return nil, errno.Deserialize(err)
		}
		return &providerIdentity{
			Openid:    openid,
			Name:      info.Nickname,
			AvatarURL: info.HeadImgURL,
			Detail:    string(body),
		}, nil
	default:
		// GitHub and compatible APIs.
		body, err := s.getJSON(ctx, server.UserInfoURL, token.AccessToken)
		if err != nil {
			return nil, err
		}
		var info struct {
			ID        json.Number `json:"id"`
			Login     string      `json:"login"`
			Name      string      `json:"name"`
			AvatarURL string      `json:"avatar_url"`
		}
		if err := json.Unmarshal(body, &info); err != nil {
			return nil, errno.Deserialize(err)
		}
		if info.ID.String() == "" {
			return nil, errno.Common("提供方没有返回用户标识")
		}
		name := info.Name
		if name == "" {
			name = info.Login
		}
		return &providerIdentity{
			Openid:    info.ID.String(),
			Name:      name,
			AvatarURL: info.AvatarURL,
			Detail:    string(body),
		}, nil
	}
}

// openidDiscovery is the subset of the OIDC discovery document the bridge
// needs.
type openidDiscovery struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
}

func (s *ExternalService) discover(ctx context.Context, provider string, server config.OpenidServer) (*openidDiscovery, error) {
	s.mu.Lock()
	cached, ok := s.discovery[provider]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	body, err := s.getJSON(ctx, strings.TrimRight(server.IssuerURL, "/")+"/.well-known/openid-configuration", "")
	if err != nil {
		return nil, err
	}
	var disco openidDiscovery
	if err := json.Unmarshal(body, &disco); err != nil {
		return nil, errno.Deserialize(err)
	}
	if disco.TokenEndpoint == "" || disco.UserinfoEndpoint == "" {
		return nil, errno.Common("提供方发现文档不完整")
	}

	s.mu.Lock()
	s.discovery[provider] = &disco
	s.mu.Unlock()
	return &disco, nil
}

// LoginByOpenidCode exchanges an OpenID Connect authorization code through
// the provider's discovery document, fetches userinfo and issues a session.
// The openid is the sub claim.
func (s *ExternalService) LoginByOpenidCode(ctx context.Context, sessionID string, provider string, code string) (*CurrentUser, error) {
	server, ok := s.openidCfg[provider]
	if !ok {
		return nil, errno.Commonf("没有配置openid提供方: %s", provider)
	}
	disco, err := s.discover(ctx, provider, server)
	if err != nil {
		return nil, err
	}

	conf := &oauth2.Config{
		ClientID:     server.ClientID,
		ClientSecret: server.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: disco.TokenEndpoint},
		RedirectURL:  s.openidRedirectURL(provider, server),
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	token, err := conf.Exchange(ctx, code)
	if err != nil {
		s.logger.Error("openid code exchange failed", logging.NewField("provider", provider), logging.NewField("error", err))
		return nil, errno.API(err)
	}

	body, err := s.getJSON(ctx, disco.UserinfoEndpoint, token.AccessToken)
	if err != nil {
		return nil, err
	}
	var info struct {
		Sub      string `json:"sub"`
		Name     string `json:"name"`
		Nickname string `json:"nickname"`
		Picture  string `json:"picture"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errno.Deserialize(err)
	}
	if info.Sub == "" {
		return nil, errno.Common(`No property "sub" found in user infomation!`)
	}
	name := info.Nickname
	if name == "" {
		name = info.Name
	}

	identity := &providerIdentity{
		Openid:    info.Sub,
		Name:      name,
		AvatarURL: info.Picture,
		Detail:    string(body),
	}
	user, err := s.linkExternalUser(ctx, model.ProviderOpenid, provider, identity)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Put(ctx, sessionID, &cache.SessionInfo{
		AuthMethod: cache.AuthOpenid,
		Openid: &cache.OpenidToken{
			Provider: provider,
			Bearer:   token.AccessToken,
			Openid:   identity.Openid,
		},
		UserID: user.ID,
		OrgID:  user.OrgID,
	}); err != nil {
		return nil, errno.Other(err)
	}
	return &CurrentUser{
		ID:        user.ID,
		OrgID:     user.OrgID,
		Name:      user.Name,
		AvatarURL: user.AvatarURL,
		Source:    model.UserSourceExternal,
		Provider:  provider,
	}, nil
}

// linkExternalUser finds or creates the user bound to a provider identity.
// On login the mutable profile fields are refreshed from the provider; the
// bound user's org is never overwritten.
func (s *ExternalService) linkExternalUser(ctx context.Context, providerType model.ProviderType, provider string, identity *providerIdentity) (*model.User, error) {
	var user *model.User
	err := s.store.InTx(ctx, func(tx store.Store) error {
		existing, err := tx.GetExternalUserByProvider(ctx, providerType, provider, identity.Openid)
		if err == nil {
			if err := tx.UpdateExternalUserDetail(ctx, existing.ID, identity.Detail); err != nil {
				return err
			}
			if err := tx.UpdateUserProfile(ctx, existing.ID, identity.Name, identity.AvatarURL); err != nil {
				return err
			}
			user, err = tx.GetUser(ctx, existing.ID)
			return err
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		anyUser, err := tx.AnyUserExists(ctx)
		if err != nil {
			return err
		}
		currTime := s.now()
		orgID := ""
		if !anyUser {
			orgID = s.newID()
			if err := tx.InsertOrganization(ctx, &model.Organization{
				ID: orgID, Name: "默认组织", CreatedTime: currTime, LastModifiedTime: currTime,
			}); err != nil {
				return err
			}
		}

		userID := s.newID()
		user = &model.User{
			ID:               userID,
			OrgID:            orgID,
			Source:           model.UserSourceExternal,
			Name:             identity.Name,
			AvatarURL:        identity.AvatarURL,
			CreatedTime:      currTime,
			LastModifiedTime: currTime,
		}
		if err := tx.InsertUser(ctx, user); err != nil {
			return err
		}
		return tx.InsertExternalUser(ctx, &model.ExternalUser{
			ID:               userID,
			ProviderType:     providerType,
			Provider:         provider,
			Openid:           identity.Openid,
			DetailJSON:       identity.Detail,
			CreatedTime:      currTime,
			LastModifiedTime: currTime,
		})
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// getJSON fetches a JSON document, optionally with a bearer token.
func (s *ExternalService) getJSON(ctx context.Context, rawURL string, bearer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errno.Other(err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errno.API(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errno.API(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errno.API(fmt.Errorf("GET %s: status %d: %s", rawURL, resp.StatusCode, body))
	}
	return body, nil
}

// SetHTTPClient overrides the outbound client, mainly for tests.
func (s *ExternalService) SetHTTPClient(client *http.Client) {
	s.httpClient = client
}
