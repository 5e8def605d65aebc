// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package cache

import (
	"context"
	"encoding/json"
	"time"
)

const sessionPrefix = "session-"

// DefaultSessionTTL is the idle timeout for authenticated sessions.
const DefaultSessionTTL = 12 * time.Hour

// AuthMethodKind tags how a session was established.
type AuthMethodKind string

// Session auth methods.
const (
	AuthSystem AuthMethodKind = "System"
	AuthOauth2 AuthMethodKind = "Oauth2"
	AuthOpenid AuthMethodKind = "Openid"
)

// Oauth2Token is the provider state carried by an OAuth2 session.
type Oauth2Token struct {
	Provider    string `json:"provider"`
	AccessToken string `json:"access_token"`
	Openid      string `json:"openid"`
}

// OpenidToken is the provider state carried by an OpenID session.
type OpenidToken struct {
	Provider string `json:"provider"`
	Bearer   string `json:"bearer"`
	Openid   string `json:"openid"`
}

// SessionInfo is the value stored per session id.
type SessionInfo struct {
	AuthMethod AuthMethodKind `json:"auth_method"`
	Oauth2     *Oauth2Token   `json:"oauth2,omitempty"`
	Openid     *OpenidToken   `json:"openid,omitempty"`
	UserID     string         `json:"user_id"`
	OrgID      string         `json:"org_id,omitempty"`
}

// SessionStore maps opaque session ids to their authenticated identity.
type SessionStore struct {
	cache Cache
	ttl   time.Duration
}

// NewSessionStore creates a session store over the shared cache. A zero ttl
// falls back to DefaultSessionTTL.
func NewSessionStore(cache Cache, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{cache: cache, ttl: ttl}
}

// Put stores info under sid with the session TTL.
func (s *SessionStore) Put(ctx context.Context, sid string, info *SessionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, sessionPrefix+sid, data, s.ttl)
}

// Get returns the session info for sid, or nil when the session is unknown
// or expired.
func (s *SessionStore) Get(ctx context.Context, sid string) (*SessionInfo, error) {
	data, err := s.cache.Get(ctx, sessionPrefix+sid)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var info SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Touch refreshes the TTL of a live session.
func (s *SessionStore) Touch(ctx context.Context, sid string) error {
	_, err := s.cache.Expire(ctx, sessionPrefix+sid, s.ttl)
	return err
}

// Drop discards the session.
func (s *SessionStore) Drop(ctx context.Context, sid string) error {
	return s.cache.Delete(ctx, sessionPrefix+sid)
}
