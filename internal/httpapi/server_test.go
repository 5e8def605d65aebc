// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mould/internal/auth"
	"mould/internal/blob"
	"mould/internal/cache"
	"mould/internal/cryptoutil"
	"mould/internal/job"
	"mould/internal/service"
	"mould/internal/store/storetest"
	"mould/pkg/extension"
	"mould/pkg/logging"
)

type serverFixture struct {
	server   *Server
	ts       *httptest.Server
	sessions *cache.SessionStore
	store    *storetest.Fake
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	priv, pubPEM := clientKeys(t) // reuse the test RSA pair as server key too

	st := storetest.New()
	shared := cache.NewMemory()
	sessions := cache.NewSessionStore(shared, 0)
	nonces := cache.NewNonceStore(shared, 0)
	registry := extension.NewRegistry()
	logger := logging.Discard()

	serverRandom := make([]byte, 32)
	authSvc := auth.NewService(st, sessions, nonces, shared, nopMailer{}, logger, priv, pubPEM, serverRandom, auth.Templates{
		RegisterCaptcha:      "{{.Captcha}}",
		ResetPasswordCaptcha: "{{.Captcha}}",
	})
	external := auth.NewExternalService(st, sessions, logger, nil, nil, "http://localhost")

	logDir := t.TempDir()
	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)
	runner := job.NewRunner(st, registry, blobs, extension.NewBlockingPool(2), nil, logDir, logger)
	jobs := job.NewService(st, job.NewPlanner(st), runner, logDir)

	server := NewServer(logger, sessions, authSvc, external,
		service.NewUserService(st),
		service.NewSchemaService(st, registry),
		service.NewEnvironmentService(st, registry),
		service.NewJobDefinitionService(st, registry),
		service.NewExtensionService(registry, func() *extension.Context {
			return extension.NewContext(blobs, extension.NewBlockingPool(1), nil, t.TempDir())
		}),
		jobs, blobs)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &serverFixture{server: server, ts: ts, sessions: sessions, store: st}
}

type nopMailer struct{}

func (nopMailer) Send(context.Context, string, string, string) error { return nil }

// newMultipart writes a single-file multipart form into buf and returns the
// content type.
func newMultipart(t *testing.T, buf *bytes.Buffer, field string, filename string, content []byte) string {
	t.Helper()
	writer := multipart.NewWriter(buf)
	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("size", "12"))
	require.NoError(t, writer.Close())
	return writer.FormDataContentType()
}

// post sends a signed RPC with an optional session cookie.
func (f *serverFixture) post(t *testing.T, route string, payload any, sessionID string) (*http.Response, *struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}) {
	t.Helper()
	priv, pubPEM := clientKeys(t)
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	clientID, hash, err := EncodeClientID(priv, pubPEM, route, body, time.Now().Add(10*time.Second))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+route, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("X-Client-Id", clientID)
	req.Header.Set("X-Hash", hash)
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: "session-id", Value: sessionID})
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	var decoded struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, &decoded
}

func TestBadBodyHashIsRejectedBeforeHandler(t *testing.T) {
	f := newServerFixture(t)
	priv, pubPEM := clientKeys(t)

	body := []byte(`{}`)
	clientID, _, err := EncodeClientID(priv, pubPEM, "/api/auth/getNonce", body, time.Now().Add(10*time.Second))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/auth/getNonce", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Client-Id", clientID)
	req.Header.Set("X-Hash", base64.StdEncoding.EncodeToString(cryptoutil.SHA512([]byte("other body"))))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMissingEnvelopeIsBadRequest(t *testing.T) {
	f := newServerFixture(t)
	resp, err := http.Post(f.ts.URL+"/api/auth/getNonce", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGuestRouteIssuesNonce(t *testing.T) {
	f := newServerFixture(t)
	resp, decoded := f.post(t, "/api/auth/getNonce", map[string]any{}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, decoded)
	assert.Equal(t, 0, decoded.Code)
	var nonce string
	require.NoError(t, json.Unmarshal(decoded.Data, &nonce))
	assert.NotEmpty(t, nonce)

	// The response minted a session cookie.
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "session-id" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.NotEmpty(t, cookie.Value)
}

func TestProtectedRouteRequiresSession(t *testing.T) {
	f := newServerFixture(t)
	resp, decoded := f.post(t, "/api/job/queryJob", map[string]any{}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, decoded)
	assert.Equal(t, -1, decoded.Code, "session-lost code forces re-login")
}

func TestProtectedRouteWithSession(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sessions.Put(ctx, "sid-logged-in", &cache.SessionInfo{
		AuthMethod: cache.AuthSystem, UserID: "u1", OrgID: "org-1",
	}))

	resp, decoded := f.post(t, "/api/job/queryJob", map[string]any{}, "sid-logged-in")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, decoded)
	assert.Equal(t, 0, decoded.Code)
}

func TestOrglessUserIsNotAllowed(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sessions.Put(ctx, "sid-no-org", &cache.SessionInfo{
		AuthMethod: cache.AuthSystem, UserID: "u2",
	}))

	resp, decoded := f.post(t, "/api/job/queryJob", map[string]any{}, "sid-no-org")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, decoded)
	assert.NotEqual(t, 0, decoded.Code)
	assert.NotEqual(t, -1, decoded.Code)
}

func TestUnknownRoute(t *testing.T) {
	f := newServerFixture(t)
	resp, decoded := f.post(t, "/api/unknown/thing", map[string]any{}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, decoded)
	assert.NotEqual(t, 0, decoded.Code)
}

func TestSystemInfoReturnsTime(t *testing.T) {
	f := newServerFixture(t)
	resp, decoded := f.post(t, "/api/system/getSystemInfo", map[string]any{}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, decoded)
	assert.Equal(t, 0, decoded.Code)
	var data struct {
		CurrentTime time.Time `json:"current_time"`
	}
	require.NoError(t, json.Unmarshal(decoded.Data, &data))
	assert.WithinDuration(t, time.Now(), data.CurrentTime, time.Minute)
}

func TestBlobRoundTripOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sessions.Put(ctx, "sid-up", &cache.SessionInfo{
		AuthMethod: cache.AuthSystem, UserID: "u1", OrgID: "org-1",
	}))

	var form bytes.Buffer
	writer := newMultipart(t, &form, "file", "payload.bin", []byte("blob content"))

	req, err := http.NewRequest(http.MethodPut, f.ts.URL+"/blob", &form)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer)
	req.AddCookie(&http.Cookie{Name: "session-id", Value: "sid-up"})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded struct {
		Code int `json:"code"`
		Data struct {
			Key string `json:"key"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Equal(t, 0, decoded.Code)
	require.NotEmpty(t, decoded.Data.Key)

	// Blob GET is session-exempt and carries the key as ETag.
	getResp, err := http.Get(f.ts.URL + "/blob/" + decoded.Data.Key)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	assert.Equal(t, decoded.Data.Key, getResp.Header.Get("ETag"))

	// Conditional fetch short-circuits.
	condReq, err := http.NewRequest(http.MethodGet, f.ts.URL+"/blob/"+decoded.Data.Key, nil)
	require.NoError(t, err)
	condReq.Header.Set("If-None-Match", decoded.Data.Key)
	condResp, err := http.DefaultClient.Do(condReq)
	require.NoError(t, err)
	defer condResp.Body.Close()
	assert.Equal(t, http.StatusNotModified, condResp.StatusCode)
}

func TestBlobUploadRequiresSession(t *testing.T) {
	f := newServerFixture(t)
	var form bytes.Buffer
	contentType := newMultipart(t, &form, "file", "payload.bin", []byte("blob content"))

	req, err := http.NewRequest(http.MethodPut, f.ts.URL+"/blob", &form)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded struct {
		Code int `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, -1, decoded.Code)
}
