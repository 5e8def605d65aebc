// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package cloudflarepages

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mould/pkg/extension"
)

type mapBlobStore map[string]string

func (m mapBlobStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	content, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("no blob %q", key)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func TestValidateConfiguration(t *testing.T) {
	e := &Extension{}
	assert.NoError(t, e.ValidateConfiguration(json.RawMessage(
		`{"api_token":"t","account_id":"a","project_name":"p"}`)))
	assert.Error(t, e.ValidateConfiguration(json.RawMessage(`{"api_token":"t"}`)))
}

func TestDeployPostsBundle(t *testing.T) {
	var gotAuth string
	var gotBundle []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/deployments") {
			gotAuth = r.Header.Get("Authorization")
			file, _, err := r.FormFile("file")
			require.NoError(t, err)
			gotBundle, _ = io.ReadAll(file)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true,"result":{"id":"dep-1","url":"https://p.pages.dev"}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	e := &Extension{httpClient: ts.Client()}
	configuration := json.RawMessage(fmt.Sprintf(
		`{"api_token":"tok","account_id":"acc","project_name":"proj","api_base":%q}`, ts.URL))
	ec := extension.NewContext(mapBlobStore{"bundle-key": "zip-bytes"}, extension.NewBlockingPool(1), nil, t.TempDir())

	var lines []string
	appendLog := func(_ extension.LogLevel, content string) {
		lines = append(lines, content)
	}
	err := e.Handle(context.Background(), configuration, "deploy",
		json.RawMessage(`{"file":"bundle-key"}`), ec, appendLog, 0)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "zip-bytes", string(gotBundle))
	assert.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "https://p.pages.dev")
}
