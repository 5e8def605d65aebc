// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlobStore struct {
	blobs map[string]string
}

func (f *fakeBlobStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	content, ok := f.blobs[key]
	if !ok {
		return nil, fmt.Errorf("no blob %q", key)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

type fakeEvaluator struct {
	fn func(source string, input json.RawMessage, resourceIndex int) (json.RawMessage, error)
}

func (f *fakeEvaluator) Evaluate(_ context.Context, source string, input json.RawMessage, resourceIndex int) (json.RawMessage, error) {
	return f.fn(source, input, resourceIndex)
}

func TestContextDownloadFile(t *testing.T) {
	dir := t.TempDir()
	ec := NewContext(&fakeBlobStore{blobs: map[string]string{"k1": "payload"}}, NewBlockingPool(2), nil, dir)

	path, err := ec.DownloadFile(context.Background(), "k1")
	require.NoError(t, err)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))

	_, err = ec.DownloadFile(context.Background(), "missing")
	assert.Error(t, err)
}

func TestBlockingPoolBoundsConcurrency(t *testing.T) {
	pool := NewBlockingPool(2)
	var mu sync.Mutex
	var active, peak int

	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Run(context.Background(), func() error {
				mu.Lock()
				active++
				if active > peak {
					peak = active
				}
				mu.Unlock()
				<-gate
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	close(gate)
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
}

func TestModifyJSON(t *testing.T) {
	ec := NewContext(nil, NewBlockingPool(1), nil, t.TempDir())
	root := json.RawMessage(`{"a":{"b":[1,2,3]},"c":"keep"}`)

	out, err := ec.ModifyJSON(root, "/a/b/1", json.RawMessage(`99`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"b":[1,99,3]},"c":"keep"}`, string(out))

	// Replacing the root swaps the whole document.
	out, err = ec.ModifyJSON(root, "", json.RawMessage(`{"new":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"new":true}`, string(out))

	_, err = ec.ModifyJSON(root, "/missing/key", json.RawMessage(`1`))
	assert.Error(t, err)

	_, err = ec.ModifyJSON(root, "no-slash", json.RawMessage(`1`))
	assert.Error(t, err)
}

func TestModifyJSONCustom(t *testing.T) {
	eval := &fakeEvaluator{fn: func(_ string, input json.RawMessage, resourceIndex int) (json.RawMessage, error) {
		var n float64
		if err := json.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		return json.Marshal(n + float64(resourceIndex))
	}}
	ec := NewContext(nil, NewBlockingPool(1), eval, t.TempDir())

	root := json.RawMessage(`{"replicas":3}`)
	out, err := ec.ModifyJSONCustom(context.Background(), root, "/replicas", "value + index", 2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"replicas":5}`, string(out))
}

func TestJSONPointerEscapes(t *testing.T) {
	ec := NewContext(nil, NewBlockingPool(1), nil, t.TempDir())
	root := json.RawMessage(`{"a/b":{"c~d":1}}`)

	out, err := ec.ModifyJSON(root, "/a~1b/c~0d", json.RawMessage(`2`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a/b":{"c~d":2}}`, string(out))
}
