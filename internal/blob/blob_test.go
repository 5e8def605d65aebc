// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSPutGetRoundTrip(t *testing.T) {
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key, err := store.Put(ctx, strings.NewReader("hello blob"))
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("hello blob"))
	assert.Equal(t, hex.EncodeToString(sum[:]), key)

	reader, err := store.Get(ctx, key)
	require.NoError(t, err)
	defer reader.Close()
	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "hello blob", string(content))
}

func TestFSPutIsIdempotent(t *testing.T) {
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key1, err := store.Put(ctx, strings.NewReader("same"))
	require.NoError(t, err)
	key2, err := store.Put(ctx, strings.NewReader("same"))
	require.NoError(t, err)
	assert.Equal(t, key1, key2)
}

func TestFSGetMissing(t *testing.T) {
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), strings.Repeat("ab", 32))
	assert.True(t, errors.Is(err, ErrNotFound))

	// Keys that are not hex digests never touch the filesystem.
	_, err = store.Get(context.Background(), "../../etc/passwd")
	assert.True(t, errors.Is(err, ErrNotFound))
}
