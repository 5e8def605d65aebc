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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, m.Delete(ctx, "k"))
	got, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	now = now.Add(30 * time.Second)
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, got)

	now = now.Add(31 * time.Second)
	got, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryExpireRefreshesDeadline(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	now = now.Add(50 * time.Second)
	ok, err := m.Expire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(50 * time.Second)
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, got)

	ok, err = m.Expire(ctx, "missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNonceSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewNonceStore(NewMemory(), time.Minute)

	nonce, err := store.Issue(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, nonce)

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Consume(ctx, nonce)
			if err == nil && ok {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins)

	// Consumed nonces never succeed again.
	ok, err := store.Consume(ctx, nonce)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Consume(ctx, "never-issued")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(NewMemory(), time.Hour)

	info := &SessionInfo{AuthMethod: AuthSystem, UserID: "u1", OrgID: "o1"}
	require.NoError(t, store.Put(ctx, "sid", info))

	got, err := store.Get(ctx, "sid")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, AuthSystem, got.AuthMethod)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "o1", got.OrgID)

	require.NoError(t, store.Drop(ctx, "sid"))
	got, err = store.Get(ctx, "sid")
	require.NoError(t, err)
	assert.Nil(t, got)
}
