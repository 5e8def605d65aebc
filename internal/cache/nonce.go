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
	"time"

	"github.com/google/uuid"

	"mould/internal/cryptoutil"
)

const noncePrefix = "nonce-"

// DefaultNonceTTL bounds how long an issued nonce stays redeemable.
const DefaultNonceTTL = 60 * time.Second

// NonceStore mints one-shot tokens consumed by the auth handshake.
type NonceStore struct {
	cache Cache
	ttl   time.Duration
}

// NewNonceStore creates a nonce store over the shared cache. A zero ttl
// falls back to DefaultNonceTTL.
func NewNonceStore(cache Cache, ttl time.Duration) *NonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &NonceStore{cache: cache, ttl: ttl}
}

// Issue mints a fresh random nonce bound to the store's TTL.
func (s *NonceStore) Issue(ctx context.Context) (string, error) {
	id := uuid.New()
	nonce := cryptoutil.Base62Encode(id[:])
	if err := s.cache.Set(ctx, noncePrefix+nonce, []byte{1}, s.ttl); err != nil {
		return "", err
	}
	return nonce, nil
}

// Consume redeems nonce, returning true exactly once per issued value.
func (s *NonceStore) Consume(ctx context.Context, nonce string) (bool, error) {
	if nonce == "" {
		return false, nil
	}
	val, err := s.cache.TakeOnce(ctx, noncePrefix+nonce)
	if err != nil {
		return false, err
	}
	return val != nil, nil
}
