// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package cache provides the shared key-value cache that backs sessions,
// nonces and email captchas, with a Redis implementation for deployments and
// an in-process implementation for tests and single-node setups.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the key-value substrate shared by the session, nonce and captcha
// stores. All writes are last-writer-wins except TakeOnce, which must admit a
// single winner per key.
type Cache interface {
	// Set stores value under key with the given TTL. A zero TTL means no
	// expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or (nil, nil) if absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Expire resets key's TTL, reporting whether the key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TakeOnce atomically reads and removes key. At most one concurrent
	// caller observes the value; everyone else gets (nil, nil).
	TakeOnce(ctx context.Context, key string) ([]byte, error)
}

// memoryEntry is a value with its absolute deadline. A zero deadline never
// expires.
type memoryEntry struct {
	value    []byte
	deadline time.Time
}

// Memory is an in-process Cache. Expired entries are dropped lazily on
// access.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory creates an in-process cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *Memory) expired(e memoryEntry) bool {
	return !e.deadline.IsZero() && m.now().After(e.deadline)
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deadline time.Time
	if ttl > 0 {
		deadline = m.now().Add(ttl)
	}
	m.entries[key] = memoryEntry{value: append([]byte(nil), value...), deadline: deadline}
	return nil
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if m.expired(e) {
		delete(m.entries, key)
		return nil, nil
	}
	return append([]byte(nil), e.value...), nil
}

// Delete implements Cache.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Expire implements Cache.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		delete(m.entries, key)
		return false, nil
	}
	var deadline time.Time
	if ttl > 0 {
		deadline = m.now().Add(ttl)
	}
	e.deadline = deadline
	m.entries[key] = e
	return true, nil
}

// TakeOnce implements Cache. The mutex makes read-and-delete atomic, so only
// one caller can win a key.
func (m *Memory) TakeOnce(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	delete(m.entries, key)
	if m.expired(e) {
		return nil, nil
	}
	return e.value, nil
}

// Redis is a Cache backed by a Redis server.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the configured Redis server.
func NewRedis(addr string, password string, db int) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Ping verifies connectivity at startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Set implements Cache.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Delete implements Cache.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Expire implements Cache.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// TakeOnce implements Cache. GETDEL is atomic server-side, which gives the
// single-winner guarantee nonce consumption relies on.
func (r *Redis) TakeOnce(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.GetDel(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}
