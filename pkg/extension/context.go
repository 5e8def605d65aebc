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
	"path/filepath"

	"golang.org/x/sync/semaphore"
)

// BlobStore is the attachment source a context downloads from.
type BlobStore interface {
	// Get streams the blob stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Evaluator runs a user-provided JavaScript snippet against a JSON value.
// The engine is sandboxed: no filesystem, no network, no host bindings
// beyond the input value and the resource index.
type Evaluator interface {
	Evaluate(ctx context.Context, source string, input json.RawMessage, resourceIndex int) (json.RawMessage, error)
}

// BlockingPool bounds the blocking work extensions offload. It is shared
// across the whole process, so extensions must not assume bounded latency.
type BlockingPool struct {
	sem *semaphore.Weighted
}

// NewBlockingPool creates a pool admitting at most size concurrent tasks.
func NewBlockingPool(size int) *BlockingPool {
	if size <= 0 {
		size = 1
	}
	return &BlockingPool{sem: semaphore.NewWeighted(int64(size))}
}

// Run executes fn on the pool and waits for it. Acquiring a slot respects
// ctx, so a cancelled caller stops waiting; a running fn is not interrupted.
func (p *BlockingPool) Run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Context is the per-invocation handle supplied to every extension call. It
// does not carry the extension's configuration, so one context serves an
// entire step fan-out.
type Context struct {
	blobs     BlobStore
	pool      *BlockingPool
	evaluator Evaluator
	workDir   string
}

// NewContext assembles a context from its collaborators. workDir is where
// downloaded attachments are materialized.
func NewContext(blobs BlobStore, pool *BlockingPool, evaluator Evaluator, workDir string) *Context {
	return &Context{blobs: blobs, pool: pool, evaluator: evaluator, workDir: workDir}
}

// DownloadFile fetches the blob stored under key into a local file and
// returns its path. The extension may read it synchronously.
func (c *Context) DownloadFile(ctx context.Context, key string) (string, error) {
	reader, err := c.blobs.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("downloading blob %s: %w", key, err)
	}
	defer reader.Close()

	if err := os.MkdirAll(c.workDir, 0o755); err != nil {
		return "", err
	}
	file, err := os.CreateTemp(c.workDir, "attachment-*")
	if err != nil {
		return "", err
	}
	defer file.Close()
	if _, err := io.Copy(file, reader); err != nil {
		_ = os.Remove(file.Name())
		return "", fmt.Errorf("writing blob %s: %w", key, err)
	}
	return file.Name(), nil
}

// RunBlocking offloads blocking extension work (SSH sessions, synchronous
// drivers, file IO) onto the shared bounded pool.
func (c *Context) RunBlocking(ctx context.Context, fn func() error) error {
	return c.pool.Run(ctx, fn)
}

// ModifyJSON replaces the value at an RFC 6901 pointer inside root with
// replacement and returns the new document.
func (c *Context) ModifyJSON(root json.RawMessage, pointer string, replacement json.RawMessage) (json.RawMessage, error) {
	var doc any
	if err := json.Unmarshal(root, &doc); err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	var repl any
	if err := json.Unmarshal(replacement, &repl); err != nil {
		return nil, fmt.Errorf("parsing replacement: %w", err)
	}
	doc, err := setByPointer(doc, pointer, repl)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// ModifyJSONCustom feeds the value at pointer plus resourceIndex to a
// user-provided JavaScript snippet and replaces the value with whatever the
// snippet returns. Config-patch operations use it to compute
// environment-specific replacements.
func (c *Context) ModifyJSONCustom(ctx context.Context, root json.RawMessage, pointer string, jsSource string, resourceIndex int) (json.RawMessage, error) {
	var doc any
	if err := json.Unmarshal(root, &doc); err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	current, err := getByPointer(doc, pointer)
	if err != nil {
		return nil, err
	}
	input, err := json.Marshal(current)
	if err != nil {
		return nil, err
	}
	output, err := c.evaluator.Evaluate(ctx, jsSource, input, resourceIndex)
	if err != nil {
		return nil, fmt.Errorf("evaluating replace function: %w", err)
	}
	var repl any
	if err := json.Unmarshal(output, &repl); err != nil {
		return nil, fmt.Errorf("replace function returned invalid JSON: %w", err)
	}
	doc, err = setByPointer(doc, pointer, repl)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// WorkDir exposes the scratch directory attachments land in.
func (c *Context) WorkDir() string {
	return filepath.Clean(c.workDir)
}
