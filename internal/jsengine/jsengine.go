// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Mould - A deployment orchestration server that runs typed jobs against
configured environments through loadable resource extensions.

Copyright (C) 2025  The Mould Authors

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.
*/

// Package jsengine evaluates user-provided JavaScript snippets for JSON
// transformation. Every call gets its own interpreter: no filesystem, no
// network, no host bindings beyond the input value and the resource index.
package jsengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout bounds how long one snippet may run.
const DefaultTimeout = 5 * time.Second

// Engine implements extension.Evaluator on goja.
type Engine struct {
	timeout time.Duration
}

// New creates an engine. A zero timeout falls back to DefaultTimeout.
func New(timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{timeout: timeout}
}

// Evaluate runs source, which must evaluate to a function, applying it to
// (value, resourceIndex) and returning the result re-encoded as JSON.
func (e *Engine) Evaluate(ctx context.Context, source string, input json.RawMessage, resourceIndex int) (json.RawMessage, error) {
	vm := goja.New()

	timeout := e.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("execution timed out")
	})
	defer timer.Stop()

	fnValue, err := vm.RunString("(" + source + ")")
	if err != nil {
		return nil, fmt.Errorf("compiling replace function: %w", err)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, fmt.Errorf("source is not a function")
	}

	var value any
	if err := json.Unmarshal(input, &value); err != nil {
		return nil, fmt.Errorf("decoding input: %w", err)
	}

	result, err := fn(goja.Undefined(), vm.ToValue(value), vm.ToValue(resourceIndex))
	if err != nil {
		return nil, fmt.Errorf("running replace function: %w", err)
	}

	exported := result.Export()
	out, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return out, nil
}
