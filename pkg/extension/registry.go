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
	"fmt"
	"io/fs"
	"path/filepath"
	"plugin"
	"strings"
	"sync"
)

// FactorySymbol is the symbol a shared-library extension must export. Its
// value has type func() Extension.
const FactorySymbol = "GetInterface"

// Registry manages extension registration and lookup. It is read-only after
// startup.
type Registry struct {
	mu         sync.RWMutex
	extensions map[string]Extension
	// loaded keeps plugin handles alive for the process lifetime. Libraries
	// are never unloaded: a handle into their code may still be live.
	loaded []*plugin.Plugin
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		extensions: make(map[string]Extension),
	}
}

// Register registers an extension.
// Panics if the extension ID is empty or already registered: two plugins
// claiming the same id is a deployment mistake that must fail startup.
func (r *Registry) Register(e Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := e.ID()
	if id == "" {
		panic("extension registration: empty ID")
	}
	if _, exists := r.extensions[id]; exists {
		panic(fmt.Sprintf("extension registration: duplicate ID %q", id))
	}

	r.extensions[id] = e
}

// Get retrieves an extension by ID.
// Returns an error if the extension is not found.
func (r *Registry) Get(id string) (Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.extensions[id]
	if !ok {
		return nil, fmt.Errorf("unknown extension %q", id)
	}
	return e, nil
}

// Has checks if an extension with the given ID is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.extensions[id]
	return ok
}

// IDs returns all registered extension IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.extensions))
	for id := range r.extensions {
		ids = append(ids, id)
	}
	return ids
}

// All returns every registered extension.
func (r *Registry) All() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Extension, 0, len(r.extensions))
	for _, e := range r.extensions {
		list = append(list, e)
	}
	return list
}

// LoadDir walks dir and registers every shared-library extension found. A
// library must export FactorySymbol as func() Extension. A missing directory
// is not an error; a library that fails to load is.
func (r *Registry) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				// No extension directory configured on this host.
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".so") {
			return nil
		}
		return r.loadLibrary(path)
	})
}

func (r *Registry) loadLibrary(path string) error {
	lib, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("loading extension library %s: %w", path, err)
	}
	sym, err := lib.Lookup(FactorySymbol)
	if err != nil {
		return fmt.Errorf("extension library %s: %w", path, err)
	}
	factory, ok := sym.(func() Extension)
	if !ok {
		return fmt.Errorf("extension library %s: %s has type %T, want func() Extension", path, FactorySymbol, sym)
	}
	r.Register(factory())

	r.mu.Lock()
	r.loaded = append(r.loaded, lib)
	r.mu.Unlock()
	return nil
}

// DefaultRegistry is the global default registry.
var DefaultRegistry = NewRegistry()

// Register registers an extension in the default registry.
func Register(e Extension) {
	DefaultRegistry.Register(e)
}

// Get retrieves an extension from the default registry.
func Get(id string) (Extension, error) {
	return DefaultRegistry.Get(id)
}

// Has checks if an extension exists in the default registry.
func Has(id string) bool {
	return DefaultRegistry.Has(id)
}
