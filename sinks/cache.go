//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of FacetFlow.
//
// FacetFlow is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// FacetFlow is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with FacetFlow. If not, see https://www.gnu.org/licenses/.

package sinks

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ListFunc enumerates the identifiers already materialized at a storage target.
type ListFunc func(ctx context.Context, target string) ([]string, error)

// ExistenceCache is an immutable snapshot of the identifiers present at one target.
type ExistenceCache struct {
	target string
	keys   map[string]struct{}
}

// Contains reports whether key was present when the snapshot was taken.
func (c *ExistenceCache) Contains(key string) bool {
	_, ok := c.keys[key]
	return ok
}

// Len returns the number of identifiers in the snapshot.
func (c *ExistenceCache) Len() int {
	return len(c.keys)
}

// Target returns the storage target the snapshot describes.
func (c *ExistenceCache) Target() string {
	return c.target
}

// ExistenceRegistry hands out one ExistenceCache per storage target.
//
// The first Load for a target runs the listing; later loads, from any sink
// addressing the same target, share the snapshot until Reset. Snapshots are
// never refreshed automatically, so they can be stale relative to other writers.
type ExistenceRegistry struct {
	mu     sync.RWMutex
	caches map[string]*ExistenceCache
	group  singleflight.Group
}

// NewExistenceRegistry creates an empty registry.
func NewExistenceRegistry() *ExistenceRegistry {
	return &ExistenceRegistry{caches: make(map[string]*ExistenceCache)}
}

// Load returns the cache for target, populating it with list on first use.
func (r *ExistenceRegistry) Load(ctx context.Context, target string, list ListFunc) (*ExistenceCache, error) {
	r.mu.RLock()
	cache, ok := r.caches[target]
	r.mu.RUnlock()
	if ok {
		return cache, nil
	}

	v, err, _ := r.group.Do(target, func() (interface{}, error) {
		r.mu.RLock()
		cache, ok := r.caches[target]
		r.mu.RUnlock()
		if ok {
			return cache, nil
		}

		names, err := list(ctx, target)
		if err != nil {
			return nil, err
		}
		cache = &ExistenceCache{target: target, keys: make(map[string]struct{}, len(names))}
		for _, name := range names {
			cache.keys[name] = struct{}{}
		}

		r.mu.Lock()
		r.caches[target] = cache
		r.mu.Unlock()
		return cache, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ExistenceCache), nil
}

// Reset drops the snapshot for target; the next Load lists it again.
func (r *ExistenceRegistry) Reset(target string) {
	r.mu.Lock()
	delete(r.caches, target)
	r.mu.Unlock()
}

// ResetAll drops every snapshot.
func (r *ExistenceRegistry) ResetAll() {
	r.mu.Lock()
	r.caches = make(map[string]*ExistenceCache)
	r.mu.Unlock()
}
