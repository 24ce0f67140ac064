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
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExistenceRegistry_LoadOnce(t *testing.T) {
	ctx := context.Background()
	registry := NewExistenceRegistry()

	var calls int32
	list := func(ctx context.Context, target string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return []string{"a", "b"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache, err := registry.Load(ctx, "bucket", list)
			assert.NoError(t, err)
			assert.Equal(t, 2, cache.Len())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExistenceRegistry_TargetsAreIndependent(t *testing.T) {
	ctx := context.Background()
	registry := NewExistenceRegistry()
	list := func(ctx context.Context, target string) ([]string, error) {
		return []string{target + "/x"}, nil
	}

	one, err := registry.Load(ctx, "one", list)
	require.NoError(t, err)
	two, err := registry.Load(ctx, "two", list)
	require.NoError(t, err)

	assert.True(t, one.Contains("one/x"))
	assert.False(t, one.Contains("two/x"))
	assert.Equal(t, "two", two.Target())
}

func TestExistenceRegistry_ErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	registry := NewExistenceRegistry()

	_, err := registry.Load(ctx, "t", func(ctx context.Context, target string) ([]string, error) {
		return nil, errors.New("unavailable")
	})
	require.Error(t, err)

	cache, err := registry.Load(ctx, "t", func(ctx context.Context, target string) ([]string, error) {
		return []string{"k"}, nil
	})
	require.NoError(t, err)
	assert.True(t, cache.Contains("k"))
}

func TestExistenceRegistry_Reset(t *testing.T) {
	ctx := context.Background()
	registry := NewExistenceRegistry()
	keys := []string{"a"}
	list := func(ctx context.Context, target string) ([]string, error) {
		return keys, nil
	}

	cache, err := registry.Load(ctx, "t", list)
	require.NoError(t, err)
	assert.False(t, cache.Contains("b"))

	keys = []string{"a", "b"}
	cache, err = registry.Load(ctx, "t", list)
	require.NoError(t, err)
	assert.False(t, cache.Contains("b"), "stale until reset")

	registry.Reset("t")
	cache, err = registry.Load(ctx, "t", list)
	require.NoError(t, err)
	assert.True(t, cache.Contains("b"))

	keys = []string{"c"}
	registry.ResetAll()
	cache, err = registry.Load(ctx, "t", list)
	require.NoError(t, err)
	assert.True(t, cache.Contains("c"))
}
