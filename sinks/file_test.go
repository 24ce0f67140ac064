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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/facetflow/core"
)

func TestFileSink_CreatesParentDirectories(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "deeper", "out.json")

	sink := NewFileSink()
	require.NoError(t, sink.Open(ctx, path))
	require.NoError(t, sink.Write(ctx, []byte("hello ")))
	require.NoError(t, sink.Write(ctx, []byte("world")))
	require.NoError(t, sink.Close(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestFileSink_FlushMakesBytesVisible(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out.txt")

	sink := NewFileSink(WithFileSync(true))
	require.NoError(t, sink.Open(ctx, path))
	require.NoError(t, sink.Write(ctx, []byte("partial")))
	require.NoError(t, sink.Flush(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(data))

	require.NoError(t, sink.Close(ctx))
}

func TestFileSink_ExistingDirectoryIsNotAnError(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "shared")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	sink := NewFileSink()
	require.NoError(t, sink.Open(ctx, filepath.Join(dir, "a.json")))
	require.NoError(t, sink.Close(ctx))
}

func TestFileSink_OpenTruncates(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("old contents"), 0o644))

	sink := NewFileSink()
	require.NoError(t, sink.Open(ctx, path))
	require.NoError(t, sink.Write(ctx, []byte("new")))
	require.NoError(t, sink.Close(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestFileSink_ReopenClosesPreviousTarget(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first := filepath.Join(dir, "first.txt")
	second := filepath.Join(dir, "second.txt")

	sink := NewFileSink()
	require.NoError(t, sink.Open(ctx, first))
	require.NoError(t, sink.Write(ctx, []byte("one")))
	require.NoError(t, sink.Open(ctx, second))
	require.NoError(t, sink.Write(ctx, []byte("two")))
	require.NoError(t, sink.Close(ctx))

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
	assert.Equal(t, second, sink.Path())
}

func TestFileSink_StateErrors(t *testing.T) {
	ctx := context.Background()
	sink := NewFileSink()

	err := sink.Write(ctx, []byte("x"))
	assert.ErrorIs(t, err, core.ErrNotOpen)
	assert.ErrorIs(t, sink.Flush(ctx), core.ErrNotOpen)

	require.NoError(t, sink.Open(ctx, filepath.Join(t.TempDir(), "x")))
	require.NoError(t, sink.Close(ctx))

	err = sink.Write(ctx, []byte("x"))
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.NoError(t, sink.Close(ctx), "second close is a no-op")
}

func TestFileSink_Exists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	present := filepath.Join(dir, "present")
	require.NoError(t, os.WriteFile(present, nil, 0o644))

	sink := NewFileSink()
	ok, err := sink.Exists(ctx, present)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sink.Exists(ctx, filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.False(t, ok)
}
