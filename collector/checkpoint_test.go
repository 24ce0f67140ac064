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

package collector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_ResumeBound(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"1180000000000000001", "1180000000000000000"},
		{"10", "9"},
		{"0", "0"},
		{"abc", "abc"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Checkpoint{ID: tt.id}.ResumeBound(), tt.id)
	}
}

func TestCheckpoint_IsZero(t *testing.T) {
	assert.True(t, Checkpoint{}.IsZero())
	assert.False(t, Checkpoint{ID: "1"}.IsZero())
	assert.Contains(t, Checkpoint{ID: "5", Date: time.Unix(0, 0)}.String(), "id=5")
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "state"))

	_, ok, err := store.Load(ctx, "python")
	require.NoError(t, err)
	assert.False(t, ok)

	want := Checkpoint{ID: "1180000000000000001", Date: time.Date(2020, 10, 5, 10, 0, 0, 0, time.UTC), RunID: "run-1", Complete: true, Newest: "1180000000000000009", Floor: "1170000000000000000"}
	require.NoError(t, store.Save(ctx, "python", want))

	got, ok, err := store.Load(ctx, "python")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.RunID, got.RunID)
	assert.True(t, got.Complete)
	assert.True(t, want.Date.Equal(got.Date))
	assert.Equal(t, want.Newest, got.Newest)
	assert.Equal(t, want.Floor, got.Floor)

	data, err := os.ReadFile(store.Path("python"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `id: "1180000000000000001"`)
	assert.Contains(t, string(data), "complete: true")
}

func TestFileStore_CorruptFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileStore(dir)
	require.NoError(t, os.WriteFile(store.Path("bad"), []byte("id: [unclosed"), 0o644))

	_, _, err := store.Load(ctx, "bad")
	var cpErr *CheckpointError
	require.ErrorAs(t, err, &cpErr)
	assert.Equal(t, "decode", cpErr.Op)
}

func TestFileStore_SafeNames(t *testing.T) {
	store := NewFileStore("/tmp/x")
	assert.Equal(t, "/tmp/x/a_b_c.checkpoint.yaml", store.Path("a/b c"))
}

// fakeRedis implements RedisClient over a map.
type fakeRedis struct {
	data   map[string]string
	ttls   map[string]time.Duration
	getErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	value, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	store := NewRedisStore(client, WithRedisPrefix("test:"), WithRedisTTL(time.Hour))

	_, ok, err := store.Load(ctx, "python")
	require.NoError(t, err)
	assert.False(t, ok)

	want := Checkpoint{ID: "42", Date: time.Date(2021, 1, 2, 3, 4, 5, 0, time.UTC), RunID: "r"}
	require.NoError(t, store.Save(ctx, "python", want))
	assert.Contains(t, client.data, "test:python")
	assert.Equal(t, time.Hour, client.ttls["test:python"])

	got, ok, err := store.Load(ctx, "python")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.ID, got.ID)
	assert.True(t, want.Date.Equal(got.Date))
}

func TestRedisStore_Errors(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	store := NewRedisStore(client)

	client.data["facetflow:checkpoint:bad"] = "{not json"
	_, _, err := store.Load(ctx, "bad")
	var cpErr *CheckpointError
	require.ErrorAs(t, err, &cpErr)
	assert.Equal(t, "decode", cpErr.Op)

	client.getErr = errors.New("connection refused")
	_, _, err = store.Load(ctx, "any")
	require.ErrorAs(t, err, &cpErr)
	assert.Equal(t, "load", cpErr.Op)
}

func TestCollector_UsesRedisStore(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStore(newFakeRedis())
	require.NoError(t, store.Save(ctx, "python", Checkpoint{ID: "110"}))

	searcher := &fakeSearcher{pages: threePages()}
	c := New(&fakeFacet{}, WithSearcher(searcher), WithCheckpointStore(store, "python"),
		WithCheckpoint(Checkpoint{ID: "500"}), WithLogger(quietLogger()))
	_, err := c.Search(ctx, []string{"python"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "109", searcher.queries[0].MaxID, "stored checkpoint wins over the configured one")
	cp, _, err := store.Load(ctx, "python")
	require.NoError(t, err)
	assert.Equal(t, "103", cp.ID)
}
