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

package facet

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/facetflow/core"
	"github.com/aaronlmathis/facetflow/filter"
	"github.com/aaronlmathis/facetflow/matchers"
	"github.com/aaronlmathis/facetflow/sinks"
	"github.com/aaronlmathis/facetflow/transform"
)

// recordingSink counts lifecycle calls and keeps written payloads.
type recordingSink struct {
	targets  []string
	payloads []string
	opens    int
	closes   int
	flushes  int
	openErr  error
	closeErr error
}

func (s *recordingSink) Open(ctx context.Context, target string) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.opens++
	s.targets = append(s.targets, target)
	return nil
}

func (s *recordingSink) Write(ctx context.Context, payload []byte) error {
	s.payloads = append(s.payloads, string(payload))
	return nil
}

func (s *recordingSink) Flush(ctx context.Context) error {
	s.flushes++
	return nil
}

func (s *recordingSink) Close(ctx context.Context) error {
	s.closes++
	return s.closeErr
}

func (s *recordingSink) Exists(ctx context.Context, target string) (bool, error) {
	return false, nil
}

type factoryRecorder struct {
	sinks map[string]*recordingSink
	calls []string
	err   error
}

func newFactoryRecorder() *factoryRecorder {
	return &factoryRecorder{sinks: make(map[string]*recordingSink)}
}

func (f *factoryRecorder) factory(ctx context.Context, key string) (core.Sink, string, error) {
	f.calls = append(f.calls, key)
	if f.err != nil {
		return nil, "", f.err
	}
	sink := &recordingSink{}
	f.sinks[key] = sink
	return sink, key + ".json", nil
}

func mustMatcher(t *testing.T, pattern string) core.Matcher {
	t.Helper()
	m, err := matchers.NewRegexMatcher(pattern)
	require.NoError(t, err)
	return m
}

func TestRouter_RoutesByKey(t *testing.T) {
	ctx := context.Background()
	rec := newFactoryRecorder()
	router := NewRouter(mustMatcher(t, "python|golang"), rec.factory)

	tests := []struct {
		text    string
		matched bool
	}{
		{"Learning Python today", true},
		{"golang generics", true},
		{"nothing relevant", false},
		{"more PYTHON", true},
		{"Python and Golang", true},
	}
	for _, tt := range tests {
		matched, err := router.Emit(ctx, core.Record{"text": tt.text})
		require.NoError(t, err)
		assert.Equal(t, tt.matched, matched, tt.text)
	}

	assert.Equal(t, []string{"python", "golang", "golang_python"}, router.Keys())
	assert.Equal(t, []string{"python", "golang", "golang_python"}, rec.calls, "factory called once per key")
	assert.Len(t, rec.sinks["python"].payloads, 2)
	assert.Equal(t, []string{"python.json"}, rec.sinks["python"].targets)

	stats := router.Stats()
	assert.Equal(t, int64(5), stats.RecordsSeen)
	assert.Equal(t, int64(4), stats.RecordsMatched)
	assert.Equal(t, int64(1), stats.RecordsNoMatch)
	assert.Equal(t, int64(3), stats.SinksOpened)
}

func TestRouter_MissingTextDoesNotMatch(t *testing.T) {
	ctx := context.Background()
	rec := newFactoryRecorder()
	router := NewRouter(mustMatcher(t, "python"), rec.factory)

	matched, err := router.Emit(ctx, core.Record{"id": 1})
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Empty(t, router.Keys())
}

func TestRouter_TextFieldFallback(t *testing.T) {
	ctx := context.Background()
	rec := newFactoryRecorder()
	router := NewRouter(mustMatcher(t, "python"), rec.factory,
		WithTextField("extended_tweet.full_text", "text"))

	record := core.Record{
		"text":           "truncated…",
		"extended_tweet": map[string]interface{}{"full_text": "the full text mentions python"},
	}
	matched, err := router.Emit(ctx, record)
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestRouter_FiltersAndTransforms(t *testing.T) {
	ctx := context.Background()
	rec := newFactoryRecorder()
	router := NewRouter(mustMatcher(t, "python"), rec.factory,
		WithFilters(filter.Language("en")),
		WithTransforms(transform.Select("id", "text")),
	)

	matched, err := router.Emit(ctx, core.Record{"id": 1, "lang": "de", "text": "python"})
	require.NoError(t, err)
	assert.False(t, matched)

	matched, err = router.Emit(ctx, core.Record{"id": 2, "lang": "en", "text": "python", "extra": true})
	require.NoError(t, err)
	assert.True(t, matched)

	require.Len(t, rec.sinks["python"].payloads, 1)
	assert.JSONEq(t, `{"id":2,"text":"python"}`, rec.sinks["python"].payloads[0])
	assert.Equal(t, int64(1), router.Stats().RecordsFiltered)
}

func TestRouter_SharedSinkOpenedAndClosedOnce(t *testing.T) {
	ctx := context.Background()
	shared := &recordingSink{}
	factory := func(ctx context.Context, key string) (core.Sink, string, error) {
		return shared, "tweets", nil
	}
	router := NewRouter(mustMatcher(t, "python|golang"), factory)

	for _, text := range []string{"python", "golang", "python golang"} {
		_, err := router.Emit(ctx, core.Record{"text": text})
		require.NoError(t, err)
	}
	require.NoError(t, router.Close(ctx))

	assert.Equal(t, 1, shared.opens)
	assert.Equal(t, 1, shared.closes)
	assert.Len(t, shared.payloads, 3)
	assert.Equal(t, []string{"tweets"}, shared.targets)
}

func TestRouter_KeysWithOneTargetShareASink(t *testing.T) {
	ctx := context.Background()
	var created []*recordingSink
	factory := func(ctx context.Context, key string) (core.Sink, string, error) {
		sink := &recordingSink{}
		created = append(created, sink)
		return sink, TargetName(key) + "_{n}.json", nil
	}
	router := NewRouter(mustMatcher(t, "[#@]nba"), factory)

	for _, text := range []string{"#nba one", "@nba two", "#NBA three"} {
		matched, err := router.Emit(ctx, core.Record{"text": text})
		require.NoError(t, err)
		assert.True(t, matched)
	}
	assert.Equal(t, []string{"#nba", "@nba"}, router.Keys())
	require.NoError(t, router.Close(ctx))

	require.Len(t, created, 2, "factory called once per key")
	assert.Equal(t, 1, created[0].opens)
	assert.Equal(t, 1, created[0].closes)
	assert.Equal(t, []string{"nba_{n}.json"}, created[0].targets)
	assert.Len(t, created[0].payloads, 3, "both keys write to the sink owning the target")
	assert.Equal(t, 0, created[1].opens, "a second sink on the same target is never opened")
	assert.Equal(t, int64(1), router.Stats().SinksOpened)
}

func TestRouter_OpenFailureClosesSink(t *testing.T) {
	ctx := context.Background()
	failing := &recordingSink{openErr: errors.New("disk full")}
	factory := func(ctx context.Context, key string) (core.Sink, string, error) {
		return failing, key, nil
	}
	router := NewRouter(mustMatcher(t, "python"), factory)

	_, err := router.Emit(ctx, core.Record{"text": "python"})
	var routerErr *RouterError
	require.ErrorAs(t, err, &routerErr)
	assert.Equal(t, "open_sink", routerErr.Op)
	assert.Equal(t, 1, failing.closes)
	assert.Empty(t, router.Keys())
}

func TestRouter_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rec := newFactoryRecorder()
	router := NewRouter(mustMatcher(t, "python"), rec.factory)

	_, err := router.Emit(ctx, core.Record{"text": "python"})
	require.NoError(t, err)

	require.NoError(t, router.Close(ctx))
	require.NoError(t, router.Close(ctx))
	assert.Equal(t, 1, rec.sinks["python"].closes)
	assert.Empty(t, router.Keys())

	_, err = router.Emit(ctx, core.Record{"text": "python"})
	assert.ErrorIs(t, err, ErrRouterClosed)
	assert.ErrorIs(t, router.Flush(ctx), ErrRouterClosed)
}

func TestRouter_CloseJoinsErrors(t *testing.T) {
	ctx := context.Background()
	rec := newFactoryRecorder()
	router := NewRouter(mustMatcher(t, "a|b"), rec.factory)

	_, err := router.Emit(ctx, core.Record{"text": "a"})
	require.NoError(t, err)
	_, err = router.Emit(ctx, core.Record{"text": "b"})
	require.NoError(t, err)

	errA := errors.New("close a failed")
	errB := errors.New("close b failed")
	rec.sinks["a"].closeErr = errA
	rec.sinks["b"].closeErr = errB

	err = router.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, 1, rec.sinks["b"].closes, "every sink closed despite earlier failure")
}

func TestRouter_FactoryError(t *testing.T) {
	ctx := context.Background()
	rec := newFactoryRecorder()
	rec.err = errors.New("no storage")
	router := NewRouter(mustMatcher(t, "python"), rec.factory)

	_, err := router.Emit(ctx, core.Record{"text": "python"})
	require.Error(t, err)

	var routerErr *RouterError
	require.ErrorAs(t, err, &routerErr)
	assert.Equal(t, "create_sink", routerErr.Op)
	assert.Equal(t, "python", routerErr.Key)
	assert.Empty(t, router.Keys())
}

func TestRouter_FlushReachesEverySink(t *testing.T) {
	ctx := context.Background()
	rec := newFactoryRecorder()
	router := NewRouter(mustMatcher(t, "a|b"), rec.factory)

	for _, text := range []string{"a", "b"} {
		_, err := router.Emit(ctx, core.Record{"text": text})
		require.NoError(t, err)
	}
	require.NoError(t, router.Flush(ctx))
	assert.Equal(t, 1, rec.sinks["a"].flushes)
	assert.Equal(t, 1, rec.sinks["b"].flushes)
}

func TestRouter_LogsOpenedSinks(t *testing.T) {
	ctx := context.Background()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	router := NewRouter(mustMatcher(t, "python"), newFactoryRecorder().factory, WithLogger(logger))

	_, err := router.Emit(ctx, core.Record{"text": "python"})
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "opened sink", entry.Message)
	assert.Equal(t, "python", entry.Data["key"])
	assert.Equal(t, "python.json", entry.Data["target"])
}

func TestRouter_WithRollingRecordFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	factory := func(ctx context.Context, key string) (core.Sink, string, error) {
		sink, err := sinks.NewRollingSink(sinks.NewRecordSink(sinks.NewFileSink()), 2)
		if err != nil {
			return nil, "", err
		}
		return sink, filepath.Join(dir, TargetName(key)+"_{n}.json"), nil
	}
	router := NewRouter(mustMatcher(t, "#python"), factory)

	for _, text := range []string{"#Python 1", "#python 2", "#PYTHON 3"} {
		matched, err := router.Emit(ctx, core.Record{"text": text})
		require.NoError(t, err)
		assert.True(t, matched)
	}
	require.NoError(t, router.Close(ctx))

	counts := map[string]int{"python_0.json": 2, "python_1.json": 1}
	for name, want := range counts {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		var decoded []core.Record
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Len(t, decoded, want, name)
	}
}

func TestTargetName(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"python", "python"},
		{"#python", "python"},
		{"@user_name", "user_name"},
		{"#go_#rust", "go_rust"},
		{"a b/c", "a_b_c"},
		{"été", "été"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TargetName(tt.key), tt.key)
	}
}
