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

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/facetflow/collector"
	"github.com/aaronlmathis/facetflow/config"
	"github.com/aaronlmathis/facetflow/sinks"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "facetflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitSuccess, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, exitInterrupted, exitCode(fmt.Errorf("%w: cancelled", collector.ErrInterrupted)))
	assert.Equal(t, exitCommandError, exitCode(wrapExitError(exitCommandError, "bad flag", nil)))
	assert.Equal(t, "bad config: boom", wrapExitError(exitCommandError, "bad config", errors.New("boom")).Error())
}

func TestTargetFor(t *testing.T) {
	assert.Equal(t, "golang_{n}.json", targetFor("{key}_{n}.json", "golang"))
	assert.Equal(t, "go_lang_python", targetFor("{key}", "#go lang_python"))
	assert.Equal(t, "tweets", targetFor("tweets", "golang"))
}

func TestStreamTermination(t *testing.T) {
	cfgUntil := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	term, err := streamTermination(config.StreamConfig{UntilTime: cfgUntil, Limit: 10}, 0, "")
	require.NoError(t, err)
	assert.Equal(t, cfgUntil, term.Until)
	assert.Equal(t, 10, term.Limit)

	term, err = streamTermination(config.StreamConfig{Limit: 10}, 5, "2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, 5, term.Limit)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), term.Until)

	_, err = streamTermination(config.StreamConfig{}, 0, "March")
	assert.Error(t, err)
}

func TestRootRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "query: {}\n")

	_, err := execute(t, "search", "-c", path)
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))
	assert.Contains(t, err.Error(), "query.terms is required")
}

// searchStatuses are served newest first, honouring max_id and since_id.
var searchStatuses = []struct {
	id   int64
	body string
}{
	{3, `{"id": 3, "text": "Python rocks", "created_at": "Mon Jan 01 10:00:00 +0000 2024"}`},
	{2, `{"id": 2, "text": "golang and python", "created_at": "Mon Jan 01 09:00:00 +0000 2024"}`},
	{1, `{"id": 1, "text": "nothing relevant", "created_at": "Mon Jan 01 08:00:00 +0000 2024"}`},
}

func TestSearchCommand(t *testing.T) {
	var queries []url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		queries = append(queries, query)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "(python OR golang)", query.Get("q"))
		assert.Equal(t, "en", query.Get("lang"))

		maxID := int64(math.MaxInt64)
		if v := query.Get("max_id"); v != "" {
			maxID, _ = strconv.ParseInt(v, 10, 64)
		}
		var sinceID int64
		if v := query.Get("since_id"); v != "" {
			sinceID, _ = strconv.ParseInt(v, 10, 64)
		}
		var statuses []string
		for _, s := range searchStatuses {
			if s.id <= maxID && s.id > sinceID {
				statuses = append(statuses, s.body)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"statuses": [%s]}`, strings.Join(statuses, ","))
	}))
	defer server.Close()

	dir := t.TempDir()
	path := writeConfig(t, dir, fmt.Sprintf(`
query:
  terms: [python, golang]
  params: {lang: en}
provider:
  search_url: %s
  auth: {type: bearer, token: secret}
output:
  type: file
  dir: %s
checkpoint:
  type: file
  dir: %s
logging:
  level: error
`, server.URL, filepath.Join(dir, "out"), filepath.Join(dir, "state")))

	out, err := execute(t, "search", "-c", path)
	require.NoError(t, err)
	require.Len(t, queries, 2, "paging below the last id ends at an empty page")
	assert.Empty(t, queries[0].Get("max_id"))
	assert.Equal(t, "0", queries[1].Get("max_id"))
	assert.Contains(t, out, "records:    3")
	assert.Contains(t, out, "matched:    2")

	data, err := os.ReadFile(filepath.Join(dir, "out", "python_0.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Python rocks")

	data, err = os.ReadFile(filepath.Join(dir, "out", "golang_python_0.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "golang and python")

	state, err := os.ReadFile(filepath.Join(dir, "state", "python_golang.search.checkpoint.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(state), `id: "1"`)
	assert.Contains(t, string(state), `newest: "3"`)
	assert.Contains(t, string(state), "complete: true")
	assert.NoFileExists(t, filepath.Join(dir, "state", "python_golang.stream.checkpoint.yaml"))

	// A second search only asks for records newer than the first one collected.
	_, err = execute(t, "search", "-c", path)
	require.NoError(t, err)
	require.Len(t, queries, 3)
	assert.Equal(t, "3", queries[2].Get("since_id"))
	assert.NoFileExists(t, filepath.Join(dir, "out", "python_1.json"))
}

func TestSearchCommandEmptyNextResults(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, `{"statuses": [{"id": 3, "text": "python"}], "search_metadata": {"next_results": ""}}`)
	}))
	defer server.Close()

	dir := t.TempDir()
	path := writeConfig(t, dir, fmt.Sprintf(`
query: {terms: [python]}
provider: {search_url: %s}
output: {type: stdout}
checkpoint: {type: none}
logging: {level: panic}
`, server.URL))

	_, err := execute(t, "search", "-c", path)
	require.NoError(t, err)
	assert.Equal(t, 1, requests)
}

func TestSearchCommandProviderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"Unauthorized"}]}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	dir := t.TempDir()
	path := writeConfig(t, dir, fmt.Sprintf(`
query: {terms: [python]}
provider: {search_url: %s}
output: {type: stdout}
checkpoint: {type: none}
logging: {level: panic}
`, server.URL))

	_, err := execute(t, "search", "-c", path)
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestReplayCommand(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "python_0.json")
	require.NoError(t, os.WriteFile(archive, []byte(`[
{"id": 1, "text": "Golang 1.22 released", "lang": "en"},
{"id": 2, "text": "golang en español", "lang": "es"},
{"id": 3, "text": "unrelated", "lang": "en"}
]`), 0o644))

	path := writeConfig(t, dir, `
query: {terms: [golang]}
matcher: {language: en, fields: [id, text]}
output: {type: stdout}
checkpoint: {type: none}
logging: {level: error}
`)

	out, err := execute(t, "replay", "-c", path, archive)
	require.NoError(t, err)
	assert.Contains(t, out, `golang: {"id":1,"text":"Golang 1.22 released"}`)
	assert.NotContains(t, out, "español")
	assert.Contains(t, out, "read:     3")
	assert.Contains(t, out, "matched:  1")
	assert.Contains(t, out, "dropped:  2")

	_, err = execute(t, "replay", "-c", path)
	assert.Equal(t, exitCommandError, exitCode(err))

	_, err = execute(t, "replay", "-c", path, "--strategy", "retry", archive)
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestReplayCommandConditions(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "golang_0.json")
	require.NoError(t, os.WriteFile(archive, []byte(`[
{"id": 1, "text": "golang release", "user": {"lang": "en"}, "source": "android"},
{"id": 2, "text": "golang tips", "user": {"lang": "fr"}, "source": "android"},
{"id": 3, "text": "golang tips", "user": {"lang": "es"}, "source": "web"},
{"id": 4, "text": "golang news", "user": {"lang": "en"}, "source": "Android app", "entities": {"urls": []}}
]`), 0o644))

	path := writeConfig(t, dir, `
query: {terms: [golang]}
matcher:
  where:
    - {field: user.lang, in: [en, es]}
    - {field: text, regex: "(?i)release", not: true}
  where_any:
    - {field: source, contains: android}
    - {field: id, equals: "3"}
  fields: [id, text, entities]
  rename: {text: body}
  drop_fields: [entities]
  set_fields: {collected_by: facetflow}
output: {type: stdout}
checkpoint: {type: none}
logging: {level: error}
`)

	out, err := execute(t, "replay", "-c", path, archive)
	require.NoError(t, err)
	assert.Contains(t, out, `golang: {"body":"golang tips","collected_by":"facetflow","id":3}`)
	assert.Contains(t, out, `golang: {"body":"golang news","collected_by":"facetflow","id":4}`)
	assert.NotContains(t, out, "release")
	assert.NotContains(t, out, `"id":2`)
	assert.NotContains(t, out, "entities")
	assert.Contains(t, out, "matched:  2")
}

func TestReplayCommandValidation(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "golang_0.json")
	require.NoError(t, os.WriteFile(archive, []byte(`[
{"id": 1, "text": "golang", "created_at": "2024-01-01T00:00:00Z"},
{"id": "two", "text": "golang", "created_at": "2024-01-01T00:00:00Z"},
{"id": 3, "text": "golang"}
]`), 0o644))

	path := writeConfig(t, dir, `
query: {terms: [golang]}
matcher: {field_types: {id: int}, fields: [id]}
output: {type: stdout}
checkpoint: {type: none}
logging: {level: error}
`)

	out, err := execute(t, "replay", "-c", path, "--require", "created_at", "--strategy", "collect", archive)
	assert.Equal(t, exitFailure, exitCode(err))
	assert.Contains(t, out, `golang: {"id":1}`)
	assert.NotContains(t, out, `"two"`)
	assert.Contains(t, out, "matched:  1")
	assert.Contains(t, out, "filtered: 0")
	assert.Contains(t, out, "dropped:  1")
	assert.Contains(t, out, "errors:   1")
	assert.Contains(t, out, "field created_at failed required check")
}

func TestInspectCommand(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "golang_0.parquet")
	sink := sinks.NewParquetSink()
	require.NoError(t, sink.Open(ctx, path))
	require.NoError(t, sink.Write(ctx, []byte(`{"id":1,"text":"golang"}`)))
	require.NoError(t, sink.Close(ctx))

	out, err := execute(t, "inspect", path, "-c", "does-not-exist.yaml")
	require.NoError(t, err, "inspect does not load the configuration")
	assert.Contains(t, out, "rows:       1")
	assert.Contains(t, out, "payload (BYTE_ARRAY)")

	_, err = execute(t, "inspect", filepath.Join(t.TempDir(), "missing.parquet"))
	assert.Equal(t, exitFailure, exitCode(err))
}
