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

package readers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/facetflow/core"
	"github.com/aaronlmathis/facetflow/sinks"
)

// drain reads src to the end and returns the records and errors it produced.
func drain(t *testing.T, src core.DataSource) ([]core.Record, []error) {
	t.Helper()
	var records []core.Record
	var errs []error
	for i := 0; i < 1000; i++ {
		record, err := src.Read(context.Background())
		if err == io.EOF {
			return records, errs
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, record)
	}
	t.Fatal("source never reached EOF")
	return nil, nil
}

func arrayReader(s string) *JSONArrayReader {
	return NewJSONArrayReader(io.NopCloser(strings.NewReader(s)))
}

func TestJSONArrayReader(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		records int
		errs    int
	}{
		{"empty input", "", 0, 0},
		{"empty array", "[]", 0, 0},
		{"pretty array", "[\n{\"id\":1},\n{\"id\":2}\n]\n", 2, 0},
		{"non-object elements skipped", `[{"id":1}, 7, "x", null, {"id":2}]`, 2, 3},
		{"not an array", `{"id":1}`, 0, 1},
		{"truncated array", `[{"id":1}, {"id":`, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, errs := drain(t, arrayReader(tt.input))
			assert.Len(t, records, tt.records)
			assert.Len(t, errs, tt.errs)
		})
	}
}

func TestJSONArrayReader_ElementErrors(t *testing.T) {
	r := arrayReader(`[7, {"id":1180000000000000001}]`)
	_, err := r.Read(context.Background())
	assert.ErrorIs(t, err, core.ErrInvalidPayload)

	record, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, json.Number("1180000000000000001"), record["id"])
}

func TestJSONArrayReader_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := arrayReader(`[{"id":1}]`).Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJSONLinesReader(t *testing.T) {
	r := NewJSONLinesReader(io.NopCloser(strings.NewReader("{\"id\":1}\n\n  \n{\"id\":2}\nnull\n")))
	records, errs := drain(t, r)
	assert.Len(t, records, 2)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], core.ErrInvalidPayload)
	assert.NoError(t, r.Close())
}

func TestJSONLinesReader_OversizedLineEndsReader(t *testing.T) {
	defer func(size int) { maxLineSize = size }(maxLineSize)
	maxLineSize = 64

	long := `{"text":"` + strings.Repeat("x", 100) + `"}`
	r := NewJSONLinesReader(io.NopCloser(strings.NewReader("{\"id\":1}\n" + long + "\n{\"id\":3}\n")))
	records, errs := drain(t, r)
	assert.Len(t, records, 1)
	require.Len(t, errs, 1, "the scan error is reported once")
	assert.ErrorIs(t, errs[0], bufio.ErrTooLong)
}

func TestFileReader_ContinuesAfterUnreadableFile(t *testing.T) {
	defer func(size int) { maxLineSize = size }(maxLineSize)
	maxLineSize = 64

	dir := t.TempDir()
	long := `{"text":"` + strings.Repeat("x", 100) + `"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jsonl"), []byte(long+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jsonl"), []byte(`{"id":2}`+"\n"), 0o644))

	reader, err := NewFileReader(dir)
	require.NoError(t, err)
	records, errs := drain(t, reader)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "a.jsonl")
	require.Len(t, records, 1)
	assert.Equal(t, json.Number("2"), records[0]["id"])
	assert.NoError(t, reader.Close())
}

func TestFileReader_ReadsSinkOutput(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// Archive produced the way the collector writes it.
	rolling, err := sinks.NewRollingSink(sinks.NewRecordSink(sinks.NewFileSink()), 2)
	require.NoError(t, err)
	require.NoError(t, rolling.Open(ctx, filepath.Join(dir, "python_{n}.json")))
	for _, text := range []string{"a", "b", "c"} {
		data, err := core.Record{"text": text}.Marshal()
		require.NoError(t, err)
		require.NoError(t, rolling.Write(ctx, data))
	}
	require.NoError(t, rolling.Close(ctx))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.jsonl"), []byte(`{"text":"d"}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	reader, err := NewFileReader(dir)
	require.NoError(t, err)
	assert.Len(t, reader.Paths(), 3)

	records, errs := drain(t, reader)
	require.Empty(t, errs)
	var texts []string
	for _, r := range records {
		text, _ := r.String("text")
		texts = append(texts, text)
	}
	assert.Equal(t, []string{"d", "a", "b", "c"}, texts, "files are read in name order")
	assert.NoError(t, reader.Close())
}

func TestFileReader_Glob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go_0.json"), []byte(`[{"id":1}]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go_1.json"), []byte(`[{"id":2},{"id":3}]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "py_0.json"), []byte(`[{"id":4}]`), 0o644))

	reader, err := NewFileReader(filepath.Join(dir, "go_*.json"), filepath.Join(dir, "go_0.json"))
	require.NoError(t, err)
	assert.Len(t, reader.Paths(), 2, "duplicates are read once")

	records, errs := drain(t, reader)
	assert.Empty(t, errs)
	assert.Len(t, records, 3)

	empty, err := NewFileReader(filepath.Join(dir, "none_*.json"))
	require.NoError(t, err)
	_, err = empty.Read(context.Background())
	assert.Equal(t, io.EOF, err)
}
