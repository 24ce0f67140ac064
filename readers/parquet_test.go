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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v12/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/facetflow/core"
	"github.com/aaronlmathis/facetflow/sinks"
)

// writeParquetArchive writes payloads through the Parquet sink the way the collector archives them.
func writeParquetArchive(t *testing.T, path string, payloads ...string) {
	t.Helper()
	ctx := context.Background()
	sink := sinks.NewParquetSink(sinks.WithParquetBatchSize(2), sinks.WithParquetRowGroupSize(2))
	require.NoError(t, sink.Open(ctx, path))
	for _, p := range payloads {
		require.NoError(t, sink.Write(ctx, []byte(p)))
	}
	require.NoError(t, sink.Close(ctx))
}

func TestParquetReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golang_0.parquet")
	writeParquetArchive(t, path,
		`{"id":1180000000000000001,"text":"golang one","created_at":"Mon Jan 01 00:00:00 +0000 2024"}`,
		`{"id":2,"text":"golang two"}`,
		`{"id":3,"text":"golang three","user":{"lang":"en"}}`,
	)

	f, err := os.Open(path)
	require.NoError(t, err)
	records, errs := drain(t, NewParquetReader(f))
	require.Empty(t, errs)
	require.Len(t, records, 3)
	assert.Equal(t, json.Number("1180000000000000001"), records[0]["id"])
	lang, _ := records[2].String("user.lang")
	assert.Equal(t, "en", lang)
}

func TestParquetReader_BuffersUnseekableBodies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "python_0.parquet")
	writeParquetArchive(t, path, `{"id":1,"text":"python"}`)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	records, errs := drain(t, NewParquetReader(io.NopCloser(bytes.NewReader(data))))
	require.Empty(t, errs)
	require.Len(t, records, 1)
}

func TestParquetReader_NotParquet(t *testing.T) {
	r := NewParquetReader(io.NopCloser(strings.NewReader(`[{"id":1}]`)))
	_, err := r.Read(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open parquet")

	_, err = r.Read(context.Background())
	assert.Equal(t, io.EOF, err, "a broken archive is reported once")
	assert.NoError(t, r.Close())
}

// failingRecords stops like a record reader that hit a corrupt page.
type failingRecords struct {
	pqarrow.RecordReader
	err error
}

func (f failingRecords) Next() bool { return false }
func (f failingRecords) Err() error { return f.err }
func (f failingRecords) Release()   {}

func TestParquetReader_ReportsDecodeFailure(t *testing.T) {
	r := NewParquetReader(io.NopCloser(strings.NewReader("")))
	corrupt := errors.New("corrupt page header")
	r.records = failingRecords{err: corrupt}

	_, err := r.Read(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, corrupt)
	assert.NotEqual(t, io.EOF, err, "a failed read is not a clean end of file")

	_, err = r.Read(context.Background())
	assert.Equal(t, io.EOF, err)
	assert.NoError(t, r.Close())
}

func TestParquetReader_EOFFromRecordsIsCleanEnd(t *testing.T) {
	r := NewParquetReader(io.NopCloser(strings.NewReader("")))
	r.records = failingRecords{err: io.EOF}

	_, err := r.Read(context.Background())
	assert.Equal(t, io.EOF, err)
	assert.NoError(t, r.Close())
}

func TestFileReader_ReadsParquetArchives(t *testing.T) {
	dir := t.TempDir()
	writeParquetArchive(t, filepath.Join(dir, "a_0.parquet"), `{"id":1,"text":"a"}`, `{"id":2,"text":"b"}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_0.json"), []byte(`[{"id":3,"text":"c"}]`), 0o644))

	reader, err := NewFileReader(dir)
	require.NoError(t, err)
	records, errs := drain(t, reader)
	require.Empty(t, errs)

	var texts []string
	for _, r := range records {
		text, _ := r.String("text")
		texts = append(texts, text)
	}
	assert.Equal(t, []string{"a", "b", "c"}, texts)
}

func TestInspectParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rust_0.parquet")
	writeParquetArchive(t, path, `{"id":1}`, `{"id":2}`, `{"id":3}`)

	info, err := InspectParquet(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Rows)
	assert.Equal(t, int64(3), sum(info.RowGroups))
	require.Len(t, info.Columns, 4)
	assert.Equal(t, ParquetColumn{Name: "id", PhysicalType: "INT64"}, info.Columns[0])
	assert.Equal(t, PayloadColumn, info.Columns[3].Name)

	_, err = InspectParquet(filepath.Join(t.TempDir(), "missing.parquet"))
	assert.Error(t, err)
}

func sum(values []int64) int64 {
	var total int64
	for _, v := range values {
		total += v
	}
	return total
}

var _ core.DataSource = (*ParquetReader)(nil)
