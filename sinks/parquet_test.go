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
	"fmt"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet/file"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronlmathis/facetflow/core"
)

func readParquetRows(t *testing.T, path string) (ids []int64, texts []string, payloads []string, nullIDs int) {
	t.Helper()

	rdr, err := file.OpenParquetFile(path, false)
	require.NoError(t, err)
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.NewGoAllocator())
	require.NoError(t, err)

	table, err := fr.ReadTable(context.Background())
	require.NoError(t, err)
	defer table.Release()

	reader := array.NewTableReader(table, -1)
	defer reader.Release()
	for reader.Next() {
		rec := reader.Record()
		idCol := rec.Column(0).(*array.Int64)
		textCol := rec.Column(2).(*array.String)
		payloadCol := rec.Column(3).(*array.String)
		for i := 0; i < int(rec.NumRows()); i++ {
			if idCol.IsNull(i) {
				nullIDs++
			} else {
				ids = append(ids, idCol.Value(i))
			}
			texts = append(texts, textCol.Value(i))
			payloads = append(payloads, payloadCol.Value(i))
		}
	}
	return ids, texts, payloads, nullIDs
}

func TestParquetSink_WritesRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive", "python.parquet")

	sink := NewParquetSink(WithParquetBatchSize(2))
	require.NoError(t, sink.Open(ctx, path))

	payloads := []string{
		`{"id":1180000000000000001,"created_at":"Mon Oct 05 10:00:00 +0000 2020","text":"one"}`,
		`{"id":2,"text":"two"}`,
		`{"text":"no id"}`,
	}
	for _, p := range payloads {
		require.NoError(t, sink.Write(ctx, []byte(p)))
	}
	require.NoError(t, sink.Close(ctx))
	assert.Equal(t, int64(3), sink.Rows())

	ids, texts, stored, nullIDs := readParquetRows(t, path)
	assert.Equal(t, []int64{1180000000000000001, 2}, ids)
	assert.Equal(t, 1, nullIDs)
	assert.Equal(t, []string{"one", "two", "no id"}, texts)
	assert.Equal(t, payloads, stored)
}

func TestParquetSink_InvalidPayload(t *testing.T) {
	ctx := context.Background()
	sink := NewParquetSink()
	require.NoError(t, sink.Open(ctx, filepath.Join(t.TempDir(), "x.parquet")))

	assert.ErrorIs(t, sink.Write(ctx, []byte(`[1,2]`)), core.ErrInvalidPayload)
	require.NoError(t, sink.Close(ctx))
}

func TestParquetSink_StateAndExists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "x.parquet")
	sink := NewParquetSink()

	assert.ErrorIs(t, sink.Write(ctx, []byte(`{}`)), core.ErrNotOpen)

	ok, err := sink.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, sink.Open(ctx, path))
	require.NoError(t, sink.Close(ctx))
	assert.ErrorIs(t, sink.Flush(ctx), core.ErrClosed)

	ok, err = sink.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParquetSink_AsRollingPartition(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewRollingSink(NewParquetSink(), 2)
	require.NoError(t, err)

	require.NoError(t, sink.Open(ctx, filepath.Join(dir, "go_{n}.parquet")))
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Write(ctx, []byte(fmt.Sprintf(`{"id":%d,"text":"t%d"}`, i, i))))
	}
	require.NoError(t, sink.Close(ctx))

	require.Len(t, sink.Partitions(), 3)
	ids, _, _, _ := readParquetRows(t, filepath.Join(dir, "go_2.parquet"))
	assert.Equal(t, []int64{4}, ids)
}
