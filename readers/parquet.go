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
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet"
	"github.com/apache/arrow/go/v12/parquet/file"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"

	"github.com/aaronlmathis/facetflow/core"
)

// PayloadColumn is the Parquet column holding the full record.
const PayloadColumn = "payload"

// ParquetReader implements core.DataSource over a Parquet archive written by
// sinks.ParquetSink, decoding the payload column of every row.
//
// The file is opened on the first Read. Bodies that cannot seek (object
// downloads) are buffered in memory first.
type ParquetReader struct {
	body      io.ReadCloser
	column    string
	batchSize int64
	alloc     memory.Allocator

	records pqarrow.RecordReader
	col     *array.String
	row     int
	done    bool
}

// NewParquetReader creates a reader for body.
func NewParquetReader(body io.ReadCloser) *ParquetReader {
	return &ParquetReader{
		body:      body,
		column:    PayloadColumn,
		batchSize: 1024,
		alloc:     memory.DefaultAllocator,
	}
}

func (r *ParquetReader) open(ctx context.Context) error {
	src, ok := r.body.(parquet.ReaderAtSeeker)
	if !ok {
		data, err := io.ReadAll(r.body)
		if err != nil {
			return err
		}
		src = bytes.NewReader(data)
	}

	pf, err := file.NewParquetReader(src)
	if err != nil {
		return err
	}
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: r.batchSize}, r.alloc)
	if err != nil {
		return err
	}
	schema, err := fr.Schema()
	if err != nil {
		return err
	}

	index := -1
	for i, field := range schema.Fields() {
		if field.Name == r.column {
			index = i
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("column %q not found: %w", r.column, core.ErrInvalidPayload)
	}

	r.records, err = fr.GetRecordReader(ctx, []int{index}, nil)
	return err
}

// Read implements the core.DataSource interface
func (r *ParquetReader) Read(ctx context.Context) (core.Record, error) {
	if r.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.records == nil {
		if err := r.open(ctx); err != nil {
			r.done = true
			return nil, fmt.Errorf("open parquet: %w", err)
		}
	}

	for r.col == nil || r.row >= r.col.Len() {
		if !r.records.Next() {
			r.done = true
			// The record reader reports io.EOF at the normal end of the file.
			if err := r.records.Err(); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read parquet: %w", err)
			}
			return nil, io.EOF
		}
		col, ok := r.records.Record().Column(0).(*array.String)
		if !ok {
			r.done = true
			return nil, fmt.Errorf("column %q is not a string column: %w", r.column, core.ErrInvalidPayload)
		}
		r.col, r.row = col, 0
	}

	i := r.row
	r.row++
	if r.col.IsNull(i) {
		return nil, fmt.Errorf("row %d has no payload: %w", i, core.ErrInvalidPayload)
	}
	return core.DecodeRecord([]byte(r.col.Value(i)))
}

// Close implements the core.DataSource interface
func (r *ParquetReader) Close() error {
	if r.records != nil {
		r.records.Release()
		r.records = nil
	}
	r.col = nil
	r.done = true
	return r.body.Close()
}

// ParquetColumn describes one column of a Parquet file.
type ParquetColumn struct {
	Name         string
	PhysicalType string
}

// ParquetInfo summarizes the layout of a Parquet archive.
type ParquetInfo struct {
	Path      string
	Rows      int64
	RowGroups []int64 // Rows per row group
	Columns   []ParquetColumn
}

// InspectParquet reads the metadata of the Parquet file at path.
func InspectParquet(path string) (ParquetInfo, error) {
	pf, err := file.OpenParquetFile(path, false)
	if err != nil {
		return ParquetInfo{}, err
	}
	defer pf.Close()

	info := ParquetInfo{Path: path, Rows: pf.NumRows()}
	schema := pf.MetaData().Schema
	for i := 0; i < schema.NumColumns(); i++ {
		col := schema.Column(i)
		info.Columns = append(info.Columns, ParquetColumn{Name: col.Name(), PhysicalType: col.PhysicalType().String()})
	}
	for i := 0; i < pf.NumRowGroups(); i++ {
		info.RowGroups = append(info.RowGroups, pf.RowGroup(i).NumRows())
	}
	return info, nil
}
