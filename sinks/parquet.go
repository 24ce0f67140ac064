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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/apache/arrow/go/v12/parquet"
	"github.com/apache/arrow/go/v12/parquet/compress"
	"github.com/apache/arrow/go/v12/parquet/pqarrow"

	"github.com/aaronlmathis/facetflow/core"
)

// ParquetSchema is the fixed row layout of archived records.
var ParquetSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "created_at", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "text", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "payload", Type: arrow.BinaryTypes.String, Nullable: false},
}, nil)

// ParquetSinkOptions configures the Parquet sink.
type ParquetSinkOptions struct {
	BatchSize    int                  // Rows per Arrow record batch
	RowGroupSize int64                // Maximum rows per row group
	Compression  compress.Compression // Column compression codec
	IDField      string               // Record field copied into the id column
	DateField    string               // Record field copied into the created_at column
	TextField    string               // Record field copied into the text column
	DirMode      os.FileMode          // Mode for created parent directories
	Allocator    memory.Allocator     // Arrow memory allocator
}

// ParquetSinkOption is a functional option for ParquetSinkOptions.
type ParquetSinkOption func(*ParquetSinkOptions)

func WithParquetBatchSize(size int) ParquetSinkOption {
	return func(opts *ParquetSinkOptions) {
		opts.BatchSize = size
	}
}

func WithParquetRowGroupSize(size int64) ParquetSinkOption {
	return func(opts *ParquetSinkOptions) {
		opts.RowGroupSize = size
	}
}

func WithParquetCompression(codec compress.Compression) ParquetSinkOption {
	return func(opts *ParquetSinkOptions) {
		opts.Compression = codec
	}
}

// WithParquetFields sets the record fields projected into the id, created_at and text columns.
func WithParquetFields(idField, dateField, textField string) ParquetSinkOption {
	return func(opts *ParquetSinkOptions) {
		opts.IDField = idField
		opts.DateField = dateField
		opts.TextField = textField
	}
}

func WithParquetAllocator(alloc memory.Allocator) ParquetSinkOption {
	return func(opts *ParquetSinkOptions) {
		opts.Allocator = alloc
	}
}

// ParquetSink archives payloads as rows of a Parquet file, one file per target.
// The full payload is kept in the payload column next to a few projected fields.
type ParquetSink struct {
	opts    ParquetSinkOptions
	file    *os.File
	writer  *pqarrow.FileWriter
	builder *array.RecordBuilder
	pending int
	path    string
	state   lifecycle
	rows    int64
}

// NewParquetSink creates a Parquet sink.
func NewParquetSink(options ...ParquetSinkOption) *ParquetSink {
	opts := ParquetSinkOptions{
		BatchSize:    1000,
		RowGroupSize: 10000,
		Compression:  compress.Codecs.Snappy,
		IDField:      "id",
		DateField:    "created_at",
		TextField:    "text",
		DirMode:      0o755,
		Allocator:    memory.NewGoAllocator(),
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	return &ParquetSink{opts: opts}
}

// Open creates the file at path and writes the Parquet header.
func (p *ParquetSink) Open(ctx context.Context, path string) error {
	if p.state == lifecycleOpen {
		if err := p.Close(ctx); err != nil {
			return err
		}
	}

	if err := ensureDir(filepath.Dir(path), p.opts.DirMode); err != nil {
		return &SinkError{Sink: "parquet", Op: "create_directory", Target: path, Err: err}
	}
	file, err := os.Create(path)
	if err != nil {
		return &SinkError{Sink: "parquet", Op: "open", Target: path, Err: err}
	}

	props := parquet.NewWriterProperties(
		parquet.WithCompression(p.opts.Compression),
		parquet.WithMaxRowGroupLength(p.opts.RowGroupSize),
	)
	writer, err := pqarrow.NewFileWriter(ParquetSchema, file, props, pqarrow.DefaultWriterProps())
	if err != nil {
		file.Close()
		return &SinkError{Sink: "parquet", Op: "create_writer", Target: path, Err: err}
	}

	p.file = file
	p.writer = writer
	p.builder = array.NewRecordBuilder(p.opts.Allocator, ParquetSchema)
	p.pending = 0
	p.rows = 0
	p.path = path
	p.state = lifecycleOpen
	return nil
}

// Write appends one row built from payload, which must be a JSON object.
func (p *ParquetSink) Write(ctx context.Context, payload []byte) error {
	if err := p.state.require("parquet", "write", p.path); err != nil {
		return err
	}
	record, err := core.DecodeRecord(payload)
	if err != nil {
		return &SinkError{Sink: "parquet", Op: "decode", Target: p.path, Err: fmt.Errorf("%w: %v", errInvalidDocument, err)}
	}

	idBuilder := p.builder.Field(0).(*array.Int64Builder)
	if id, ok := int64Field(record, p.opts.IDField); ok {
		idBuilder.Append(id)
	} else {
		idBuilder.AppendNull()
	}
	appendOptionalString(p.builder.Field(1).(*array.StringBuilder), record, p.opts.DateField)
	appendOptionalString(p.builder.Field(2).(*array.StringBuilder), record, p.opts.TextField)
	p.builder.Field(3).(*array.StringBuilder).Append(string(payload))

	p.pending++
	if p.pending >= p.opts.BatchSize {
		return p.writeBatch()
	}
	return nil
}

// Flush writes pending rows to the current row group.
func (p *ParquetSink) Flush(ctx context.Context) error {
	if err := p.state.require("parquet", "flush", p.path); err != nil {
		return err
	}
	return p.writeBatch()
}

// Close writes pending rows and the file footer.
func (p *ParquetSink) Close(ctx context.Context) error {
	if p.state != lifecycleOpen {
		return nil
	}
	p.state = lifecycleClosed

	batchErr := p.writeBatch()
	p.builder.Release()
	p.builder = nil

	closeErr := p.writer.Close()
	if err := p.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) && closeErr == nil {
		closeErr = err
	}
	p.writer = nil
	p.file = nil

	if batchErr != nil {
		return batchErr
	}
	if closeErr != nil {
		return &SinkError{Sink: "parquet", Op: "close", Target: p.path, Err: closeErr}
	}
	return nil
}

// Exists reports whether path is present on disk.
func (p *ParquetSink) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &SinkError{Sink: "parquet", Op: "stat", Target: path, Err: err}
}

// Rows returns the number of rows written to the current file.
func (p *ParquetSink) Rows() int64 {
	return p.rows
}

func (p *ParquetSink) writeBatch() error {
	if p.pending == 0 {
		return nil
	}
	rec := p.builder.NewRecord()
	defer rec.Release()

	if err := p.writer.Write(rec); err != nil {
		return &SinkError{Sink: "parquet", Op: "write_batch", Target: p.path, Err: err}
	}
	p.rows += int64(p.pending)
	p.pending = 0
	return nil
}

func int64Field(record core.Record, field string) (int64, bool) {
	value, ok := record.Lookup(field)
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

func appendOptionalString(b *array.StringBuilder, record core.Record, field string) {
	if s, ok := record.String(field); ok {
		b.Append(s)
		return
	}
	b.AppendNull()
}
