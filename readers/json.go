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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aaronlmathis/facetflow/core"
)

// JSONArrayReader implements core.DataSource for a JSON array of objects,
// the framing written by sinks.RecordSink. Elements are decoded one at a time.
//
// An element that is valid JSON but not an object is reported and skipped.
// Malformed JSON ends the stream: the error is returned once and every later
// Read returns io.EOF.
type JSONArrayReader struct {
	dec     *json.Decoder
	closer  io.Closer
	started bool
	done    bool
}

// NewJSONArrayReader creates a reader over r
func NewJSONArrayReader(r io.ReadCloser) *JSONArrayReader {
	dec := json.NewDecoder(bufio.NewReader(r))
	dec.UseNumber()
	return &JSONArrayReader{dec: dec, closer: r}
}

// Read implements the core.DataSource interface
func (j *JSONArrayReader) Read(ctx context.Context) (core.Record, error) {
	if j.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !j.started {
		tok, err := j.dec.Token()
		if err == io.EOF {
			j.done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, j.stop(err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return nil, j.stop(fmt.Errorf("expected JSON array, got %v: %w", tok, core.ErrInvalidPayload))
		}
		j.started = true
	}

	if !j.dec.More() {
		if _, err := j.dec.Token(); err != nil {
			return nil, j.stop(err)
		}
		j.done = true
		return nil, io.EOF
	}

	var record core.Record
	if err := j.dec.Decode(&record); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("array element: %w: %v", core.ErrInvalidPayload, err)
		}
		return nil, j.stop(err)
	}
	if record == nil {
		return nil, fmt.Errorf("array element: %w: null", core.ErrInvalidPayload)
	}
	return record, nil
}

func (j *JSONArrayReader) stop(err error) error {
	j.done = true
	return fmt.Errorf("json array: %w", err)
}

// Close implements the core.DataSource interface
func (j *JSONArrayReader) Close() error {
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}

// JSONLinesReader implements core.DataSource for line-delimited JSON.
// Blank lines are ignored.
// maxLineSize bounds one line of a ".jsonl" archive.
var maxLineSize = 16 * 1024 * 1024

type JSONLinesReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	done    bool
}

// NewJSONLinesReader creates a reader over r
func NewJSONLinesReader(r io.ReadCloser) *JSONLinesReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxLineSize)), maxLineSize)
	return &JSONLinesReader{
		scanner: scanner,
		closer:  r,
	}
}

// Read implements the core.DataSource interface
func (j *JSONLinesReader) Read(ctx context.Context) (core.Record, error) {
	if j.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for j.scanner.Scan() {
		line := bytes.TrimSpace(j.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return core.DecodeRecord(line)
	}
	// A scanner stops for good after an error, so it is reported once.
	j.done = true
	if err := j.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan lines: %w", err)
	}
	return nil, io.EOF
}

// Close implements the core.DataSource interface
func (j *JSONLinesReader) Close() error {
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}

// newDocumentReader picks the framing for name: ".jsonl" is line-delimited,
// ".parquet" a Parquet archive, anything else a JSON array.
func newDocumentReader(body io.ReadCloser, name string) core.DataSource {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jsonl":
		return NewJSONLinesReader(body)
	case ".parquet":
		return NewParquetReader(body)
	}
	return NewJSONArrayReader(body)
}

// FileReader implements core.DataSource over a set of local archive files,
// read one after another in name order.
type FileReader struct {
	paths   []string
	index   int
	current core.DataSource
}

// NewFileReader expands patterns with filepath.Glob and reads every match.
// A directory pattern reads the ".json", ".jsonl" and ".parquet" files directly inside it.
func NewFileReader(patterns ...string) (*FileReader, error) {
	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range patterns {
		if info, err := os.Stat(pattern); err == nil && info.IsDir() {
			for _, ext := range []string{"*.json", "*.jsonl", "*.parquet"} {
				matches, _ := filepath.Glob(filepath.Join(pattern, ext))
				for _, m := range matches {
					if !seen[m] {
						seen[m] = true
						paths = append(paths, m)
					}
				}
			}
			continue
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)
	return &FileReader{paths: paths}, nil
}

// Paths returns the files the reader covers.
func (f *FileReader) Paths() []string {
	return f.paths
}

// Read implements the core.DataSource interface
func (f *FileReader) Read(ctx context.Context) (core.Record, error) {
	for {
		if f.current == nil {
			if f.index >= len(f.paths) {
				return nil, io.EOF
			}
			file, err := os.Open(f.paths[f.index])
			if err != nil {
				f.index++
				return nil, fmt.Errorf("open %s: %w", f.paths[f.index-1], err)
			}
			f.current = newDocumentReader(file, file.Name())
		}

		record, err := f.current.Read(ctx)
		if err == io.EOF {
			f.closeCurrent()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.paths[f.index], err)
		}
		return record, nil
	}
}

func (f *FileReader) closeCurrent() error {
	if f.current == nil {
		return nil
	}
	err := f.current.Close()
	f.current = nil
	f.index++
	return err
}

// Close implements the core.DataSource interface
func (f *FileReader) Close() error {
	return f.closeCurrent()
}
