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

package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Package core defines the core types for the FacetFlow library.
//
// FacetFlow collects social-media records from paginated or streaming providers,
// routes them by content to per-key sinks and persists them resumably.
//
// This file contains the record type, its codec, and function adapters.

// Record represents a single social-media record (for example a tweet).
// Values decoded by DecodeRecord keep numbers as json.Number so that 64-bit
// identifiers survive a decode/encode round trip unchanged.
type Record map[string]interface{}

// DecodeRecord decodes one JSON object into a Record, preserving numbers.
func DecodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var record Record
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("decode record: %w", ErrInvalidPayload)
	}
	return record, nil
}

// Marshal serializes the record into its wire form (one JSON object).
func (r Record) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

// Lookup resolves a dotted path such as "user.screen_name" against nested objects.
func (r Record) Lookup(path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(r)
	for _, part := range strings.Split(path, ".") {
		obj, ok := asObject(current)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// String returns the string value at path, or false when missing or not a string.
func (r Record) String(path string) (string, bool) {
	value, ok := r.Lookup(path)
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	switch obj := v.(type) {
	case map[string]interface{}:
		return obj, true
	case Record:
		return obj, true
	default:
		return nil, false
	}
}

// TransformFunc is a function adapter for the Transformer interface.
type TransformFunc func(ctx context.Context, record Record) (Record, error)

// Transform implements Transformer.
func (f TransformFunc) Transform(ctx context.Context, record Record) (Record, error) {
	return f(ctx, record)
}

// FilterFunc is a function adapter for the Filter interface.
type FilterFunc func(ctx context.Context, record Record) (bool, error)

// ShouldInclude implements Filter.
func (f FilterFunc) ShouldInclude(ctx context.Context, record Record) (bool, error) {
	return f(ctx, record)
}

// MatcherFunc is a function adapter for the Matcher interface.
type MatcherFunc func(text string) (string, bool)

// Check implements Matcher.
func (f MatcherFunc) Check(text string) (string, bool) {
	return f(text)
}
