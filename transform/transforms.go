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

package transform

import (
	"context"

	"github.com/aaronlmathis/facetflow/core"
)

// Package transform provides reusable record rewrites applied by the router before serialization.
//
// Transformers never mutate their input; each returns a fresh top-level map.

// Select keeps only the listed top-level fields.
func Select(fields ...string) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := make(core.Record, len(fields))
		for _, field := range fields {
			if value, exists := record[field]; exists {
				result[field] = value
			}
		}
		return result, nil
	})
}

// Rename renames top-level fields according to mapping (old name to new name).
func Rename(mapping map[string]string) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := make(core.Record, len(record))
		for key, value := range record {
			if newKey, exists := mapping[key]; exists {
				result[newKey] = value
			} else {
				result[key] = value
			}
		}
		return result, nil
	})
}

// AddField sets field to the value computed from the original record.
func AddField(field string, fn func(core.Record) interface{}) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := record.Clone()
		result[field] = fn(record)
		return result, nil
	})
}

// RemoveFields drops the listed top-level fields. Missing fields are ignored.
func RemoveFields(fields ...string) core.Transformer {
	drop := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		drop[field] = struct{}{}
	}

	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		result := make(core.Record, len(record))
		for k, v := range record {
			if _, ok := drop[k]; !ok {
				result[k] = v
			}
		}
		return result, nil
	})
}

// ExtendedText copies the untruncated status text into textField.
// Streaming payloads carry it under extended_tweet.full_text and extended-mode
// search results under full_text; records without either are returned as is.
func ExtendedText(textField string) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		for _, path := range []string{"extended_tweet.full_text", "full_text"} {
			if full, ok := record.String(path); ok && full != "" {
				result := record.Clone()
				result[textField] = full
				return result, nil
			}
		}
		return record, nil
	})
}

// Chain applies transformers in order.
func Chain(transformers ...core.Transformer) core.Transformer {
	return core.TransformFunc(func(ctx context.Context, record core.Record) (core.Record, error) {
		current := record
		for _, t := range transformers {
			next, err := t.Transform(ctx, current)
			if err != nil {
				return nil, err
			}
			current = next
		}
		return current, nil
	})
}
