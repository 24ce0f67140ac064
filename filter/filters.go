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

package filter

import (
	"context"
	"encoding/json"
	"reflect"
	"regexp"
	"strings"

	"github.com/aaronlmathis/facetflow/core"
)

// Package filter provides reusable, composable record predicates applied before routing.
//
// Field arguments are dotted paths ("user.lang") resolved with core.Record.Lookup.
// All functions return core.Filter implementations.

// NotNull excludes records where the field is missing, nil, or an empty string.
func NotNull(field string) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		value, exists := record.Lookup(field)
		if !exists || value == nil {
			return false, nil
		}
		if str, ok := value.(string); ok && str == "" {
			return false, nil
		}
		return true, nil
	})
}

// Equals includes records where the field equals the expected value.
// json.Number values are compared by their literal text.
func Equals(field string, expectedValue interface{}) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		value, exists := record.Lookup(field)
		if !exists {
			return false, nil
		}
		return equal(value, expectedValue), nil
	})
}

// Contains includes records where the string field contains the substring, ignoring case.
func Contains(field, substring string) core.Filter {
	needle := strings.ToLower(substring)
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		str, ok := record.String(field)
		if !ok {
			return false, nil
		}
		return strings.Contains(strings.ToLower(str), needle), nil
	})
}

// MatchesRegex includes records where the string field matches the pattern.
// It panics if the pattern does not compile, like regexp.MustCompile.
func MatchesRegex(field, pattern string) core.Filter {
	regex := regexp.MustCompile(pattern)
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		str, ok := record.String(field)
		if !ok {
			return false, nil
		}
		return regex.MatchString(str), nil
	})
}

// In includes records where the field equals any of the values.
func In(field string, values ...interface{}) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		value, exists := record.Lookup(field)
		if !exists {
			return false, nil
		}
		for _, v := range values {
			if equal(value, v) {
				return true, nil
			}
		}
		return false, nil
	})
}

// Language includes records whose "lang" field is one of langs.
func Language(langs ...string) core.Filter {
	vals := make([]interface{}, len(langs))
	for i, l := range langs {
		vals[i] = l
	}
	return In("lang", vals...)
}

// ExcludeRetweets drops records carrying a "retweeted_status" object.
func ExcludeRetweets() core.Filter {
	return Not(Custom(func(record core.Record) bool {
		_, ok := record.Lookup("retweeted_status")
		return ok
	}))
}

// And includes a record only when every filter includes it.
func And(filters ...core.Filter) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		for _, f := range filters {
			include, err := f.ShouldInclude(ctx, record)
			if err != nil || !include {
				return false, err
			}
		}
		return true, nil
	})
}

// Or includes a record when any filter includes it.
func Or(filters ...core.Filter) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		for _, f := range filters {
			include, err := f.ShouldInclude(ctx, record)
			if err != nil {
				return false, err
			}
			if include {
				return true, nil
			}
		}
		return false, nil
	})
}

// Not inverts a filter.
func Not(filter core.Filter) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		include, err := filter.ShouldInclude(ctx, record)
		if err != nil {
			return false, err
		}
		return !include, nil
	})
}

// Custom creates a filter from a plain predicate.
func Custom(predicate func(core.Record) bool) core.Filter {
	return core.FilterFunc(func(ctx context.Context, record core.Record) (bool, error) {
		return predicate(record), nil
	})
}

func equal(value, expected interface{}) bool {
	if n, ok := value.(json.Number); ok {
		switch e := expected.(type) {
		case json.Number:
			return n == e
		case string:
			return string(n) == e
		case int:
			i, err := n.Int64()
			return err == nil && i == int64(e)
		case int64:
			i, err := n.Int64()
			return err == nil && i == e
		case float64:
			f, err := n.Float64()
			return err == nil && f == e
		}
	}
	return reflect.DeepEqual(value, expected)
}
