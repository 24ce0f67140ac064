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

// validators.go - Record quality checks applied before routing
package validators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aaronlmathis/facetflow/core"
)

// ErrInvalidRecord is wrapped by every ValidationError.
var ErrInvalidRecord = errors.New("invalid record")

// ValidationError describes the first rule a record broke.
type ValidationError struct {
	Field string // Dotted path of the offending field
	Rule  string // Rule that failed (e.g., "required", "type", "pattern")
	Value interface{}
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("field %s failed %s check (value %v): %v", e.Field, e.Rule, e.Value, e.Err)
	}
	return fmt.Sprintf("field %s failed %s check: %v", e.Field, e.Rule, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// FieldType is the expected type of a field.
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeInt    FieldType = "int"
	FieldTypeFloat  FieldType = "float"
	FieldTypeBool   FieldType = "bool"
	FieldTypeDate   FieldType = "date" // Provider timestamp or RFC 3339
	FieldTypeURL    FieldType = "url"
	FieldTypeUUID   FieldType = "uuid"
	FieldTypeObject FieldType = "object"
	FieldTypeArray  FieldType = "array"
	FieldTypeAny    FieldType = "any"
)

// ParseFieldType validates a type name from configuration.
func ParseFieldType(name string) (FieldType, error) {
	switch t := FieldType(strings.ToLower(name)); t {
	case FieldTypeString, FieldTypeInt, FieldTypeFloat, FieldTypeBool, FieldTypeDate,
		FieldTypeURL, FieldTypeUUID, FieldTypeObject, FieldTypeArray, FieldTypeAny:
		return t, nil
	}
	return "", fmt.Errorf("unknown field type: %s", name)
}

// FieldRule holds the checks for one field. Zero values disable a check.
type FieldRule struct {
	Type    FieldType
	Pattern *regexp.Regexp // Applied to string values
	Min     *float64       // Applied to numeric values
	Max     *float64
	Allowed []string // Compared against the value's text
}

// ValidationStats counts validated records.
type ValidationStats struct {
	Checked  int64
	Rejected int64
}

// RecordValidator implements core.Filter. Records that break a rule are
// dropped, or reported as errors when the validator is strict.
type RecordValidator struct {
	required  []string
	forbidden []string
	fields    []string
	rules     map[string]FieldRule
	strict    bool

	checked  atomic.Int64
	rejected atomic.Int64
}

// Option configures a RecordValidator.
type Option func(*RecordValidator)

// WithRequiredFields sets fields every record must carry with a non-null value.
func WithRequiredFields(fields ...string) Option {
	return func(v *RecordValidator) {
		v.required = append(v.required, fields...)
	}
}

// WithForbiddenFields sets fields no record may carry.
func WithForbiddenFields(fields ...string) Option {
	return func(v *RecordValidator) {
		v.forbidden = append(v.forbidden, fields...)
	}
}

// WithFieldRule adds checks for field. Missing fields are left to WithRequiredFields.
func WithFieldRule(field string, rule FieldRule) Option {
	return func(v *RecordValidator) {
		if _, exists := v.rules[field]; !exists {
			v.fields = append(v.fields, field)
		}
		v.rules[field] = rule
	}
}

// WithFieldType is shorthand for a FieldRule that only checks the type.
func WithFieldType(field string, t FieldType) Option {
	return WithFieldRule(field, FieldRule{Type: t})
}

// WithStrict makes ShouldInclude return a *ValidationError instead of
// silently dropping invalid records.
func WithStrict(strict bool) Option {
	return func(v *RecordValidator) {
		v.strict = strict
	}
}

// New creates a RecordValidator.
func New(options ...Option) *RecordValidator {
	v := &RecordValidator{rules: make(map[string]FieldRule)}
	for _, option := range options {
		option(v)
	}
	return v
}

// ShouldInclude implements the core.Filter interface
func (v *RecordValidator) ShouldInclude(ctx context.Context, record core.Record) (bool, error) {
	v.checked.Add(1)
	if err := v.Validate(record); err != nil {
		v.rejected.Add(1)
		if v.strict {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Stats returns the validation counters.
func (v *RecordValidator) Stats() ValidationStats {
	return ValidationStats{Checked: v.checked.Load(), Rejected: v.rejected.Load()}
}

// Validate returns the first rule record breaks, or nil.
func (v *RecordValidator) Validate(record core.Record) error {
	for _, field := range v.required {
		if value, exists := record.Lookup(field); !exists || value == nil {
			return &ValidationError{Field: field, Rule: "required", Err: ErrInvalidRecord}
		}
	}
	for _, field := range v.forbidden {
		if _, exists := record.Lookup(field); exists {
			return &ValidationError{Field: field, Rule: "forbidden", Err: ErrInvalidRecord}
		}
	}
	for _, field := range v.fields {
		value, exists := record.Lookup(field)
		if !exists || value == nil {
			continue
		}
		if err := checkField(field, value, v.rules[field]); err != nil {
			return err
		}
	}
	return nil
}

func checkField(field string, value interface{}, rule FieldRule) error {
	if rule.Type != "" && !hasType(value, rule.Type) {
		return &ValidationError{Field: field, Rule: "type", Value: value,
			Err: fmt.Errorf("expected %s: %w", rule.Type, ErrInvalidRecord)}
	}

	if rule.Pattern != nil {
		if str, ok := value.(string); ok && !rule.Pattern.MatchString(str) {
			return &ValidationError{Field: field, Rule: "pattern", Value: value, Err: ErrInvalidRecord}
		}
	}

	if rule.Min != nil || rule.Max != nil {
		if n, ok := toFloat64(value); ok {
			if rule.Min != nil && n < *rule.Min {
				return &ValidationError{Field: field, Rule: "min", Value: value,
					Err: fmt.Errorf("below %v: %w", *rule.Min, ErrInvalidRecord)}
			}
			if rule.Max != nil && n > *rule.Max {
				return &ValidationError{Field: field, Rule: "max", Value: value,
					Err: fmt.Errorf("above %v: %w", *rule.Max, ErrInvalidRecord)}
			}
		}
	}

	if len(rule.Allowed) > 0 {
		text := fmt.Sprint(value)
		for _, allowed := range rule.Allowed {
			if text == allowed {
				return nil
			}
		}
		return &ValidationError{Field: field, Rule: "allowed", Value: value, Err: ErrInvalidRecord}
	}
	return nil
}

// Layouts accepted by FieldTypeDate.
var dateLayouts = []string{time.RubyDate, time.RFC3339, time.RFC3339Nano}

func hasType(value interface{}, t FieldType) bool {
	switch t {
	case FieldTypeAny:
		return true
	case FieldTypeString:
		_, ok := value.(string)
		return ok
	case FieldTypeInt:
		switch v := value.(type) {
		case json.Number:
			_, err := v.Int64()
			return err == nil
		case int, int32, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case FieldTypeFloat:
		_, ok := toFloat64(value)
		return ok
	case FieldTypeBool:
		_, ok := value.(bool)
		return ok
	case FieldTypeDate:
		str, ok := value.(string)
		if !ok {
			return false
		}
		for _, layout := range dateLayouts {
			if _, err := time.Parse(layout, str); err == nil {
				return true
			}
		}
		return false
	case FieldTypeURL:
		str, ok := value.(string)
		if !ok {
			return false
		}
		u, err := url.Parse(str)
		return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	case FieldTypeUUID:
		str, ok := value.(string)
		if !ok {
			return false
		}
		_, err := uuid.Parse(str)
		return err == nil
	case FieldTypeObject:
		switch value.(type) {
		case map[string]interface{}, core.Record:
			return true
		}
		return false
	case FieldTypeArray:
		_, ok := value.([]interface{})
		return ok
	default:
		return true
	}
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(string(v), 64)
		return f, err == nil
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}
