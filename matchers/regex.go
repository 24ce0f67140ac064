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

package matchers

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Package matchers provides core.Matcher implementations that derive routing keys from record text.

// KeySeparator joins distinct matches into one routing key.
const KeySeparator = "_"

// RegexMatcher matches a case-insensitive pattern against record text.
// The compiled expression is never mutated, so one matcher may serve many goroutines.
type RegexMatcher struct {
	re *regexp.Regexp
}

// NewRegexMatcher compiles pattern with case-insensitive matching enabled.
func NewRegexMatcher(pattern string) (*RegexMatcher, error) {
	if pattern == "" {
		return nil, fmt.Errorf("regex matcher: empty pattern")
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("regex matcher: %w", err)
	}
	return &RegexMatcher{re: re}, nil
}

// NewTermMatcher matches any of the literal terms, e.g. the query hashtags.
func NewTermMatcher(terms ...string) (*RegexMatcher, error) {
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		if term = strings.TrimSpace(term); term != "" {
			quoted = append(quoted, regexp.QuoteMeta(term))
		}
	}
	if len(quoted) == 0 {
		return nil, fmt.Errorf("term matcher: no terms")
	}
	return NewRegexMatcher("(" + strings.Join(quoted, "|") + ")")
}

// Check returns the sorted, lower-cased, de-duplicated matches joined by KeySeparator.
func (m *RegexMatcher) Check(text string) (string, bool) {
	found := m.re.FindAllString(text, -1)
	if len(found) == 0 {
		return "", false
	}

	seen := make(map[string]struct{}, len(found))
	keys := make([]string, 0, len(found))
	for _, match := range found {
		k := strings.ToLower(match)
		if _, dup := seen[k]; dup || k == "" {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return "", false
	}
	sort.Strings(keys)
	return strings.Join(keys, KeySeparator), true
}

// String returns the underlying expression.
func (m *RegexMatcher) String() string {
	return m.re.String()
}
