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

package facet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/aaronlmathis/facetflow/core"
)

// Package facet routes records to sinks chosen from their content.
//
// A Router asks its matcher for a routing key, lazily creates one sink per
// distinct key through a SinkFactory, and owns those sinks until Close.

// ErrRouterClosed is returned by Emit after Close.
var ErrRouterClosed = errors.New("router is closed")

// SinkFactory creates the sink for a routing key and names the target it is opened on.
// A factory may return the same sink instance for several keys; it is then
// opened on the first target only and closed once.
type SinkFactory func(ctx context.Context, key string) (core.Sink, string, error)

// RouterError provides structured error information for routing operations.
type RouterError struct {
	Op  string // Operation that failed (e.g., "filter", "create_sink", "write")
	Key string // Routing key, when known
	Err error  // Underlying error
}

func (e *RouterError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("router %s [%s]: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("router %s: %v", e.Op, e.Err)
}

func (e *RouterError) Unwrap() error {
	return e.Err
}

// RouterStats holds routing counters.
type RouterStats struct {
	RecordsSeen     int64 // Records offered to Emit
	RecordsFiltered int64 // Records rejected by a filter
	RecordsMatched  int64 // Records written to a sink
	RecordsNoMatch  int64 // Records whose text produced no key
	SinksOpened     int64 // Distinct sinks opened
	WriteErrors     int64 // Failed transforms, serializations or writes
}

// RouterOptions configures a Router.
type RouterOptions struct {
	TextFields []string           // Record paths tried in order for the routing text
	Filters    []core.Filter      // Predicates a record must pass before matching
	Transforms []core.Transformer // Applied to matched records before serialization
	Logger     logrus.FieldLogger // Destination for routing logs
}

// RouterOption is a functional option for RouterOptions.
type RouterOption func(*RouterOptions)

// WithTextField sets the record paths holding the routing text; the first non-empty one wins.
func WithTextField(paths ...string) RouterOption {
	return func(opts *RouterOptions) {
		if len(paths) > 0 {
			opts.TextFields = paths
		}
	}
}

func WithFilters(filters ...core.Filter) RouterOption {
	return func(opts *RouterOptions) {
		opts.Filters = append(opts.Filters, filters...)
	}
}

func WithTransforms(transforms ...core.Transformer) RouterOption {
	return func(opts *RouterOptions) {
		opts.Transforms = append(opts.Transforms, transforms...)
	}
}

func WithLogger(logger logrus.FieldLogger) RouterOption {
	return func(opts *RouterOptions) {
		if logger != nil {
			opts.Logger = logger
		}
	}
}

// Router implements core.Facet by routing each record to the sink of its key.
type Router struct {
	matcher core.Matcher
	factory SinkFactory
	opts    RouterOptions

	mu      sync.Mutex
	sinks   map[string]core.Sink
	keys    []string
	owned   map[core.Sink]struct{}
	targets map[string]core.Sink // Opened target to its sink
	order   []core.Sink
	stats   RouterStats
	closed  bool
}

// NewRouter creates a router. Sinks are created on first use of their key.
func NewRouter(matcher core.Matcher, factory SinkFactory, options ...RouterOption) *Router {
	opts := RouterOptions{
		TextFields: []string{"text"},
		Logger:     logrus.StandardLogger(),
	}
	for _, option := range options {
		option(&opts)
	}
	return &Router{
		matcher: matcher,
		factory: factory,
		opts:    opts,
		sinks:   make(map[string]core.Sink),
		owned:   make(map[core.Sink]struct{}),
		targets: make(map[string]core.Sink),
	}
}

// Emit routes record to the sink of its key and reports whether it matched.
func (r *Router) Emit(ctx context.Context, record core.Record) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, ErrRouterClosed
	}
	r.stats.RecordsSeen++

	for _, f := range r.opts.Filters {
		ok, err := f.ShouldInclude(ctx, record)
		if err != nil {
			return false, &RouterError{Op: "filter", Err: err}
		}
		if !ok {
			r.stats.RecordsFiltered++
			return false, nil
		}
	}

	key, ok := r.matcher.Check(r.text(record))
	if !ok {
		r.stats.RecordsNoMatch++
		return false, nil
	}

	sink, err := r.sinkFor(ctx, key)
	if err != nil {
		return false, err
	}

	out := record
	for _, t := range r.opts.Transforms {
		out, err = t.Transform(ctx, out)
		if err != nil {
			r.stats.WriteErrors++
			return false, &RouterError{Op: "transform", Key: key, Err: err}
		}
	}
	payload, err := out.Marshal()
	if err != nil {
		r.stats.WriteErrors++
		return false, &RouterError{Op: "serialize", Key: key, Err: err}
	}
	if err := sink.Write(ctx, payload); err != nil {
		r.stats.WriteErrors++
		return false, &RouterError{Op: "write", Key: key, Err: err}
	}

	r.stats.RecordsMatched++
	return true, nil
}

// Flush flushes every owned sink.
func (r *Router) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRouterClosed
	}
	var errs []error
	for _, sink := range r.order {
		if err := sink.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &RouterError{Op: "flush", Err: errors.Join(errs...)}
	}
	return nil
}

// Close closes every owned sink once, in creation order. Later calls are no-ops.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for _, sink := range r.order {
		if err := sink.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.opts.Logger.WithField("sinks", len(r.order)).Debug("router closed")

	r.sinks = make(map[string]core.Sink)
	r.owned = make(map[core.Sink]struct{})
	r.targets = make(map[string]core.Sink)
	r.order = nil
	r.keys = nil

	if len(errs) > 0 {
		return &RouterError{Op: "close", Err: errors.Join(errs...)}
	}
	return nil
}

// Keys returns the routing keys seen so far, in creation order.
func (r *Router) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.keys...)
}

// Stats returns a copy of the routing counters.
func (r *Router) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Router) text(record core.Record) string {
	for _, path := range r.opts.TextFields {
		if s, ok := record.String(path); ok && s != "" {
			return s
		}
	}
	return ""
}

// sinkFor returns the sink registered for key, creating and opening it on first use.
func (r *Router) sinkFor(ctx context.Context, key string) (core.Sink, error) {
	if sink, ok := r.sinks[key]; ok {
		return sink, nil
	}

	sink, target, err := r.factory(ctx, key)
	if err != nil {
		return nil, &RouterError{Op: "create_sink", Key: key, Err: err}
	}

	if _, shared := r.owned[sink]; !shared {
		if existing, ok := r.targets[target]; ok {
			// Another key already writes to this target; two sinks on one
			// target would overwrite each other's partitions.
			r.opts.Logger.WithFields(logrus.Fields{"key": key, "target": target}).Debug("sharing sink")
			sink = existing
		} else {
			if err := sink.Open(ctx, target); err != nil {
				if cerr := sink.Close(ctx); cerr != nil {
					err = errors.Join(err, cerr)
				}
				return nil, &RouterError{Op: "open_sink", Key: key, Err: err}
			}
			r.owned[sink] = struct{}{}
			r.targets[target] = sink
			r.order = append(r.order, sink)
			r.stats.SinksOpened++
			r.opts.Logger.WithFields(logrus.Fields{"key": key, "target": target}).Info("opened sink")
		}
	}
	r.sinks[key] = sink
	r.keys = append(r.keys, key)
	return sink, nil
}

// TargetName turns a routing key into a name safe for files, objects and tables.
// '#' and '@' are dropped and any rune other than a letter, digit, '_', '-' or '.' becomes '_'.
func TargetName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r == '#' || r == '@':
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
