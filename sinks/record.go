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

	"github.com/aaronlmathis/facetflow/core"
)

var (
	arrayOpen  = []byte("[\n")
	arraySep   = []byte(",\n")
	arrayClose = []byte("\n]\n")
)

// RecordSink frames payloads written to an inner sink as one JSON array.
//
// Open writes "[\n", every write after the first is prefixed with ",\n" and
// Close writes "\n]\n" before closing the inner sink, so the materialized
// output always decodes to the payloads in write order.
type RecordSink struct {
	inner  core.Sink
	target string
	first  bool
	state  lifecycle
}

// NewRecordSink wraps inner with JSON-array framing.
func NewRecordSink(inner core.Sink) *RecordSink {
	return &RecordSink{inner: inner}
}

func (r *RecordSink) Open(ctx context.Context, target string) error {
	if r.state == lifecycleOpen {
		if err := r.Close(ctx); err != nil {
			return err
		}
	}
	if err := r.inner.Open(ctx, target); err != nil {
		return err
	}
	if err := r.inner.Write(ctx, arrayOpen); err != nil {
		if cerr := r.inner.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return err
	}
	r.target = target
	r.first = true
	r.state = lifecycleOpen
	return nil
}

// Write appends payload as the next array element. Payload must be one JSON value.
func (r *RecordSink) Write(ctx context.Context, payload []byte) error {
	if err := r.state.require("record", "write", r.target); err != nil {
		return err
	}
	if !json.Valid(payload) {
		return &SinkError{Sink: "record", Op: "write", Target: r.target, Err: core.ErrInvalidPayload}
	}
	if !r.first {
		if err := r.inner.Write(ctx, arraySep); err != nil {
			return err
		}
	}
	if err := r.inner.Write(ctx, payload); err != nil {
		return err
	}
	r.first = false
	return nil
}

func (r *RecordSink) Flush(ctx context.Context) error {
	if err := r.state.require("record", "flush", r.target); err != nil {
		return err
	}
	return r.inner.Flush(ctx)
}

// Close terminates the array and closes the inner sink.
func (r *RecordSink) Close(ctx context.Context) error {
	if r.state != lifecycleOpen {
		return nil
	}
	r.state = lifecycleClosed

	writeErr := r.inner.Write(ctx, arrayClose)
	closeErr := r.inner.Close(ctx)
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

func (r *RecordSink) Exists(ctx context.Context, target string) (bool, error) {
	return r.inner.Exists(ctx, target)
}
