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
	"context"
)

// Package core defines the core interfaces for the FacetFlow library.
//
// This file contains the contracts shared between collectors, routers and sinks.

// Sink is a stateful durable-output destination.
//
// A sink moves from closed to open with Open and back with Close. Write and
// Flush are only valid while open. Opening an already-open sink closes the
// previous target first.
type Sink interface {
	// Open prepares the sink to receive payloads for target.
	Open(ctx context.Context, target string) error
	// Write sends one serialized record to the sink.
	Write(ctx context.Context, payload []byte) error
	// Flush asks the sink to commit pending data where it can.
	Flush(ctx context.Context) error
	// Close finalizes the current target. Closing a sink that is not open is a no-op.
	Close(ctx context.Context) error
	// Exists reports whether target is already materialized in storage.
	Exists(ctx context.Context, target string) (bool, error)
}

// Matcher derives a routing key from record text.
// Implementations must be pure and safe for concurrent use.
type Matcher interface {
	// Check returns the routing key for text, or false when nothing matches.
	Check(text string) (string, bool)
}

// Facet receives records and decides where, if anywhere, they are written.
type Facet interface {
	// Emit offers a record to the facet and reports whether it matched.
	Emit(ctx context.Context, record Record) (bool, error)
	// Close releases every sink the facet owns. It is safe to call more than once.
	Close(ctx context.Context) error
}

// DataSource streams records from archived output (files, object stores).
type DataSource interface {
	// Read returns the next record or io.EOF when no more records are available.
	Read(ctx context.Context) (Record, error)
	// Close releases any resources held by the data source.
	Close() error
}

// Transformer rewrites a record before it is serialized.
type Transformer interface {
	// Transform applies the transformation to a record and returns the result.
	Transform(ctx context.Context, record Record) (Record, error)
}

// Filter decides whether a record is eligible for routing at all.
type Filter interface {
	// ShouldInclude returns true if the record should be considered.
	ShouldInclude(ctx context.Context, record Record) (bool, error)
}

// Reporter consumes collection progress. It has no effect on correctness.
type Reporter interface {
	// OnRecord is called once per forwarded record.
	OnRecord(record Record, matched bool)
	// OnPage is called after a full page has been forwarded.
	OnPage(page int, records int)
	// Finish is called once when the run ends, successfully or not.
	Finish()
}

// NopReporter discards all progress events.
type NopReporter struct{}

func (NopReporter) OnRecord(Record, bool) {}
func (NopReporter) OnPage(int, int)       {}
func (NopReporter) Finish()               {}
