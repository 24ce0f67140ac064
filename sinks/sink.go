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
	"fmt"

	"github.com/aaronlmathis/facetflow/core"
)

// Package sinks provides implementations of core.Sink for writing routed records to durable storage.
//
// Sinks are layered: a RollingSink partitions output across targets, a RecordSink frames payloads
// as a JSON array, and a terminal sink (file, S3, MongoDB, PostgreSQL, Parquet) stores the bytes.

// SinkError provides structured error information for sink operations.
type SinkError struct {
	Sink   string // Sink kind (e.g., "file", "s3", "mongo")
	Op     string // Operation that failed (e.g., "open", "write", "close")
	Target string // Target being written when the error occurred
	Err    error  // Underlying error
}

func (e *SinkError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s sink %s [%s]: %v", e.Sink, e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s sink %s: %v", e.Sink, e.Op, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

var errInvalidDocument = fmt.Errorf("%w: not a JSON document", core.ErrInvalidPayload)

// lifecycle tracks the closed/open state machine shared by every sink.
type lifecycle int

const (
	lifecycleNew lifecycle = iota
	lifecycleOpen
	lifecycleClosed
)

// require returns a SinkError unless the sink is open.
func (l lifecycle) require(kind, op, target string) error {
	switch l {
	case lifecycleOpen:
		return nil
	case lifecycleClosed:
		return &SinkError{Sink: kind, Op: op, Target: target, Err: core.ErrClosed}
	default:
		return &SinkError{Sink: kind, Op: op, Target: target, Err: core.ErrNotOpen}
	}
}
