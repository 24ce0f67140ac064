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

package facetflow

import (
	"fmt"

	"github.com/aaronlmathis/facetflow/core"
)

// Package facetflow collects social-media records, routes them by content to
// per-key sinks and replays archived output through the same routing.
//
// The collector package drives live collection; this package provides the
// replay pipeline that reloads archived JSON arrays (local files or S3) into
// any facet:
//
//	pipeline, err := facetflow.NewPipeline().
//		From(reader).
//		Filter(filter.Language("en")).
//		To(router).
//		WithErrorStrategy(facetflow.SkipErrors).
//		Build()
//	if err != nil { log.Fatal(err) }
//	if err := pipeline.Execute(ctx); err != nil { log.Fatal(err) }

type (
	Record        = core.Record
	DataSource    = core.DataSource
	Facet         = core.Facet
	Filter        = core.Filter
	Transformer   = core.Transformer
	ErrorHandler  = core.ErrorHandler
	ErrorStrategy = core.ErrorStrategy
)

const (
	FailFast      = core.FailFast
	SkipErrors    = core.SkipErrors
	CollectErrors = core.CollectErrors
)

// PipelineStats counts what a replay did with the records it read.
type PipelineStats struct {
	Read     int64 // Records returned by the source
	Matched  int64 // Records the facet routed to a sink
	Filtered int64 // Records removed by pipeline filters
	Dropped  int64 // Records the facet did not match
	Errors   int64 // Errors handled under the error strategy
}

// PipelineError identifies the stage a replay error came from.
type PipelineError struct {
	Op     string // read, filter, transform, emit or close
	Record int64  // Ordinal of the record being processed
	Err    error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s error at record %d: %v", e.Op, e.Record, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}
