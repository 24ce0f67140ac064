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
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/aaronlmathis/facetflow/core"
)

// PipelineBuilder provides a fluent API for constructing replay pipelines.
// Use NewPipeline() to create a builder, then chain From, Filter, Transform and To.
type PipelineBuilder struct {
	pipeline *Pipeline
}

// NewPipeline creates a new PipelineBuilder.
func NewPipeline() *PipelineBuilder {
	return &PipelineBuilder{
		pipeline: &Pipeline{
			transformers: make([]Transformer, 0),
			filters:      make([]Filter, 0),
			strategy:     FailFast,
			logger:       logrus.StandardLogger(),
		},
	}
}

// From sets the DataSource for the pipeline.
func (pb *PipelineBuilder) From(source DataSource) *PipelineBuilder {
	pb.pipeline.source = source
	return pb
}

// Transform adds a Transformer applied before the record reaches the facet.
func (pb *PipelineBuilder) Transform(transformer Transformer) *PipelineBuilder {
	pb.pipeline.transformers = append(pb.pipeline.transformers, transformer)
	return pb
}

// Filter adds a Filter; records it rejects never reach the facet.
func (pb *PipelineBuilder) Filter(filter Filter) *PipelineBuilder {
	pb.pipeline.filters = append(pb.pipeline.filters, filter)
	return pb
}

// Map adds a mapping transformation using a function.
func (pb *PipelineBuilder) Map(fn func(ctx context.Context, record Record) (Record, error)) *PipelineBuilder {
	return pb.Transform(core.TransformFunc(fn))
}

// Where adds a filtering condition using a function.
func (pb *PipelineBuilder) Where(fn func(ctx context.Context, record Record) (bool, error)) *PipelineBuilder {
	return pb.Filter(core.FilterFunc(fn))
}

// To sets the facet that routes replayed records to sinks.
func (pb *PipelineBuilder) To(facet Facet) *PipelineBuilder {
	pb.pipeline.facet = facet
	return pb
}

// WithErrorStrategy sets the error handling strategy (FailFast, SkipErrors, CollectErrors).
func (pb *PipelineBuilder) WithErrorStrategy(strategy ErrorStrategy) *PipelineBuilder {
	pb.pipeline.strategy = strategy
	return pb
}

// WithErrorHandler sets a custom error handler consulted under SkipErrors and CollectErrors.
func (pb *PipelineBuilder) WithErrorHandler(handler ErrorHandler) *PipelineBuilder {
	pb.pipeline.errorHandler = handler
	return pb
}

// WithLogger sets the logger used for skipped errors.
func (pb *PipelineBuilder) WithLogger(logger logrus.FieldLogger) *PipelineBuilder {
	if logger != nil {
		pb.pipeline.logger = logger
	}
	return pb
}

// Build validates and constructs the Pipeline.
func (pb *PipelineBuilder) Build() (*Pipeline, error) {
	if pb.pipeline.source == nil {
		return nil, fmt.Errorf("pipeline requires a data source")
	}
	if pb.pipeline.facet == nil {
		return nil, fmt.Errorf("pipeline requires a facet")
	}
	return pb.pipeline, nil
}

// Pipeline replays records from a DataSource into a Facet.
type Pipeline struct {
	transformers []Transformer
	filters      []Filter
	source       DataSource
	facet        Facet
	strategy     ErrorStrategy
	errorHandler ErrorHandler
	logger       logrus.FieldLogger

	stats  PipelineStats
	errors []error
}

// Execute drains the source into the facet and closes both.
//
// Cancellation is checked between records; a record already handed to the
// facet is always written in full. The facet is closed on every outcome so
// that partially filled sinks are finalized.
func (p *Pipeline) Execute(ctx context.Context) (err error) {
	emitCtx := context.WithoutCancel(ctx)
	defer func() {
		if cerr := p.source.Close(); cerr != nil {
			p.logger.WithError(cerr).Warn("failed to close source")
		}
		if cerr := p.facet.Close(emitCtx); cerr != nil && err == nil {
			err = &PipelineError{Op: "close", Record: p.stats.Read, Err: cerr}
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := p.source.Read(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := p.handleError(ctx, record, "read", err); err != nil {
				return err
			}
			continue
		}
		p.stats.Read++

		// Skip empty records early
		if len(record) == 0 {
			p.stats.Filtered++
			continue
		}

		include, err := p.applyFilters(ctx, record)
		if err != nil {
			if err := p.handleError(ctx, record, "filter", err); err != nil {
				return err
			}
			continue
		}
		if !include {
			p.stats.Filtered++
			continue
		}

		transformed, err := p.applyTransformations(ctx, record)
		if err != nil {
			if err := p.handleError(ctx, record, "transform", err); err != nil {
				return err
			}
			continue
		}
		if len(transformed) == 0 {
			p.stats.Filtered++
			continue
		}

		matched, err := p.facet.Emit(emitCtx, transformed)
		if err != nil {
			if err := p.handleError(ctx, transformed, "emit", err); err != nil {
				return err
			}
			continue
		}
		if matched {
			p.stats.Matched++
		} else {
			p.stats.Dropped++
		}
	}
}

// Stats returns the counters of the last Execute.
func (p *Pipeline) Stats() PipelineStats {
	return p.stats
}

// Errors returns the errors collected under CollectErrors.
func (p *Pipeline) Errors() []error {
	return p.errors
}

func (p *Pipeline) applyFilters(ctx context.Context, record Record) (bool, error) {
	for _, filter := range p.filters {
		include, err := filter.ShouldInclude(ctx, record)
		if err != nil {
			return false, err
		}
		if !include {
			return false, nil
		}
	}
	return true, nil
}

func (p *Pipeline) applyTransformations(ctx context.Context, record Record) (Record, error) {
	current := record
	for _, transformer := range p.transformers {
		transformed, err := transformer.Transform(ctx, current)
		if err != nil {
			return nil, err
		}
		current = transformed
	}
	return current, nil
}

// handleError applies the error strategy. A non-nil return stops the pipeline.
func (p *Pipeline) handleError(ctx context.Context, record Record, op string, err error) error {
	wrapped := &PipelineError{Op: op, Record: p.stats.Read, Err: err}
	p.stats.Errors++

	switch p.strategy {
	case SkipErrors, CollectErrors:
		if p.strategy == CollectErrors {
			p.errors = append(p.errors, wrapped)
		}
		if p.errorHandler != nil {
			return p.errorHandler.HandleError(ctx, record, wrapped)
		}
		p.logger.WithError(err).WithField("op", op).Warn("skipping record")
		return nil
	default:
		return wrapped
	}
}
