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
	"fmt"
	"strconv"
	"strings"

	"github.com/aaronlmathis/facetflow/core"
)

// PartitionPlaceholder marks where the partition index goes in a rolling template.
const PartitionPlaceholder = "{n}"

// RollingSink partitions output across targets, each holding at most limit records.
//
// The template passed to Open contains PartitionPlaceholder exactly once.
// Partition indices start at zero, increase monotonically, and any index whose
// target already Exists is skipped, so a resumed run never overwrites earlier output.
type RollingSink struct {
	inner    core.Sink
	limit    int
	template string
	index    int  // next candidate partition index
	count    int  // records written to the current partition
	current  bool // inner partition is open
	state    lifecycle
	opened   []string
}

// NewRollingSink wraps inner, rolling to a new partition every limit records.
func NewRollingSink(inner core.Sink, limit int) (*RollingSink, error) {
	if limit <= 0 {
		return nil, &SinkError{Sink: "rolling", Op: "validate", Err: fmt.Errorf("record limit must be positive, got %d", limit)}
	}
	return &RollingSink{inner: inner, limit: limit}, nil
}

// PartitionName fills the placeholder of template with index.
func PartitionName(template string, index int) string {
	return strings.Replace(template, PartitionPlaceholder, strconv.Itoa(index), 1)
}

// Open starts writing to the first unused partition of template.
// Re-opening with the same template continues after the last partition of this run.
func (r *RollingSink) Open(ctx context.Context, template string) error {
	if strings.Count(template, PartitionPlaceholder) != 1 {
		return &SinkError{Sink: "rolling", Op: "open", Target: template,
			Err: fmt.Errorf("template must contain %s exactly once", PartitionPlaceholder)}
	}
	if r.state == lifecycleOpen {
		if err := r.Close(ctx); err != nil {
			return err
		}
	}
	if template != r.template {
		r.template = template
		r.index = 0
	}
	r.state = lifecycleOpen
	return r.openNext(ctx)
}

// Write rolls to a new partition when the current one is full, then writes.
func (r *RollingSink) Write(ctx context.Context, payload []byte) error {
	if err := r.state.require("rolling", "write", r.template); err != nil {
		return err
	}
	if err := r.roll(ctx); err != nil {
		return err
	}
	if err := r.inner.Write(ctx, payload); err != nil {
		return err
	}
	r.count++
	return nil
}

// Flush flushes the current partition and finalizes it if it is full.
// The next partition is opened by the next Write.
func (r *RollingSink) Flush(ctx context.Context) error {
	if err := r.state.require("rolling", "flush", r.template); err != nil {
		return err
	}
	if !r.current {
		return nil
	}
	if err := r.inner.Flush(ctx); err != nil {
		return err
	}
	if r.count >= r.limit {
		return r.closeCurrent(ctx)
	}
	return nil
}

// Close finalizes the current partition.
func (r *RollingSink) Close(ctx context.Context) error {
	if r.state != lifecycleOpen {
		return nil
	}
	r.state = lifecycleClosed
	return r.closeCurrent(ctx)
}

func (r *RollingSink) Exists(ctx context.Context, target string) (bool, error) {
	return r.inner.Exists(ctx, target)
}

// Partitions returns the targets opened by this sink, in order.
func (r *RollingSink) Partitions() []string {
	return append([]string(nil), r.opened...)
}

func (r *RollingSink) roll(ctx context.Context) error {
	if r.current && r.count >= r.limit {
		if err := r.closeCurrent(ctx); err != nil {
			return err
		}
	}
	if !r.current {
		return r.openNext(ctx)
	}
	return nil
}

func (r *RollingSink) openNext(ctx context.Context) error {
	for {
		name := PartitionName(r.template, r.index)
		exists, err := r.inner.Exists(ctx, name)
		if err != nil {
			return err
		}
		if !exists {
			break
		}
		r.index++
	}

	name := PartitionName(r.template, r.index)
	if err := r.inner.Open(ctx, name); err != nil {
		return err
	}
	r.index++
	r.count = 0
	r.current = true
	r.opened = append(r.opened, name)
	return nil
}

func (r *RollingSink) closeCurrent(ctx context.Context) error {
	if !r.current {
		return nil
	}
	r.current = false
	r.count = 0
	return r.inner.Close(ctx)
}
