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

package progress

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aaronlmathis/facetflow/core"
)

// Package progress provides core.Reporter implementations for collection runs.

// LogReporter logs a progress line every N records and a summary when the run finishes.
type LogReporter struct {
	logger  logrus.FieldLogger
	every   int
	start   time.Time
	records int
	matched int
	pages   int
}

// NewLogReporter logs progress to logger every n records (n <= 0 logs pages and the summary only).
func NewLogReporter(logger logrus.FieldLogger, every int) *LogReporter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogReporter{logger: logger, every: every, start: time.Now()}
}

func (r *LogReporter) OnRecord(record core.Record, matched bool) {
	r.records++
	if matched {
		r.matched++
	}
	if r.every > 0 && r.records%r.every == 0 {
		r.logger.WithFields(logrus.Fields{
			"records": r.records,
			"matched": r.matched,
		}).Info("collecting")
	}
}

func (r *LogReporter) OnPage(page, records int) {
	r.pages = page
	r.logger.WithFields(logrus.Fields{
		"page":    page,
		"records": records,
		"total":   r.records,
	}).Debug("page complete")
}

func (r *LogReporter) Finish() {
	elapsed := time.Since(r.start)
	fields := logrus.Fields{
		"records":  r.records,
		"matched":  r.matched,
		"pages":    r.pages,
		"duration": elapsed.Round(time.Millisecond).String(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		fields["rate"] = float64(r.records) / secs
	}
	r.logger.WithFields(fields).Info("collection finished")
}

// Multi fans progress out to several reporters.
type Multi []core.Reporter

func (m Multi) OnRecord(record core.Record, matched bool) {
	for _, r := range m {
		r.OnRecord(record, matched)
	}
}

func (m Multi) OnPage(page, records int) {
	for _, r := range m {
		r.OnPage(page, records)
	}
}

func (m Multi) Finish() {
	for _, r := range m {
		r.Finish()
	}
}
