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

package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aaronlmathis/facetflow/core"
)

// Package collector drives a provider and forwards every record it yields to a facet.
//
// Search pages through a bounded query; Stream consumes an open-ended
// subscription through a Listener. Both keep a Checkpoint of the last record
// forwarded so that an interrupted or failed run can be resumed.

var (
	// ErrInterrupted is returned when the run context is cancelled. The checkpoint is intact.
	ErrInterrupted = errors.New("collection interrupted")
	// ErrNoProvider is returned when the requested mode has no provider configured.
	ErrNoProvider = errors.New("no provider configured")
)

// DefaultPageSize is the number of records requested per search page.
const DefaultPageSize = 1000

// SearchQuery describes one paginated search.
type SearchQuery struct {
	Terms    []string          // Terms combined into (t1 OR t2 ...)
	Params   map[string]string // Provider-specific parameters (since, until, lang, ...)
	PageSize int               // Records per page
	MaxID    string            // Inclusive upper id bound, empty for none
	SinceID  string            // Exclusive lower id bound, empty for none
}

// Expression returns the combined query expression.
func (q SearchQuery) Expression() string {
	return "(" + strings.Join(q.Terms, " OR ") + ")"
}

// Page is one page of search results. An empty Next ends pagination.
type Page struct {
	Records []core.Record
	Next    string
}

// Searcher fetches search pages. cursor is empty for the first page.
type Searcher interface {
	Search(ctx context.Context, query SearchQuery, cursor string) (Page, error)
}

// StreamHandler receives subscription events one at a time.
type StreamHandler interface {
	// OnRecord handles one record; returning false closes the subscription.
	OnRecord(ctx context.Context, record core.Record) (bool, error)
	// OnError handles a non-success status code; returning true retries the connection.
	OnError(code int) bool
	// OnTimeout is called when the connection was idle too long, before reconnecting.
	OnTimeout()
}

// Streamer runs a subscription for terms until the handler stops it, the
// context is cancelled, or reconnects are exhausted.
type Streamer interface {
	Stream(ctx context.Context, terms []string, handler StreamHandler) error
}

// flusher is implemented by facets that can commit pending sink data.
type flusher interface {
	Flush(ctx context.Context) error
}

// Options configures a Collector.
type Options struct {
	Searcher    Searcher
	Streamer    Streamer
	Checkpoint  Checkpoint         // Initial checkpoint, overridden by a stored one
	Store       CheckpointStore    // Where checkpoints are persisted, if anywhere
	StoreName   string             // Name of the checkpoint in Store
	SaveEvery   int                // Stream mode: persist every n events
	Reporter    core.Reporter      // Progress reporting
	PageSize    int                // Records per search page
	PageLimit   int                // Maximum pages per search, 0 for no limit
	IDField     string             // Record field holding the id
	DateField   string             // Record field holding the creation time
	DateLayouts []string           // Layouts tried when parsing DateField
	RetryCodes  []int              // Stream status codes that are retried
	Logger      logrus.FieldLogger // Destination for collection logs
}

// Option is a functional option for Options.
type Option func(*Options)

func WithSearcher(s Searcher) Option {
	return func(opts *Options) {
		opts.Searcher = s
	}
}

func WithStreamer(s Streamer) Option {
	return func(opts *Options) {
		opts.Streamer = s
	}
}

// WithCheckpoint resumes from cp unless the store holds a checkpoint.
func WithCheckpoint(cp Checkpoint) Option {
	return func(opts *Options) {
		opts.Checkpoint = cp
	}
}

// WithCheckpointStore loads and persists the checkpoint under name.
func WithCheckpointStore(store CheckpointStore, name string) Option {
	return func(opts *Options) {
		opts.Store = store
		opts.StoreName = name
	}
}

// WithSaveEvery persists the stream checkpoint every n forwarded events.
func WithSaveEvery(n int) Option {
	return func(opts *Options) {
		opts.SaveEvery = n
	}
}

func WithReporter(r core.Reporter) Option {
	return func(opts *Options) {
		if r != nil {
			opts.Reporter = r
		}
	}
}

func WithPageSize(size int) Option {
	return func(opts *Options) {
		opts.PageSize = size
	}
}

func WithPageLimit(limit int) Option {
	return func(opts *Options) {
		opts.PageLimit = limit
	}
}

func WithIDField(field string) Option {
	return func(opts *Options) {
		opts.IDField = field
	}
}

// WithDateField sets the creation-time field and, optionally, the layouts used to parse it.
func WithDateField(field string, layouts ...string) Option {
	return func(opts *Options) {
		opts.DateField = field
		if len(layouts) > 0 {
			opts.DateLayouts = layouts
		}
	}
}

func WithRetryCodes(codes ...int) Option {
	return func(opts *Options) {
		opts.RetryCodes = codes
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(opts *Options) {
		if logger != nil {
			opts.Logger = logger
		}
	}
}

// Result summarizes one run.
type Result struct {
	RunID      string
	Pages      int
	Records    int
	Matched    int
	Checkpoint Checkpoint
	Duration   time.Duration
}

// Collector forwards provider records to a facet and tracks a checkpoint.
type Collector struct {
	facet      core.Facet
	opts       Options
	runID      string
	checkpoint Checkpoint
	loaded     bool
	reporter   *onceReporter
}

// onceReporter forwards to a core.Reporter and lets Finish through only once per run.
type onceReporter struct {
	core.Reporter
	finished bool
}

func (r *onceReporter) Finish() {
	if r.finished {
		return
	}
	r.finished = true
	r.Reporter.Finish()
}

// New creates a collector writing to facet.
func New(facet core.Facet, options ...Option) *Collector {
	opts := Options{
		SaveEvery:   100,
		Reporter:    core.NopReporter{},
		PageSize:    DefaultPageSize,
		IDField:     "id",
		DateField:   "created_at",
		DateLayouts: []string{time.RubyDate, time.RFC3339},
		RetryCodes:  []int{420, 429, 503},
		Logger:      logrus.StandardLogger(),
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Collector{
		facet:      facet,
		opts:       opts,
		runID:      uuid.NewString(),
		checkpoint: opts.Checkpoint,
	}
}

// Checkpoint returns the position of the last record fully forwarded.
func (c *Collector) Checkpoint() Checkpoint {
	return c.checkpoint
}

// RunID identifies this collector's run in logs and checkpoints.
func (c *Collector) RunID() string {
	return c.runID
}

// Search pages through the results for terms and forwards every record.
//
// Cancellation of ctx is only observed between pages: once a page has been
// fetched, all of its records are forwarded and the checkpoint advanced before
// the run stops with ErrInterrupted.
func (c *Collector) Search(ctx context.Context, terms []string, params map[string]string) (Result, error) {
	start := time.Now()
	result := Result{RunID: c.runID}
	c.reporter = &onceReporter{Reporter: c.opts.Reporter}
	if c.opts.Searcher == nil {
		return result, ErrNoProvider
	}
	if err := c.loadCheckpoint(ctx); err != nil {
		return result, err
	}

	query := SearchQuery{Terms: terms, Params: params, PageSize: c.opts.PageSize}
	log := c.opts.Logger.WithField("run_id", c.runID)
	if c.checkpoint.Complete {
		// Nothing is left below a finished search; collect only what is newer.
		log.WithField("newest_id", c.checkpoint.Newest).Info("previous search complete, collecting newer records")
		c.checkpoint = Checkpoint{Newest: c.checkpoint.Newest, Floor: c.checkpoint.Newest}
	}
	query.SinceID = c.checkpoint.Floor
	if !c.checkpoint.IsZero() {
		query.MaxID = c.checkpoint.ResumeBound()
		log.WithField("last_id", c.checkpoint.ID).Infof("resuming search below id %s", query.MaxID)
	}

	emitCtx := context.WithoutCancel(ctx)
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return c.interrupted(ctx, result, start)
		}

		page, err := c.opts.Searcher.Search(ctx, query, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return c.interrupted(ctx, result, start)
			}
			return c.fail(emitCtx, result, start, fmt.Errorf("search page %d: %w", result.Pages+1, err))
		}

		next := c.checkpoint
		for _, record := range page.Records {
			matched, err := c.facet.Emit(emitCtx, record)
			if err != nil {
				return c.fail(emitCtx, result, start, err)
			}
			result.Records++
			if matched {
				result.Matched++
			}
			if cp, ok := c.recordCheckpoint(record); ok {
				cp.Newest = newerID(next.Newest, cp.ID)
				cp.Floor = next.Floor
				next = cp
			}
			c.reporter.OnRecord(record, matched)
		}

		if f, ok := c.facet.(flusher); ok {
			if err := f.Flush(emitCtx); err != nil {
				return c.fail(emitCtx, result, start, err)
			}
		}
		c.checkpoint = next
		c.checkpoint.Complete = page.Next == ""
		result.Pages++
		if err := c.saveCheckpoint(emitCtx); err != nil {
			log.WithError(err).Warn("failed to persist checkpoint")
		}
		c.reporter.OnPage(result.Pages, len(page.Records))
		log.WithFields(logrus.Fields{
			"page":    result.Pages,
			"records": len(page.Records),
			"last_id": c.checkpoint.ID,
		}).Debug("page forwarded")

		if page.Next == "" || (c.opts.PageLimit > 0 && result.Pages >= c.opts.PageLimit) {
			break
		}
		cursor = page.Next
	}

	c.reporter.Finish()
	result.Checkpoint = c.checkpoint
	result.Duration = time.Since(start)
	log.WithFields(logrus.Fields{
		"pages":   result.Pages,
		"records": result.Records,
		"matched": result.Matched,
	}).Info("search complete")
	return result, nil
}

// Stream consumes the subscription for terms until termination is satisfied,
// ctx is cancelled or a fatal error occurs.
func (c *Collector) Stream(ctx context.Context, terms []string, termination *Termination) (Result, error) {
	start := time.Now()
	result := Result{RunID: c.runID}
	c.reporter = &onceReporter{Reporter: c.opts.Reporter}
	if c.opts.Streamer == nil {
		return result, ErrNoProvider
	}
	if err := c.loadCheckpoint(ctx); err != nil {
		return result, err
	}
	if termination == nil {
		termination = Never()
	}

	listener := NewListener(c.facet, termination,
		WithListenerReporter(c.reporter),
		WithListenerRetryCodes(c.opts.RetryCodes...),
		WithListenerFields(c.opts.IDField, c.opts.DateField, c.opts.DateLayouts...),
		WithListenerCheckpoint(c.checkpoint, c.runID),
		WithListenerSave(c.saveStreamCheckpoint, c.opts.SaveEvery),
		WithListenerLogger(c.opts.Logger.WithField("run_id", c.runID)),
	)

	err := c.opts.Streamer.Stream(ctx, terms, listener)
	emitCtx := context.WithoutCancel(ctx)

	c.checkpoint = listener.Checkpoint()
	result.Records = listener.Received()
	result.Matched = listener.Matched()
	if saveErr := c.saveCheckpoint(emitCtx); saveErr != nil {
		c.opts.Logger.WithError(saveErr).Warn("failed to persist checkpoint")
	}

	if failure := listener.Err(); failure != nil {
		result.Checkpoint = c.checkpoint
		result.Duration = time.Since(start)
		return result, failure
	}
	if err != nil && ctx.Err() == nil {
		return c.fail(emitCtx, result, start, err)
	}
	if listener.Interrupted() || ctx.Err() != nil {
		return c.interrupted(ctx, result, start)
	}

	c.reporter.Finish()
	result.Checkpoint = c.checkpoint
	result.Duration = time.Since(start)
	c.opts.Logger.WithFields(logrus.Fields{
		"run_id":  c.runID,
		"records": result.Records,
		"matched": result.Matched,
	}).Info("stream complete")
	return result, nil
}

func (c *Collector) interrupted(ctx context.Context, result Result, start time.Time) (Result, error) {
	c.reporter.Finish()
	result.Checkpoint = c.checkpoint
	result.Duration = time.Since(start)
	c.opts.Logger.WithFields(logrus.Fields{
		"run_id":  c.runID,
		"last_id": c.checkpoint.ID,
	}).Warn("collection interrupted")
	return result, fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
}

// fail finishes reporting and closes the facet. The checkpoint is left at the last committed position.
func (c *Collector) fail(ctx context.Context, result Result, start time.Time, err error) (Result, error) {
	c.reporter.Finish()
	if closeErr := c.facet.Close(ctx); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	result.Checkpoint = c.checkpoint
	result.Duration = time.Since(start)
	c.opts.Logger.WithFields(logrus.Fields{
		"run_id":  c.runID,
		"last_id": c.checkpoint.ID,
	}).WithError(err).Error("collection failed")
	return result, err
}

func (c *Collector) loadCheckpoint(ctx context.Context) error {
	if c.loaded || c.opts.Store == nil {
		return nil
	}
	c.loaded = true
	cp, ok, err := c.opts.Store.Load(ctx, c.opts.StoreName)
	if err != nil {
		return err
	}
	if ok {
		c.checkpoint = cp
	}
	return nil
}

func (c *Collector) saveCheckpoint(ctx context.Context) error {
	if c.opts.Store == nil || c.checkpoint.IsZero() {
		return nil
	}
	return c.opts.Store.Save(ctx, c.opts.StoreName, c.checkpoint)
}

func (c *Collector) saveStreamCheckpoint(ctx context.Context, cp Checkpoint) error {
	if c.opts.Store == nil {
		return nil
	}
	return c.opts.Store.Save(ctx, c.opts.StoreName, cp)
}

func (c *Collector) recordCheckpoint(record core.Record) (Checkpoint, bool) {
	return checkpointOf(record, c.opts.IDField, c.opts.DateField, c.opts.DateLayouts, c.runID)
}

// checkpointOf builds the checkpoint for record, or false when it has no id.
func checkpointOf(record core.Record, idField, dateField string, layouts []string, runID string) (Checkpoint, bool) {
	value, ok := record.Lookup(idField)
	if !ok {
		return Checkpoint{}, false
	}
	id := idString(value)
	if id == "" {
		return Checkpoint{}, false
	}
	cp := Checkpoint{ID: id, RunID: runID}
	if s, ok := record.String(dateField); ok {
		for _, layout := range layouts {
			if date, err := time.Parse(layout, s); err == nil {
				cp.Date = date
				break
			}
		}
	}
	return cp, true
}

func idString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
