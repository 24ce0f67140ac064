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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aaronlmathis/facetflow/core"
)

// Termination decides when a subscription has received enough events.
// It is owned by one Listener and updated on every observed event.
type Termination struct {
	Until time.Time // Stop at the first event created on or after this time
	Limit int       // Stop after this many events
	Count int       // Events observed so far
	Done  bool      // Set once the condition is satisfied
}

// StopAt terminates at the first event created on or after date.
func StopAt(date time.Time) *Termination {
	return &Termination{Until: date}
}

// StopAfter terminates after n events.
func StopAfter(n int) *Termination {
	return &Termination{Limit: n}
}

// Never keeps the subscription open until it is cancelled or fails.
func Never() *Termination {
	return &Termination{}
}

// Observe records one event created at date and reports whether to stop.
func (t *Termination) Observe(date time.Time) bool {
	t.Count++
	if !t.Until.IsZero() && !date.IsZero() && !date.Before(t.Until) {
		t.Done = true
	}
	if t.Limit > 0 && t.Count >= t.Limit {
		t.Done = true
	}
	return t.Done
}

// FatalError reports a subscription stopped by a non-retryable condition.
type FatalError struct {
	Code       int        // Provider status code, 0 for a forwarding failure
	Checkpoint Checkpoint // Last record forwarded before the failure
	Err        error      // Underlying error, if any
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal stream error (last_id=%s): %v", e.Checkpoint.ID, e.Err)
	}
	return fmt.Sprintf("fatal stream error: code=%d last_id=%s", e.Code, e.Checkpoint.ID)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	Reporter    core.Reporter
	RetryCodes  map[int]bool
	IDField     string
	DateField   string
	DateLayouts []string
	Checkpoint  Checkpoint
	RunID       string
	Save        func(ctx context.Context, cp Checkpoint) error
	SaveEvery   int
	Logger      logrus.FieldLogger
}

// ListenerOption is a functional option for ListenerOptions.
type ListenerOption func(*ListenerOptions)

func WithListenerReporter(r core.Reporter) ListenerOption {
	return func(opts *ListenerOptions) {
		if r != nil {
			opts.Reporter = r
		}
	}
}

// WithListenerRetryCodes replaces the status codes treated as transient.
func WithListenerRetryCodes(codes ...int) ListenerOption {
	return func(opts *ListenerOptions) {
		opts.RetryCodes = make(map[int]bool, len(codes))
		for _, code := range codes {
			opts.RetryCodes[code] = true
		}
	}
}

func WithListenerFields(idField, dateField string, layouts ...string) ListenerOption {
	return func(opts *ListenerOptions) {
		opts.IDField = idField
		opts.DateField = dateField
		if len(layouts) > 0 {
			opts.DateLayouts = layouts
		}
	}
}

// WithListenerCheckpoint starts from cp and stamps new checkpoints with runID.
func WithListenerCheckpoint(cp Checkpoint, runID string) ListenerOption {
	return func(opts *ListenerOptions) {
		opts.Checkpoint = cp
		opts.RunID = runID
	}
}

// WithListenerSave persists the checkpoint through save every n forwarded events.
func WithListenerSave(save func(ctx context.Context, cp Checkpoint) error, every int) ListenerOption {
	return func(opts *ListenerOptions) {
		opts.Save = save
		opts.SaveEvery = every
	}
}

func WithListenerLogger(logger logrus.FieldLogger) ListenerOption {
	return func(opts *ListenerOptions) {
		if logger != nil {
			opts.Logger = logger
		}
	}
}

// Listener implements StreamHandler by forwarding events to a facet.
//
// Events are handled to completion before the run context is consulted, so a
// cancellation only takes effect between events.
type Listener struct {
	facet       core.Facet
	termination *Termination
	opts        ListenerOptions
	checkpoint  Checkpoint
	received    int
	matched     int
	failure     error
	interrupted bool
	finished    bool
}

// NewListener creates a listener forwarding to facet until termination is satisfied.
func NewListener(facet core.Facet, termination *Termination, options ...ListenerOption) *Listener {
	opts := ListenerOptions{
		Reporter:    core.NopReporter{},
		RetryCodes:  map[int]bool{420: true, 429: true, 503: true},
		IDField:     "id",
		DateField:   "created_at",
		DateLayouts: []string{time.RubyDate, time.RFC3339},
		SaveEvery:   100,
		Logger:      logrus.StandardLogger(),
	}
	for _, option := range options {
		option(&opts)
	}
	if termination == nil {
		termination = Never()
	}
	return &Listener{
		facet:       facet,
		termination: termination,
		opts:        opts,
		checkpoint:  opts.Checkpoint,
	}
}

// OnRecord forwards record, advances the checkpoint and evaluates termination.
func (l *Listener) OnRecord(ctx context.Context, record core.Record) (bool, error) {
	if l.failure != nil {
		return false, l.failure
	}
	emitCtx := context.WithoutCancel(ctx)

	matched, err := l.facet.Emit(emitCtx, record)
	if err != nil {
		l.fail(emitCtx, &FatalError{Checkpoint: l.checkpoint, Err: err})
		return false, l.failure
	}

	l.received++
	if matched {
		l.matched++
	}
	cp, hasID := checkpointOf(record, l.opts.IDField, l.opts.DateField, l.opts.DateLayouts, l.opts.RunID)
	if hasID {
		l.checkpoint = cp
	}
	l.opts.Reporter.OnRecord(record, matched)
	l.maybeSave(emitCtx)

	if l.termination.Observe(cp.Date) {
		l.opts.Logger.WithFields(logrus.Fields{
			"count":   l.termination.Count,
			"last_id": l.checkpoint.ID,
		}).Info("termination condition reached")
		l.finish()
		return false, nil
	}
	if ctx.Err() != nil {
		l.interrupted = true
		return false, nil
	}
	return true, nil
}

// OnError retries allow-listed codes and treats anything else as fatal.
func (l *Listener) OnError(code int) bool {
	log := l.opts.Logger.WithFields(logrus.Fields{"code": code, "last_id": l.checkpoint.ID})
	if l.opts.RetryCodes[code] {
		log.Warn("transient stream error, retrying")
		return true
	}
	log.Error("fatal stream error")
	l.fail(context.Background(), &FatalError{Code: code, Checkpoint: l.checkpoint})
	return false
}

// OnTimeout logs the idle timeout; the transport reconnects.
func (l *Listener) OnTimeout() {
	l.opts.Logger.WithField("last_id", l.checkpoint.ID).Warn("stream timeout, reconnecting")
}

// Checkpoint returns the last record forwarded.
func (l *Listener) Checkpoint() Checkpoint {
	return l.checkpoint
}

// Err returns the fatal error that stopped the subscription, if any.
func (l *Listener) Err() error {
	return l.failure
}

// Interrupted reports whether the run context was cancelled between events.
func (l *Listener) Interrupted() bool {
	return l.interrupted
}

// Received returns the number of events forwarded.
func (l *Listener) Received() int {
	return l.received
}

// Matched returns the number of forwarded events that matched a key.
func (l *Listener) Matched() int {
	return l.matched
}

// Termination returns the termination state.
func (l *Listener) Termination() *Termination {
	return l.termination
}

func (l *Listener) finish() {
	if l.finished {
		return
	}
	l.finished = true
	l.opts.Reporter.Finish()
}

// fail finishes reporting, closes the facet and records err.
func (l *Listener) fail(ctx context.Context, err *FatalError) {
	l.finish()
	if closeErr := l.facet.Close(ctx); closeErr != nil {
		l.opts.Logger.WithError(closeErr).Error("failed to close facet")
	}
	l.failure = err
}

func (l *Listener) maybeSave(ctx context.Context) {
	if l.opts.Save == nil || l.opts.SaveEvery <= 0 || l.checkpoint.IsZero() {
		return
	}
	if l.received%l.opts.SaveEvery != 0 {
		return
	}
	if err := l.opts.Save(ctx, l.checkpoint); err != nil {
		l.opts.Logger.WithError(err).Warn("failed to persist checkpoint")
	}
}
