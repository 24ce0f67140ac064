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
	"errors"
)

// Package core defines the error handling types for the FacetFlow library.
//
// This file contains sentinel errors, error handling strategies, and function adapters.

var (
	// ErrNotOpen is returned when a sink is used before Open.
	ErrNotOpen = errors.New("sink is not open")
	// ErrClosed is returned when a sink is used after Close.
	ErrClosed = errors.New("sink is closed")
	// ErrInvalidPayload is returned for payloads that are not a single JSON value.
	ErrInvalidPayload = errors.New("invalid payload")
)

// ErrorHandler defines how errors are handled during replay.
// Returning a non-nil error stops processing; returning nil continues.
type ErrorHandler interface {
	HandleError(ctx context.Context, record Record, err error) error
}

// ErrorStrategy defines how to handle per-record errors in the replay pipeline.
type ErrorStrategy int

const (
	// FailFast stops processing on the first error encountered.
	FailFast ErrorStrategy = iota
	// SkipErrors continues processing, skipping failed records.
	SkipErrors
	// CollectErrors continues processing, collecting all errors for later inspection.
	CollectErrors
)

// ErrorHandlerFunc is a function adapter for the ErrorHandler interface.
type ErrorHandlerFunc func(ctx context.Context, record Record, err error) error

// HandleError implements ErrorHandler.
func (f ErrorHandlerFunc) HandleError(ctx context.Context, record Record, err error) error {
	return f(ctx, record, err)
}
