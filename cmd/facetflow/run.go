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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aaronlmathis/facetflow/collector"
	"github.com/aaronlmathis/facetflow/facet"
)

// collectFunc runs one collection with a fully wired collector.
type collectFunc func(ctx context.Context, c *collector.Collector) (collector.Result, error)

// runCollection wires the router, checkpoint store and reporters for mode,
// runs collect until it returns or a signal arrives, and prints a summary.
func runCollection(cmd *cobra.Command, a *app, mode string, every int, extra []collector.Option, collect collectFunc) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cleanupCtx := context.WithoutCancel(ctx)

	defer func() {
		if cerr := a.close(cleanupCtx); cerr != nil {
			a.logger.WithError(cerr).Warn("failed to release resources")
		}
	}()

	router, err := a.router(ctx)
	if err != nil {
		return wrapExitError(exitCommandError, "failed to build router", err)
	}
	options, err := a.collectorOptions(ctx, mode, a.reporter(mode, every))
	if err != nil {
		return wrapExitError(exitCommandError, "failed to open checkpoint store", err)
	}
	c := collector.New(router, append(options, extra...)...)

	result, runErr := collect(ctx, c)

	// Closing commits partially filled partitions and buffered uploads.
	closeErr := router.Close(cleanupCtx)
	printSummary(cmd.OutOrStdout(), mode, result, router)

	switch {
	case errors.Is(runErr, collector.ErrInterrupted):
		return wrapExitError(exitInterrupted, fmt.Sprintf("%s interrupted, rerun to resume after id %s", mode, result.Checkpoint.ID), runErr)
	case errors.Is(runErr, collector.ErrNoProvider):
		return wrapExitError(exitCommandError, mode+" is not configured", runErr)
	case runErr != nil:
		return wrapExitError(exitFailure, mode+" failed", errors.Join(runErr, closeErr))
	case closeErr != nil:
		return wrapExitError(exitFailure, "failed to close sinks", closeErr)
	}
	return nil
}

func printSummary(w io.Writer, mode string, result collector.Result, router *facet.Router) {
	stats := router.Stats()
	fmt.Fprintf(w, "%s run %s\n", mode, result.RunID)
	fmt.Fprintf(w, "  pages:      %d\n", result.Pages)
	fmt.Fprintf(w, "  records:    %d\n", result.Records)
	fmt.Fprintf(w, "  matched:    %d\n", result.Matched)
	fmt.Fprintf(w, "  sinks:      %d\n", stats.SinksOpened)
	fmt.Fprintf(w, "  checkpoint: %s\n", result.Checkpoint)
	fmt.Fprintf(w, "  duration:   %s\n", result.Duration.Round(time.Millisecond))
}

func logRun(logger logrus.FieldLogger, mode string, terms []string) {
	logger.WithFields(logrus.Fields{
		"mode":  mode,
		"terms": strings.Join(terms, ","),
	}).Info("starting collection")
}
