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
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aaronlmathis/facetflow/collector"
	"github.com/aaronlmathis/facetflow/config"
)

// streamOptions holds flags for the stream command.
type streamOptions struct {
	*rootOptions
	Limit         int
	Until         string
	ProgressEvery int
}

func newStreamCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &streamOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Consume the live subscription for the configured terms",
		Long: `Open the provider's filtered subscription for the configured terms and route
every event until the stop condition is met or the process is interrupted.
Rate-limit and availability codes (stream.retry_codes) reconnect; any other
status stops the run with the checkpoint of the last stored event.

Examples:
  facetflow stream --limit 10000
  facetflow stream --until 2024-02-01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "stop after this many events (overrides stream.limit)")
	cmd.Flags().StringVar(&opts.Until, "until", "", "stop at the first event on or after this date, YYYY-MM-DD (overrides stream.until)")
	cmd.Flags().IntVar(&opts.ProgressEvery, "progress-every", 1000, "log progress every n events")

	return cmd
}

func runStream(cmd *cobra.Command, opts *streamOptions) error {
	cfg := opts.cfg
	a := newApp(opts.rootOptions, cmd.OutOrStdout())

	termination, err := streamTermination(cfg.Stream, opts.Limit, opts.Until)
	if err != nil {
		return wrapExitError(exitCommandError, "invalid stop condition", err)
	}
	client, err := a.streamClient()
	if err != nil {
		return wrapExitError(exitCommandError, "failed to build stream client", err)
	}

	extra := []collector.Option{
		collector.WithStreamer(client),
		collector.WithRetryCodes(cfg.Stream.RetryCodes...),
		collector.WithSaveEvery(cfg.Stream.SaveEvery),
	}

	logRun(a.logger, "stream", cfg.Query.Terms)
	err = runCollection(cmd, a, "stream", opts.ProgressEvery, extra, func(ctx context.Context, c *collector.Collector) (collector.Result, error) {
		return c.Stream(ctx, cfg.Query.Terms, termination)
	})

	stats := client.Stats()
	a.logger.WithFields(logrus.Fields{
		"connections": stats.Connections,
		"reconnects":  stats.Reconnects,
		"timeouts":    stats.Timeouts,
		"skipped":     stats.Skipped,
	}).Debug("stream client statistics")
	return err
}

// streamTermination combines the configured stop condition with flag overrides.
func streamTermination(cfg config.StreamConfig, limit int, until string) (*collector.Termination, error) {
	t := &collector.Termination{Until: cfg.UntilTime, Limit: cfg.Limit}
	if limit > 0 {
		t.Limit = limit
	}
	if until != "" {
		date, err := time.Parse("2006-01-02", until)
		if err != nil {
			return nil, err
		}
		t.Until = date
	}
	return t, nil
}
