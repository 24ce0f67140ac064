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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aaronlmathis/facetflow"
	"github.com/aaronlmathis/facetflow/core"
	"github.com/aaronlmathis/facetflow/readers"
	"github.com/aaronlmathis/facetflow/validators"
)

// replayOptions holds flags for the replay command.
type replayOptions struct {
	*rootOptions
	Bucket   string
	Prefix   string
	Suffix   string
	KeyField string
	Strategy string
	Require  []string
}

var replayStrategies = map[string]facetflow.ErrorStrategy{
	"fail":    facetflow.FailFast,
	"skip":    facetflow.SkipErrors,
	"collect": facetflow.CollectErrors,
}

func newReplayCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &replayOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [files or globs...]",
		Short: "Route archived JSON arrays into the configured output",
		Long: `Read records archived by a previous run, either local JSON array / JSON lines
files or objects in an S3 bucket, and route them through the configured
matcher into the configured output. Typical use is loading an S3 archive
into MongoDB.

Examples:
  facetflow replay ./archive
  facetflow replay 'out/python_*.json' --strategy collect
  facetflow replay --s3-bucket tweets-archive --s3-prefix 2024/
  facetflow replay ./archive --require id,created_at --strategy collect`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Bucket, "s3-bucket", "", "read objects from this bucket instead of local files")
	cmd.Flags().StringVar(&opts.Prefix, "s3-prefix", "", "only read objects under this prefix")
	cmd.Flags().StringVar(&opts.Suffix, "s3-suffix", ".json", "only read objects with this suffix")
	cmd.Flags().StringVar(&opts.KeyField, "key-field", "", "store the source object key in this field")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", "skip", "error strategy (fail|skip|collect)")
	cmd.Flags().StringSliceVar(&opts.Require, "require", nil, "report records missing these fields as errors")

	return cmd
}

func runReplay(cmd *cobra.Command, opts *replayOptions, args []string) error {
	strategy, ok := replayStrategies[opts.Strategy]
	if !ok {
		return wrapExitError(exitCommandError, fmt.Sprintf("invalid strategy %q", opts.Strategy), nil)
	}
	if opts.Bucket == "" && len(args) == 0 {
		return wrapExitError(exitCommandError, "replay needs files or --s3-bucket", nil)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(opts.rootOptions, cmd.OutOrStdout())
	defer func() {
		if err := a.close(context.WithoutCancel(ctx)); err != nil {
			a.logger.WithError(err).Warn("failed to release resources")
		}
	}()

	source, err := opts.source(ctx, a, args)
	if err != nil {
		return wrapExitError(exitCommandError, "failed to open replay source", err)
	}
	router, err := a.router(ctx)
	if err != nil {
		source.Close()
		return wrapExitError(exitCommandError, "failed to build router", err)
	}

	builder := facetflow.NewPipeline().
		From(source).
		To(router).
		WithErrorStrategy(strategy).
		WithLogger(a.logger)
	if len(opts.Require) > 0 {
		// Strict, so that broken records go through the error strategy.
		builder = builder.Filter(validators.New(validators.WithRequiredFields(opts.Require...), validators.WithStrict(true)))
	}
	pipeline, err := builder.Build()
	if err != nil {
		return wrapExitError(exitCommandError, "failed to build pipeline", err)
	}

	runErr := pipeline.Execute(ctx)
	stats := pipeline.Stats()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "replay\n")
	fmt.Fprintf(out, "  read:     %d\n", stats.Read)
	fmt.Fprintf(out, "  matched:  %d\n", stats.Matched)
	fmt.Fprintf(out, "  filtered: %d\n", stats.Filtered)
	fmt.Fprintf(out, "  dropped:  %d\n", stats.Dropped)
	fmt.Fprintf(out, "  errors:   %d\n", stats.Errors)
	for _, err := range pipeline.Errors() {
		fmt.Fprintf(out, "  - %v\n", err)
	}

	switch {
	case errors.Is(runErr, context.Canceled):
		return wrapExitError(exitInterrupted, "replay interrupted", runErr)
	case runErr != nil:
		return wrapExitError(exitFailure, "replay failed", runErr)
	case len(pipeline.Errors()) > 0:
		return wrapExitError(exitFailure, fmt.Sprintf("replay finished with %d errors", len(pipeline.Errors())), nil)
	}
	return nil
}

// source opens the S3 bucket when one is given, the local files otherwise.
func (o *replayOptions) source(ctx context.Context, a *app, paths []string) (core.DataSource, error) {
	if o.Bucket == "" {
		return readers.NewFileReader(paths...)
	}
	client, err := a.s3Client(ctx)
	if err != nil {
		return nil, err
	}
	options := []readers.ReaderOptionS3{
		readers.WithS3Prefix(o.Prefix),
		readers.WithS3Suffix(o.Suffix),
		readers.WithS3Logger(a.logger),
	}
	if o.KeyField != "" {
		options = append(options, readers.WithS3KeyField(o.KeyField))
	}
	return readers.NewS3Reader(ctx, client, o.Bucket, options...)
}
