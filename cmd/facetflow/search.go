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

	"github.com/spf13/cobra"

	"github.com/aaronlmathis/facetflow/collector"
)

// searchOptions holds flags for the search command.
type searchOptions struct {
	*rootOptions
	Pages         int
	MaxID         string
	ProgressEvery int
}

func newSearchCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &searchOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Page through search results for the configured terms",
		Long: `Page through the provider's search results for (term1 OR term2 ...) from the
newest record backwards. Each page is written in full before the checkpoint
advances; an interrupted run resumes below the last stored id.

Examples:
  facetflow search -c facetflow.yaml
  facetflow search --pages 10
  facetflow search --max-id 1180000000000000000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Pages, "pages", 0, "stop after this many pages (overrides query.page_limit)")
	cmd.Flags().StringVar(&opts.MaxID, "max-id", "", "resume below this id when no checkpoint is stored (overrides query.max_id)")
	cmd.Flags().IntVar(&opts.ProgressEvery, "progress-every", 1000, "log progress every n records")

	return cmd
}

func runSearch(cmd *cobra.Command, opts *searchOptions) error {
	cfg := opts.cfg
	a := newApp(opts.rootOptions, cmd.OutOrStdout())

	client, err := a.searchClient()
	if err != nil {
		return wrapExitError(exitCommandError, "failed to build search client", err)
	}

	pages := cfg.Query.PageLimit
	if opts.Pages > 0 {
		pages = opts.Pages
	}
	maxID := cfg.Query.MaxID
	if opts.MaxID != "" {
		maxID = opts.MaxID
	}

	extra := []collector.Option{
		collector.WithSearcher(client),
		collector.WithPageSize(cfg.Query.PageSize),
		collector.WithPageLimit(pages),
	}
	if maxID != "" {
		extra = append(extra, collector.WithCheckpoint(collector.Checkpoint{ID: maxID}))
	}

	logRun(a.logger, "search", cfg.Query.Terms)
	err = runCollection(cmd, a, "search", opts.ProgressEvery, extra, func(ctx context.Context, c *collector.Collector) (collector.Result, error) {
		return c.Search(ctx, cfg.Query.Terms, cfg.SearchParams())
	})
	if err == nil {
		stats := client.Stats()
		a.logger.WithField("requests", stats.Requests).
			WithField("retries", stats.Retries).
			WithField("rate_limit_hits", stats.RateLimitHits).
			Debug("search client statistics")
	}
	return err
}
