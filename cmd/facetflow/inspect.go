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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aaronlmathis/facetflow/readers"
)

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Print the layout of Parquet archives",
		Long: `Print row counts, row groups and columns of Parquet archives written by the
parquet output. No configuration file is needed.

Examples:
  facetflow inspect out/golang_0.parquet`,
		Args: cobra.MinimumNArgs(1),
		// Inspecting archives does not need the run configuration.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, path := range args {
				info, err := readers.InspectParquet(path)
				if err != nil {
					return wrapExitError(exitFailure, "failed to inspect "+path, err)
				}
				fmt.Fprintf(out, "%s\n", info.Path)
				fmt.Fprintf(out, "  rows:       %d\n", info.Rows)
				fmt.Fprintf(out, "  row groups: %d\n", len(info.RowGroups))
				for i, rows := range info.RowGroups {
					fmt.Fprintf(out, "    %d: %d rows\n", i, rows)
				}
				fmt.Fprintf(out, "  columns:\n")
				for _, col := range info.Columns {
					fmt.Fprintf(out, "    %s (%s)\n", col.Name, col.PhysicalType)
				}
			}
			return nil
		},
	}
}
