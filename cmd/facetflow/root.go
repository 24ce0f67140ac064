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
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aaronlmathis/facetflow/collector"
	"github.com/aaronlmathis/facetflow/config"
)

// Exit codes for CLI commands.
const (
	exitSuccess      = 0   // Run completed
	exitFailure      = 1   // Provider or sink failure
	exitCommandError = 2   // Bad flags or configuration
	exitInterrupted  = 130 // Run cancelled by a signal; the checkpoint is intact
)

// exitError carries the process exit code for an error.
type exitError struct {
	Code    int
	Message string
	Err     error
}

func (e *exitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *exitError) Unwrap() error {
	return e.Err
}

func wrapExitError(code int, message string, err error) *exitError {
	return &exitError{Code: code, Message: message, Err: err}
}

// exitCode maps err to a process exit code.
func exitCode(err error) int {
	var exitErr *exitError
	switch {
	case err == nil:
		return exitSuccess
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.Is(err, collector.ErrInterrupted):
		return exitInterrupted
	default:
		return exitFailure
	}
}

// rootOptions holds the global flags and the state they resolve to.
type rootOptions struct {
	ConfigPath string
	EnvFiles   []string
	LogLevel   string
	LogFormat  string

	cfg    *config.Config
	logger *logrus.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "facetflow",
		Short: "Collect social-media records into per-term archives",
		Long: `FacetFlow pages through search results or consumes a live subscription,
routes every record whose text matches the tracked terms to a sink chosen
by the matched terms, and persists a checkpoint so interrupted runs resume
where they stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "facetflow.yaml", "path to the YAML configuration")
	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", []string{".env"}, "dotenv files loaded before the configuration")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override logging.level")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "override logging.format (text|json)")

	cmd.AddCommand(newSearchCommand(opts))
	cmd.AddCommand(newStreamCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	cmd.AddCommand(newInspectCommand())

	return cmd
}

// load reads the environment and configuration and configures logging.
func (o *rootOptions) load() error {
	if err := config.LoadEnv(o.EnvFiles...); err != nil {
		return wrapExitError(exitCommandError, "failed to load environment", err)
	}

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return wrapExitError(exitCommandError, "failed to load configuration", err)
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Logging.Format = o.LogFormat
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return wrapExitError(exitCommandError, "invalid logging configuration", err)
	}
	o.cfg = cfg
	o.logger = logger
	return nil
}

// newLogger builds a logrus logger writing to stderr.
func newLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}
	return logger, nil
}
