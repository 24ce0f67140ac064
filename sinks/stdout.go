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

package sinks

import (
	"context"
	"fmt"
	"io"
	"os"
)

// StdoutSink prints "key: payload" lines, for dry runs and debugging.
type StdoutSink struct {
	key    string
	out    io.Writer
	target string
	state  lifecycle
}

// NewStdoutSink creates a sink that labels each payload with key.
// A nil writer defaults to os.Stdout.
func NewStdoutSink(key string, out io.Writer) *StdoutSink {
	if out == nil {
		out = os.Stdout
	}
	return &StdoutSink{key: key, out: out}
}

func (s *StdoutSink) Open(ctx context.Context, target string) error {
	s.target = target
	s.state = lifecycleOpen
	return nil
}

func (s *StdoutSink) Write(ctx context.Context, payload []byte) error {
	if err := s.state.require("stdout", "write", s.target); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.out, "%s: %s\n", s.key, payload); err != nil {
		return &SinkError{Sink: "stdout", Op: "write", Target: s.target, Err: err}
	}
	return nil
}

func (s *StdoutSink) Flush(ctx context.Context) error {
	return s.state.require("stdout", "flush", s.target)
}

func (s *StdoutSink) Close(ctx context.Context) error {
	if s.state == lifecycleOpen {
		s.state = lifecycleClosed
	}
	return nil
}

// Exists always reports false; nothing is materialized.
func (s *StdoutSink) Exists(ctx context.Context, target string) (bool, error) {
	return false, nil
}
