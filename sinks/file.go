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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileSinkOptions configures the file sink.
type FileSinkOptions struct {
	BufferSize int         // Size of the write buffer in bytes
	Sync       bool        // fsync on Flush and Close
	DirMode    os.FileMode // Mode for created parent directories
	FileMode   os.FileMode // Mode for created files
}

// FileSinkOption is a functional option for FileSinkOptions.
type FileSinkOption func(*FileSinkOptions)

// WithFileBufferSize sets the write buffer size.
func WithFileBufferSize(size int) FileSinkOption {
	return func(opts *FileSinkOptions) {
		opts.BufferSize = size
	}
}

// WithFileSync makes Flush and Close fsync the file.
func WithFileSync(sync bool) FileSinkOption {
	return func(opts *FileSinkOptions) {
		opts.Sync = sync
	}
}

// WithFileModes sets the permissions for created directories and files.
func WithFileModes(dir, file os.FileMode) FileSinkOption {
	return func(opts *FileSinkOptions) {
		opts.DirMode = dir
		opts.FileMode = file
	}
}

// FileSink writes raw bytes to a local file, creating missing parent directories.
type FileSink struct {
	opts   FileSinkOptions
	file   *os.File
	writer *bufio.Writer
	path   string
	state  lifecycle
}

// NewFileSink creates a file sink. It does not touch the filesystem until Open.
func NewFileSink(options ...FileSinkOption) *FileSink {
	opts := FileSinkOptions{
		BufferSize: 64 * 1024,
		DirMode:    0o755,
		FileMode:   0o644,
	}
	for _, option := range options {
		option(&opts)
	}
	return &FileSink{opts: opts}
}

// Open truncates or creates path for writing.
func (f *FileSink) Open(ctx context.Context, path string) error {
	if f.state == lifecycleOpen {
		if err := f.Close(ctx); err != nil {
			return err
		}
	}

	if err := ensureDir(filepath.Dir(path), f.opts.DirMode); err != nil {
		return &SinkError{Sink: "file", Op: "create_directory", Target: path, Err: err}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.opts.FileMode)
	if err != nil {
		return &SinkError{Sink: "file", Op: "open", Target: path, Err: err}
	}

	f.file = file
	f.writer = bufio.NewWriterSize(file, f.opts.BufferSize)
	f.path = path
	f.state = lifecycleOpen
	return nil
}

// Write appends payload verbatim.
func (f *FileSink) Write(ctx context.Context, payload []byte) error {
	if err := f.state.require("file", "write", f.path); err != nil {
		return err
	}
	if _, err := f.writer.Write(payload); err != nil {
		return &SinkError{Sink: "file", Op: "write", Target: f.path, Err: err}
	}
	return nil
}

// Flush pushes buffered bytes to the operating system.
func (f *FileSink) Flush(ctx context.Context) error {
	if err := f.state.require("file", "flush", f.path); err != nil {
		return err
	}
	return f.flush()
}

func (f *FileSink) flush() error {
	if err := f.writer.Flush(); err != nil {
		return &SinkError{Sink: "file", Op: "flush", Target: f.path, Err: err}
	}
	if f.opts.Sync {
		if err := f.file.Sync(); err != nil {
			return &SinkError{Sink: "file", Op: "sync", Target: f.path, Err: err}
		}
	}
	return nil
}

// Close flushes and releases the file handle.
func (f *FileSink) Close(ctx context.Context) error {
	if f.state != lifecycleOpen {
		return nil
	}
	f.state = lifecycleClosed

	flushErr := f.flush()
	closeErr := f.file.Close()
	f.file = nil
	f.writer = nil

	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return &SinkError{Sink: "file", Op: "close", Target: f.path, Err: closeErr}
	}
	return nil
}

// Exists reports whether path is present on disk.
func (f *FileSink) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &SinkError{Sink: "file", Op: "stat", Target: path, Err: err}
}

// Path returns the currently or most recently opened path.
func (f *FileSink) Path() string {
	return f.path
}

// ensureDir creates dir and its parents. A directory created concurrently by
// another process is the desired end state, so it is not reported.
func ensureDir(dir string, mode os.FileMode) error {
	if dir == "" || dir == "." {
		return nil
	}
	err := os.MkdirAll(dir, mode)
	if err == nil {
		return nil
	}
	if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
		return nil
	}
	return fmt.Errorf("mkdir %s: %w", dir, err)
}
