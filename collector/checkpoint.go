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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Checkpoint is the resumable position of a collection run: the last record
// fully forwarded to the router.
type Checkpoint struct {
	ID       string    // Identifier of the last forwarded record
	Date     time.Time // Creation time of the last forwarded record
	RunID    string    // Run that produced the checkpoint
	Complete bool      // A search paged through to its last result
	Newest   string    // Highest id a search has collected, across runs
	Floor    string    // Exclusive lower id bound of the current search pass
}

// IsZero reports whether no record has been forwarded yet.
func (c Checkpoint) IsZero() bool {
	return c.ID == ""
}

// ResumeBound returns the inclusive upper id bound for resuming a descending-id
// search without re-fetching the checkpointed record. Numeric ids are
// decremented; other ids are returned unchanged.
func (c Checkpoint) ResumeBound() string {
	n, err := strconv.ParseUint(c.ID, 10, 64)
	if err != nil || n == 0 {
		return c.ID
	}
	return strconv.FormatUint(n-1, 10)
}

// newerID returns the higher of two ids. Non-numeric ids keep the one seen
// first, which is the newest in a descending search.
func newerID(current, id string) string {
	if current == "" {
		return id
	}
	a, errA := strconv.ParseUint(current, 10, 64)
	b, errB := strconv.ParseUint(id, 10, 64)
	if errA == nil && errB == nil && b > a {
		return id
	}
	return current
}

func (c Checkpoint) String() string {
	if c.IsZero() {
		return "checkpoint(empty)"
	}
	if c.Complete {
		return fmt.Sprintf("checkpoint(id=%s date=%s complete)", c.ID, c.Date.Format(time.RFC3339))
	}
	return fmt.Sprintf("checkpoint(id=%s date=%s)", c.ID, c.Date.Format(time.RFC3339))
}

// CheckpointStore persists checkpoints between runs under a caller-chosen name.
type CheckpointStore interface {
	// Load returns the stored checkpoint, or false when none exists.
	Load(ctx context.Context, name string) (Checkpoint, bool, error)
	// Save replaces the stored checkpoint.
	Save(ctx context.Context, name string, cp Checkpoint) error
}

// CheckpointError provides structured error information for checkpoint persistence.
type CheckpointError struct {
	Op   string // Operation that failed (e.g., "load", "save", "decode")
	Name string // Checkpoint name
	Err  error  // Underlying error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s [%s]: %v", e.Op, e.Name, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// checkpointDoc is the serialized form shared by the stores.
type checkpointDoc struct {
	ID       string `yaml:"id" json:"id"`
	Date     string `yaml:"date,omitempty" json:"date,omitempty"`
	RunID    string `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	Complete bool   `yaml:"complete,omitempty" json:"complete,omitempty"`
	Newest   string `yaml:"newest,omitempty" json:"newest,omitempty"`
	Floor    string `yaml:"floor,omitempty" json:"floor,omitempty"`
}

func toDoc(cp Checkpoint) checkpointDoc {
	doc := checkpointDoc{ID: cp.ID, RunID: cp.RunID, Complete: cp.Complete, Newest: cp.Newest, Floor: cp.Floor}
	if !cp.Date.IsZero() {
		doc.Date = cp.Date.UTC().Format(time.RFC3339)
	}
	return doc
}

func fromDoc(doc checkpointDoc) (Checkpoint, error) {
	cp := Checkpoint{ID: doc.ID, RunID: doc.RunID, Complete: doc.Complete, Newest: doc.Newest, Floor: doc.Floor}
	if doc.Date != "" {
		date, err := time.Parse(time.RFC3339, doc.Date)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("invalid date %q: %w", doc.Date, err)
		}
		cp.Date = date
	}
	return cp, nil
}

// FileStore keeps one YAML checkpoint file per name in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir. The directory is created on first Save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the file backing name.
func (s *FileStore) Path(name string) string {
	return filepath.Join(s.dir, safeName(name)+".checkpoint.yaml")
}

func (s *FileStore) Load(ctx context.Context, name string) (Checkpoint, bool, error) {
	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, &CheckpointError{Op: "load", Name: name, Err: err}
	}

	var doc checkpointDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Checkpoint{}, false, &CheckpointError{Op: "decode", Name: name, Err: err}
	}
	cp, err := fromDoc(doc)
	if err != nil {
		return Checkpoint{}, false, &CheckpointError{Op: "decode", Name: name, Err: err}
	}
	return cp, !cp.IsZero(), nil
}

// Save writes the checkpoint through a temporary file and a rename.
func (s *FileStore) Save(ctx context.Context, name string, cp Checkpoint) error {
	data, err := yaml.Marshal(toDoc(cp))
	if err != nil {
		return &CheckpointError{Op: "encode", Name: name, Err: err}
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &CheckpointError{Op: "save", Name: name, Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*")
	if err != nil {
		return &CheckpointError{Op: "save", Name: name, Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &CheckpointError{Op: "save", Name: name, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &CheckpointError{Op: "save", Name: name, Err: err}
	}
	if err := os.Rename(tmp.Name(), s.Path(name)); err != nil {
		return &CheckpointError{Op: "save", Name: name, Err: err}
	}
	return nil
}

func safeName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' || r == ' ' {
			return '_'
		}
		return r
	}, name)
}
