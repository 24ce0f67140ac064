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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/aaronlmathis/facetflow/core"
)

// PostgresSinkOptions configures the PostgreSQL sink.
type PostgresSinkOptions struct {
	BatchSize    int           // Payloads buffered before an implicit flush
	TextField    string        // Document field covered by the full-text index
	CreateIndex  bool          // Build the full-text index on Close
	QueryTimeout time.Duration // Timeout applied to each statement
}

// PostgresSinkOption is a functional option for PostgresSinkOptions.
type PostgresSinkOption func(*PostgresSinkOptions)

func WithPostgresBatchSize(size int) PostgresSinkOption {
	return func(opts *PostgresSinkOptions) {
		opts.BatchSize = size
	}
}

// WithPostgresTextIndex sets the indexed document field; an empty field disables the index.
func WithPostgresTextIndex(field string) PostgresSinkOption {
	return func(opts *PostgresSinkOptions) {
		opts.TextField = field
		opts.CreateIndex = field != ""
	}
}

func WithPostgresQueryTimeout(timeout time.Duration) PostgresSinkOption {
	return func(opts *PostgresSinkOptions) {
		opts.QueryTimeout = timeout
	}
}

// OpenPostgres opens a connection pool for dsn and pings it.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &SinkError{Sink: "postgres", Op: "connect", Err: err}
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &SinkError{Sink: "postgres", Op: "ping", Err: err}
	}
	return db, nil
}

// PostgresSink stores each payload as a jsonb document in a table named by the target.
type PostgresSink struct {
	db     *sql.DB
	opts   PostgresSinkOptions
	table  string
	buf    [][]byte
	state  lifecycle
	stored int64
}

// NewPostgresSink creates a sink writing through db.
func NewPostgresSink(db *sql.DB, options ...PostgresSinkOption) *PostgresSink {
	opts := PostgresSinkOptions{
		BatchSize:    500,
		TextField:    "text",
		CreateIndex:  true,
		QueryTimeout: 30 * time.Second,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	return &PostgresSink{db: db, opts: opts}
}

// Open creates the table for target if it does not exist.
func (p *PostgresSink) Open(ctx context.Context, table string) error {
	if table == "" {
		return &SinkError{Sink: "postgres", Op: "open", Err: fmt.Errorf("table name is required")}
	}
	if p.state == lifecycleOpen {
		if err := p.Close(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, createTableSQL(table)); err != nil {
		return &SinkError{Sink: "postgres", Op: "create_table", Target: table, Err: err}
	}

	p.table = table
	p.buf = p.buf[:0]
	p.stored = 0
	p.state = lifecycleOpen
	return nil
}

// Write buffers payload and flushes once the batch is full.
func (p *PostgresSink) Write(ctx context.Context, payload []byte) error {
	if err := p.state.require("postgres", "write", p.table); err != nil {
		return err
	}
	if !json.Valid(payload) {
		return &SinkError{Sink: "postgres", Op: "write", Target: p.table, Err: core.ErrInvalidPayload}
	}
	p.buf = append(p.buf, append([]byte(nil), payload...))
	if len(p.buf) >= p.opts.BatchSize {
		return p.flushBuffer(ctx)
	}
	return nil
}

// Flush inserts buffered payloads in one transaction.
func (p *PostgresSink) Flush(ctx context.Context) error {
	if err := p.state.require("postgres", "flush", p.table); err != nil {
		return err
	}
	return p.flushBuffer(ctx)
}

// Close flushes and builds the full-text index.
func (p *PostgresSink) Close(ctx context.Context) error {
	if p.state != lifecycleOpen {
		return nil
	}
	p.state = lifecycleClosed

	if err := p.flushBuffer(ctx); err != nil {
		return err
	}
	if !p.opts.CreateIndex || p.stored == 0 {
		return nil
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, createTextIndexSQL(p.table, p.opts.TextField)); err != nil {
		return &SinkError{Sink: "postgres", Op: "create_index", Target: p.table, Err: err}
	}
	return nil
}

// Exists reports whether a table named target exists in the current schema.
func (p *PostgresSink) Exists(ctx context.Context, table string) (bool, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := p.db.QueryRowContext(ctx, tableExistsSQL, table).Scan(&exists)
	if err != nil {
		return false, &SinkError{Sink: "postgres", Op: "exists", Target: table, Err: err}
	}
	return exists, nil
}

// Stored returns the number of documents committed since the last Open.
func (p *PostgresSink) Stored() int64 {
	return p.stored
}

func (p *PostgresSink) flushBuffer(ctx context.Context) (err error) {
	if len(p.buf) == 0 {
		return nil
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &SinkError{Sink: "postgres", Op: "begin", Target: p.table, Err: err}
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertSQL(p.table))
	if err != nil {
		return &SinkError{Sink: "postgres", Op: "prepare", Target: p.table, Err: err}
	}
	defer stmt.Close()

	for _, payload := range p.buf {
		if _, err = stmt.ExecContext(ctx, string(payload)); err != nil {
			return &SinkError{Sink: "postgres", Op: "insert", Target: p.table, Err: err}
		}
	}
	if err = tx.Commit(); err != nil {
		return &SinkError{Sink: "postgres", Op: "commit", Target: p.table, Err: err}
	}

	p.stored += int64(len(p.buf))
	p.buf = p.buf[:0]
	return nil
}

func (p *PostgresSink) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.opts.QueryTimeout)
}

const tableExistsSQL = `SELECT EXISTS (
	SELECT 1 FROM information_schema.tables
	WHERE table_schema = current_schema() AND table_name = $1
)`

func createTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id bigserial PRIMARY KEY,
	doc jsonb NOT NULL,
	inserted_at timestamptz NOT NULL DEFAULT now()
)`, pq.QuoteIdentifier(table))
}

func insertSQL(table string) string {
	return fmt.Sprintf("INSERT INTO %s (doc) VALUES ($1::jsonb)", pq.QuoteIdentifier(table))
}

func createTextIndexSQL(table, field string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (to_tsvector('simple', doc->>%s))",
		pq.QuoteIdentifier(table+"_"+field+"_fts"),
		pq.QuoteIdentifier(table),
		pq.QuoteLiteral(field))
}
