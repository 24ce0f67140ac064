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
	"crypto/tls"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoOptions configures the client built by ConnectMongo.
type MongoOptions struct {
	URI             string        // MongoDB connection URI
	Username        string        // Authentication username
	Password        string        // Authentication password
	AuthDatabase    string        // Authentication database
	MaxPoolSize     uint64        // Connection pool size
	MinPoolSize     uint64        // Minimum connections in pool
	MaxConnIdleTime time.Duration // Max idle time for connections
	Timeout         time.Duration // Connect and server selection timeout
	TLS             bool          // Enable TLS
	TLSInsecure     bool          // Skip TLS verification
}

// MongoOption is a functional option for MongoOptions.
type MongoOption func(*MongoOptions)

func WithMongoURI(uri string) MongoOption {
	return func(opts *MongoOptions) {
		opts.URI = uri
	}
}

func WithMongoAuth(username, password, authDB string) MongoOption {
	return func(opts *MongoOptions) {
		opts.Username = username
		opts.Password = password
		opts.AuthDatabase = authDB
	}
}

func WithMongoPoolSize(min, max uint64) MongoOption {
	return func(opts *MongoOptions) {
		opts.MinPoolSize = min
		opts.MaxPoolSize = max
	}
}

func WithMongoTimeout(timeout time.Duration) MongoOption {
	return func(opts *MongoOptions) {
		opts.Timeout = timeout
	}
}

func WithMongoTLS(enabled, insecure bool) MongoOption {
	return func(opts *MongoOptions) {
		opts.TLS = enabled
		opts.TLSInsecure = insecure
	}
}

// ConnectMongo connects to MongoDB and verifies the connection with a ping.
func ConnectMongo(ctx context.Context, options ...MongoOption) (*mongo.Client, error) {
	opts := &MongoOptions{
		URI:             "mongodb://localhost:27017",
		MaxPoolSize:     100,
		MinPoolSize:     1,
		MaxConnIdleTime: 10 * time.Minute,
		Timeout:         30 * time.Second,
	}
	for _, option := range options {
		option(opts)
	}

	client, err := mongo.Connect(ctx, buildMongoClientOptions(opts))
	if err != nil {
		return nil, &SinkError{Sink: "mongo", Op: "connect", Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, &SinkError{Sink: "mongo", Op: "ping", Err: err}
	}
	return client, nil
}

func buildMongoClientOptions(opts *MongoOptions) *options.ClientOptions {
	clientOpts := options.Client().ApplyURI(opts.URI)

	if opts.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(opts.MaxPoolSize)
	}
	if opts.MinPoolSize > 0 {
		clientOpts.SetMinPoolSize(opts.MinPoolSize)
	}
	if opts.MaxConnIdleTime > 0 {
		clientOpts.SetMaxConnIdleTime(opts.MaxConnIdleTime)
	}
	if opts.Timeout > 0 {
		clientOpts.SetConnectTimeout(opts.Timeout)
		clientOpts.SetServerSelectionTimeout(opts.Timeout)
	}

	if opts.Username != "" && opts.Password != "" {
		auth := options.Credential{
			Username:   opts.Username,
			Password:   opts.Password,
			AuthSource: opts.AuthDatabase,
		}
		clientOpts.SetAuth(auth)
	}

	if opts.TLS {
		clientOpts.SetTLSConfig(&tls.Config{InsecureSkipVerify: opts.TLSInsecure})
	}
	return clientOpts
}

// MongoSinkOptions configures the MongoDB sink.
type MongoSinkOptions struct {
	TextField   string // Field covered by the text index built on Close
	CreateIndex bool   // Build the text index on Close
}

// MongoSinkOption is a functional option for MongoSinkOptions.
type MongoSinkOption func(*MongoSinkOptions)

// WithMongoTextIndex sets the text-indexed field; an empty field disables the index.
func WithMongoTextIndex(field string) MongoSinkOption {
	return func(opts *MongoSinkOptions) {
		opts.TextField = field
		opts.CreateIndex = field != ""
	}
}

// MongoSink inserts each payload as one document into a collection named by the target.
type MongoSink struct {
	db         *mongo.Database
	opts       MongoSinkOptions
	collection *mongo.Collection
	target     string
	state      lifecycle
	inserted   int64
}

// NewMongoSink creates a sink writing into db.
func NewMongoSink(db *mongo.Database, options ...MongoSinkOption) *MongoSink {
	opts := MongoSinkOptions{TextField: "text", CreateIndex: true}
	for _, option := range options {
		option(&opts)
	}
	return &MongoSink{db: db, opts: opts}
}

func (m *MongoSink) Open(ctx context.Context, collection string) error {
	if collection == "" {
		return &SinkError{Sink: "mongo", Op: "open", Err: fmt.Errorf("collection name is required")}
	}
	if m.state == lifecycleOpen {
		if err := m.Close(ctx); err != nil {
			return err
		}
	}
	m.collection = m.db.Collection(collection)
	m.target = collection
	m.inserted = 0
	m.state = lifecycleOpen
	return nil
}

// Write decodes payload as relaxed extended JSON and inserts it.
func (m *MongoSink) Write(ctx context.Context, payload []byte) error {
	if err := m.state.require("mongo", "write", m.target); err != nil {
		return err
	}

	var doc bson.D
	if err := bson.UnmarshalExtJSON(payload, false, &doc); err != nil {
		return &SinkError{Sink: "mongo", Op: "decode", Target: m.target, Err: fmt.Errorf("%w: %v", errInvalidDocument, err)}
	}
	if _, err := m.collection.InsertOne(ctx, doc); err != nil {
		return &SinkError{Sink: "mongo", Op: "insert", Target: m.target, Err: err}
	}
	m.inserted++
	return nil
}

// Flush is a no-op; every Write is acknowledged by the server.
func (m *MongoSink) Flush(ctx context.Context) error {
	return m.state.require("mongo", "flush", m.target)
}

// Close builds the text index when configured. The index is created even
// when nothing was inserted, so every opened collection ends up searchable.
func (m *MongoSink) Close(ctx context.Context) error {
	if m.state != lifecycleOpen {
		return nil
	}
	m.state = lifecycleClosed
	if !m.opts.CreateIndex {
		return nil
	}

	model := mongo.IndexModel{Keys: bson.D{{Key: m.opts.TextField, Value: "text"}}}
	if _, err := m.collection.Indexes().CreateOne(ctx, model); err != nil {
		return &SinkError{Sink: "mongo", Op: "create_index", Target: m.target, Err: err}
	}
	return nil
}

// Exists reports whether a collection named target exists.
func (m *MongoSink) Exists(ctx context.Context, target string) (bool, error) {
	names, err := m.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: target}})
	if err != nil {
		return false, &SinkError{Sink: "mongo", Op: "list_collections", Target: target, Err: err}
	}
	for _, name := range names {
		if name == target {
			return true, nil
		}
	}
	return false, nil
}

// Inserted returns the number of documents inserted since the last Open.
func (m *MongoSink) Inserted() int64 {
	return m.inserted
}
