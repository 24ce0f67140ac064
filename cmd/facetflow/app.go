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
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow/go/v12/parquet/compress"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/aaronlmathis/facetflow/collector"
	"github.com/aaronlmathis/facetflow/config"
	"github.com/aaronlmathis/facetflow/core"
	"github.com/aaronlmathis/facetflow/facet"
	"github.com/aaronlmathis/facetflow/filter"
	"github.com/aaronlmathis/facetflow/matchers"
	"github.com/aaronlmathis/facetflow/progress"
	"github.com/aaronlmathis/facetflow/readers"
	"github.com/aaronlmathis/facetflow/sinks"
	"github.com/aaronlmathis/facetflow/transform"
	"github.com/aaronlmathis/facetflow/validators"
)

// keyPlaceholder is replaced by the storage-safe routing key in output templates.
const keyPlaceholder = "{key}"

// app wires configuration into the components of one run and releases them afterwards.
type app struct {
	cfg     *config.Config
	logger  logrus.FieldLogger
	stdout  io.Writer
	closers []func(ctx context.Context) error
}

func newApp(opts *rootOptions, stdout io.Writer) *app {
	return &app{cfg: opts.cfg, logger: opts.logger, stdout: stdout}
}

// onClose registers fn to run when the app is closed, in reverse order.
func (a *app) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// matcher builds the routing matcher from an explicit pattern or the tracked terms.
func (a *app) matcher() (core.Matcher, error) {
	if a.cfg.Matcher.Pattern != "" {
		return matchers.NewRegexMatcher(a.cfg.Matcher.Pattern)
	}
	return matchers.NewTermMatcher(a.cfg.MatchTerms()...)
}

// router builds the facet router with its sink factory, filters and transforms.
func (a *app) router(ctx context.Context) (*facet.Router, error) {
	m, err := a.matcher()
	if err != nil {
		return nil, err
	}
	factory, err := a.sinkFactory(ctx)
	if err != nil {
		return nil, err
	}

	mc := a.cfg.Matcher
	textFields := mc.TextFields
	if mc.ExtendedText {
		textFields = append([]string{"extended_tweet.full_text", "full_text"}, textFields...)
	}

	var filters []core.Filter
	if mc.Language != "" {
		filters = append(filters, filter.Language(mc.Language))
	}
	if mc.ExcludeRetweets {
		filters = append(filters, filter.ExcludeRetweets())
	}
	if v := recordValidator(mc); v != nil {
		filters = append(filters, v)
	}
	if len(mc.Where) > 0 {
		filters = append(filters, filter.And(conditionFilters(mc.Where)...))
	}
	if len(mc.WhereAny) > 0 {
		filters = append(filters, filter.Or(conditionFilters(mc.WhereAny)...))
	}

	var transforms []core.Transformer
	if mc.ExtendedText {
		transforms = append(transforms, transform.ExtendedText(mc.TextFields[0]))
	}
	if len(mc.Fields) > 0 {
		transforms = append(transforms, transform.Select(mc.Fields...))
	}
	if t := fieldRewrites(mc); t != nil {
		transforms = append(transforms, t)
	}

	return facet.NewRouter(m, factory,
		facet.WithTextField(textFields...),
		facet.WithFilters(filters...),
		facet.WithTransforms(transforms...),
		facet.WithLogger(a.logger),
	), nil
}

// recordValidator builds the validator for the configured field checks, or nil
// when none are configured.
func recordValidator(mc config.MatcherConfig) *validators.RecordValidator {
	if len(mc.RequiredFields) == 0 && len(mc.FieldTypes) == 0 {
		return nil
	}
	options := []validators.Option{validators.WithRequiredFields(mc.RequiredFields...)}
	fields := make([]string, 0, len(mc.FieldTypes))
	for field := range mc.FieldTypes {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		// Names were checked by config.Validate.
		t, _ := validators.ParseFieldType(mc.FieldTypes[field])
		options = append(options, validators.WithFieldType(field, t))
	}
	return validators.New(options...)
}

// conditionFilters builds one filter per configured field condition.
func conditionFilters(conditions []config.FieldCondition) []core.Filter {
	filters := make([]core.Filter, 0, len(conditions))
	for _, fc := range conditions {
		var f core.Filter
		switch {
		case fc.NotNull:
			f = filter.NotNull(fc.Field)
		case fc.Equals != "":
			f = filter.Equals(fc.Field, fc.Equals)
		case fc.Contains != "":
			f = filter.Contains(fc.Field, fc.Contains)
		case fc.Regex != "":
			// Patterns were compiled by config.Validate.
			f = filter.MatchesRegex(fc.Field, fc.Regex)
		default:
			values := make([]interface{}, len(fc.In))
			for i, v := range fc.In {
				values[i] = v
			}
			f = filter.In(fc.Field, values...)
		}
		if fc.Not {
			f = filter.Not(f)
		}
		filters = append(filters, f)
	}
	return filters
}

// fieldRewrites chains the configured renames, removals and constant fields,
// or returns nil when none are configured.
func fieldRewrites(mc config.MatcherConfig) core.Transformer {
	var steps []core.Transformer
	if len(mc.Rename) > 0 {
		steps = append(steps, transform.Rename(mc.Rename))
	}
	if len(mc.DropFields) > 0 {
		steps = append(steps, transform.RemoveFields(mc.DropFields...))
	}
	fields := make([]string, 0, len(mc.SetFields))
	for field := range mc.SetFields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		value := mc.SetFields[field]
		steps = append(steps, transform.AddField(field, func(core.Record) interface{} { return value }))
	}
	if len(steps) == 0 {
		return nil
	}
	return transform.Chain(steps...)
}

// targetFor expands the output template for key.
func targetFor(template, key string) string {
	return strings.ReplaceAll(template, keyPlaceholder, facet.TargetName(key))
}

// sinkFactory returns the factory for the configured output type.
func (a *app) sinkFactory(ctx context.Context) (facet.SinkFactory, error) {
	out := a.cfg.Output
	switch out.Type {
	case "file":
		return func(ctx context.Context, key string) (core.Sink, string, error) {
			sink, err := sinks.NewRollingSink(sinks.NewRecordSink(sinks.NewFileSink()), out.RecordLimit)
			return sink, filepath.Join(out.Dir, targetFor(out.Template, key)), err
		}, nil

	case "parquet":
		codec, err := parquetCodec(out.Parquet.Compression)
		if err != nil {
			return nil, err
		}
		options := []sinks.ParquetSinkOption{
			sinks.WithParquetCompression(codec),
			sinks.WithParquetFields(a.cfg.Provider.IDField, a.cfg.Provider.DateField, a.cfg.Matcher.TextFields[0]),
		}
		if out.Parquet.RowGroupSize > 0 {
			options = append(options, sinks.WithParquetRowGroupSize(out.Parquet.RowGroupSize))
		}
		return func(ctx context.Context, key string) (core.Sink, string, error) {
			sink, err := sinks.NewRollingSink(sinks.NewParquetSink(options...), out.RecordLimit)
			return sink, filepath.Join(out.Dir, targetFor(out.Template, key)), err
		}, nil

	case "s3":
		client, err := a.s3Client(ctx)
		if err != nil {
			return nil, err
		}
		registry := sinks.NewExistenceRegistry()
		return func(ctx context.Context, key string) (core.Sink, string, error) {
			s3Sink, err := sinks.NewS3Sink(ctx, client, out.S3.Bucket, registry,
				sinks.WithS3CreateBucket(out.S3.CreateBucket, out.S3.Region),
				sinks.WithS3ListPrefix(out.S3.Prefix),
			)
			if err != nil {
				return nil, "", err
			}
			sink, err := sinks.NewRollingSink(sinks.NewRecordSink(s3Sink), out.RecordLimit)
			return sink, path.Join(out.S3.Prefix, targetFor(out.Template, key)), err
		}, nil

	case "mongo":
		return a.mongoFactory(ctx)

	case "postgres":
		return a.postgresFactory(ctx)

	case "stdout":
		return func(ctx context.Context, key string) (core.Sink, string, error) {
			return sinks.NewStdoutSink(key, a.stdout), targetFor(out.Template, key), nil
		}, nil
	}
	return nil, fmt.Errorf("unsupported output type: %s", out.Type)
}

func (a *app) mongoFactory(ctx context.Context) (facet.SinkFactory, error) {
	mc := a.cfg.Output.Mongo
	client, err := sinks.ConnectMongo(ctx,
		sinks.WithMongoURI(mc.URI),
		sinks.WithMongoAuth(mc.Username, mc.Password, mc.AuthDB),
	)
	if err != nil {
		return nil, err
	}
	a.onClose(client.Disconnect)

	db := client.Database(mc.Database)
	var options []sinks.MongoSinkOption
	if mc.TextIndex != "" {
		options = append(options, sinks.WithMongoTextIndex(mc.TextIndex))
	}

	// A shared collection receives every key through one sink instance.
	if mc.Collection != "" {
		shared := sinks.NewMongoSink(db, options...)
		return func(ctx context.Context, key string) (core.Sink, string, error) {
			return shared, mc.Collection, nil
		}, nil
	}
	template := a.cfg.Output.Template
	return func(ctx context.Context, key string) (core.Sink, string, error) {
		return sinks.NewMongoSink(db, options...), targetFor(template, key), nil
	}, nil
}

func (a *app) postgresFactory(ctx context.Context) (facet.SinkFactory, error) {
	pc := a.cfg.Output.Postgres
	db, err := sinks.OpenPostgres(ctx, pc.DSN)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return db.Close() })

	var options []sinks.PostgresSinkOption
	if pc.BatchSize > 0 {
		options = append(options, sinks.WithPostgresBatchSize(pc.BatchSize))
	}
	if pc.TextIndex != "" {
		options = append(options, sinks.WithPostgresTextIndex(pc.TextIndex))
	}

	if pc.Table != "" {
		shared := sinks.NewPostgresSink(db, options...)
		return func(ctx context.Context, key string) (core.Sink, string, error) {
			return shared, pc.Table, nil
		}, nil
	}
	template := a.cfg.Output.Template
	return func(ctx context.Context, key string) (core.Sink, string, error) {
		return sinks.NewPostgresSink(db, options...), targetFor(template, key), nil
	}, nil
}

func (a *app) s3Client(ctx context.Context) (*s3.Client, error) {
	sc := a.cfg.Output.S3
	options := []sinks.S3ClientOption{
		sinks.WithS3Region(sc.Region),
		sinks.WithS3Profile(sc.Profile),
		sinks.WithS3Endpoint(sc.Endpoint),
		sinks.WithS3PathStyle(sc.PathStyle),
	}
	if sc.AccessKey != "" {
		options = append(options, sinks.WithS3Credentials(aws.Credentials{
			AccessKeyID:     sc.AccessKey,
			SecretAccessKey: sc.SecretKey,
		}))
	}
	return sinks.NewS3Client(ctx, options...)
}

func parquetCodec(name string) (compress.Compression, error) {
	switch name {
	case "", "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "none":
		return compress.Codecs.Uncompressed, nil
	}
	return compress.Codecs.Uncompressed, fmt.Errorf("unsupported parquet compression: %s", name)
}

// checkpointStore returns the configured store, or nil when checkpoints are disabled.
func (a *app) checkpointStore(ctx context.Context) (collector.CheckpointStore, error) {
	cp := a.cfg.Checkpoint
	switch cp.Type {
	case "file":
		return collector.NewFileStore(cp.Dir), nil
	case "redis":
		client, err := collector.ConnectRedis(ctx, cp.RedisURL, cp.RedisPassword)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return client.Close() })
		var options []collector.RedisStoreOption
		if cp.RedisPrefix != "" {
			options = append(options, collector.WithRedisPrefix(cp.RedisPrefix))
		}
		if cp.TTLDuration > 0 {
			options = append(options, collector.WithRedisTTL(cp.TTLDuration))
		}
		return collector.NewRedisStore(client, options...), nil
	}
	return nil, nil
}

// reporter builds the progress reporters for mode and starts the metrics server when enabled.
func (a *app) reporter(mode string, every int) core.Reporter {
	reporters := progress.Multi{progress.NewLogReporter(a.logger, every)}
	if !a.cfg.Metrics.Enabled {
		return reporters
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reporters = append(reporters, progress.NewPrometheus(reg, mode))

	server := progress.NewMetricsServer(a.cfg.Metrics.Addr, reg)
	go func() {
		if err := server.Start(); err != nil {
			a.logger.WithError(err).Error("metrics server failed")
		}
	}()
	a.logger.WithField("addr", a.cfg.Metrics.Addr).Info("serving metrics")
	a.onClose(server.Stop)
	return reporters
}

func (a *app) authConfig() *readers.AuthConfig {
	auth := a.cfg.Provider.Auth
	if auth.Type == "" {
		return nil
	}
	return &readers.AuthConfig{
		Type:        auth.Type,
		Token:       auth.Token,
		Username:    auth.Username,
		Password:    auth.Password,
		HeaderName:  auth.APIKeyHeader,
		HeaderValue: auth.APIKey,
	}
}

func (a *app) searchClient() (*readers.SearchClient, error) {
	p := a.cfg.Provider
	if p.SearchURL == "" {
		return nil, fmt.Errorf("provider.search_url is required for search")
	}
	options := []readers.SearchOption{
		readers.WithSearchAuth(a.authConfig()),
		readers.WithSearchTimeout(p.TimeoutDuration),
		readers.WithSearchRetries(p.RetryAttempts, p.RetryDelayDuration),
		readers.WithSearchPaths(p.DataPath, p.NextField),
		readers.WithSearchIDField(p.IDField),
		readers.WithSearchLogger(a.logger),
	}
	return readers.NewSearchClient(p.SearchURL, options...)
}

func (a *app) streamClient() (*readers.StreamClient, error) {
	p, s := a.cfg.Provider, a.cfg.Stream
	if p.StreamURL == "" {
		return nil, fmt.Errorf("provider.stream_url is required for stream")
	}
	return readers.NewStreamClient(p.StreamURL,
		readers.WithStreamAuth(a.authConfig()),
		readers.WithStreamMethod(s.Method),
		readers.WithStreamParams(a.cfg.Query.Params),
		readers.WithStreamIdleTimeout(s.IdleTimeoutDuration),
		readers.WithStreamReconnects(s.MaxReconnects, s.ReconnectDelayDuration),
		readers.WithStreamLogger(a.logger),
	)
}

// collectorOptions returns the options shared by search and stream runs.
// Each mode keeps its own checkpoint: a stream's newest id would otherwise
// bound the next search.
func (a *app) collectorOptions(ctx context.Context, mode string, reporter core.Reporter) ([]collector.Option, error) {
	store, err := a.checkpointStore(ctx)
	if err != nil {
		return nil, err
	}
	options := []collector.Option{
		collector.WithReporter(reporter),
		collector.WithIDField(a.cfg.Provider.IDField),
		collector.WithDateField(a.cfg.Provider.DateField),
		collector.WithLogger(a.logger),
	}
	if store != nil {
		options = append(options, collector.WithCheckpointStore(store, a.cfg.Checkpoint.Name+"."+mode))
	}
	return options, nil
}
