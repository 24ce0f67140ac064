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
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of *s3.Client used by the S3 sink.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3ClientOptions configures the AWS client built by NewS3Client.
type S3ClientOptions struct {
	Region         string          // AWS region
	Profile        string          // Shared config profile
	Credentials    aws.Credentials // Explicit static credentials
	EndpointURL    string          // Custom endpoint for S3-compatible services
	ForcePathStyle bool            // Use path-style addressing
}

// S3ClientOption is a functional option for S3ClientOptions.
type S3ClientOption func(*S3ClientOptions)

func WithS3Region(region string) S3ClientOption {
	return func(opts *S3ClientOptions) {
		opts.Region = region
	}
}

func WithS3Profile(profile string) S3ClientOption {
	return func(opts *S3ClientOptions) {
		opts.Profile = profile
	}
}

func WithS3Credentials(creds aws.Credentials) S3ClientOption {
	return func(opts *S3ClientOptions) {
		opts.Credentials = creds
	}
}

func WithS3Endpoint(endpoint string) S3ClientOption {
	return func(opts *S3ClientOptions) {
		opts.EndpointURL = endpoint
	}
}

func WithS3PathStyle(pathStyle bool) S3ClientOption {
	return func(opts *S3ClientOptions) {
		opts.ForcePathStyle = pathStyle
	}
}

// NewS3Client loads the default AWS configuration and applies options on top.
func NewS3Client(ctx context.Context, options ...S3ClientOption) (*s3.Client, error) {
	var opts S3ClientOptions
	for _, option := range options {
		option(&opts)
	}

	configOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		configOpts = append(configOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		configOpts = append(configOpts, config.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, &SinkError{Sink: "s3", Op: "load_config", Err: err}
	}

	if opts.Credentials.AccessKeyID != "" {
		cfg.Credentials = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(
				opts.Credentials.AccessKeyID,
				opts.Credentials.SecretAccessKey,
				opts.Credentials.SessionToken,
			),
		)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
		o.UsePathStyle = opts.ForcePathStyle
	}), nil
}

// S3SinkOptions configures the S3 sink.
type S3SinkOptions struct {
	CreateBucket bool   // Create the bucket when it does not exist
	Region       string // Location constraint used when creating the bucket
	ContentType  string // Content type of uploaded objects
	Prefix       string // Restrict the existence listing to this key prefix
}

// S3SinkOption is a functional option for S3SinkOptions.
type S3SinkOption func(*S3SinkOptions)

// WithS3CreateBucket creates the bucket in region when it is missing.
func WithS3CreateBucket(create bool, region string) S3SinkOption {
	return func(opts *S3SinkOptions) {
		opts.CreateBucket = create
		opts.Region = region
	}
}

func WithS3ContentType(contentType string) S3SinkOption {
	return func(opts *S3SinkOptions) {
		opts.ContentType = contentType
	}
}

// WithS3ListPrefix limits the existence listing to keys under prefix.
func WithS3ListPrefix(prefix string) S3SinkOption {
	return func(opts *S3SinkOptions) {
		opts.Prefix = prefix
	}
}

// S3Sink buffers one object in memory and uploads it on Close.
//
// Flush is a no-op because S3 has no incremental write API. Exists consults the
// bucket listing taken once per registry, not the live bucket.
type S3Sink struct {
	api    S3API
	bucket string
	opts   S3SinkOptions
	cache  *ExistenceCache
	key    string
	buf    *bytes.Buffer
	state  lifecycle
}

// NewS3Sink ensures the bucket exists and loads its existence cache from registry.
func NewS3Sink(ctx context.Context, api S3API, bucket string, registry *ExistenceRegistry, options ...S3SinkOption) (*S3Sink, error) {
	if bucket == "" {
		return nil, &SinkError{Sink: "s3", Op: "validate", Err: fmt.Errorf("bucket is required")}
	}
	if registry == nil {
		return nil, &SinkError{Sink: "s3", Op: "validate", Err: fmt.Errorf("existence registry is required")}
	}

	opts := S3SinkOptions{ContentType: "application/json"}
	for _, option := range options {
		option(&opts)
	}

	sink := &S3Sink{api: api, bucket: bucket, opts: opts}
	if err := sink.ensureBucket(ctx); err != nil {
		return nil, err
	}

	target := S3CacheTarget(bucket, opts.Prefix)
	cache, err := registry.Load(ctx, target, sink.listKeys)
	if err != nil {
		return nil, &SinkError{Sink: "s3", Op: "list_objects", Target: target, Err: err}
	}
	sink.cache = cache
	return sink, nil
}

func (s *S3Sink) Open(ctx context.Context, key string) error {
	if s.state == lifecycleOpen {
		if err := s.Close(ctx); err != nil {
			return err
		}
	}
	s.key = key
	s.buf = &bytes.Buffer{}
	s.state = lifecycleOpen
	return nil
}

func (s *S3Sink) Write(ctx context.Context, payload []byte) error {
	if err := s.state.require("s3", "write", s.key); err != nil {
		return err
	}
	s.buf.Write(payload)
	return nil
}

// Flush validates the state only; the object is uploaded on Close.
func (s *S3Sink) Flush(ctx context.Context) error {
	return s.state.require("s3", "flush", s.key)
}

// Close uploads the buffered object. Upload errors are returned, not retried.
func (s *S3Sink) Close(ctx context.Context) error {
	if s.state != lifecycleOpen {
		return nil
	}
	s.state = lifecycleClosed
	body := s.buf.Bytes()
	s.buf = nil

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Body:   bytes.NewReader(body),
	}
	if s.opts.ContentType != "" {
		input.ContentType = aws.String(s.opts.ContentType)
	}
	if _, err := s.api.PutObject(ctx, input); err != nil {
		return &SinkError{Sink: "s3", Op: "put_object", Target: s.key, Err: err}
	}
	return nil
}

// Exists reports whether key was present in the bucket listing.
func (s *S3Sink) Exists(ctx context.Context, key string) (bool, error) {
	return s.cache.Contains(key), nil
}

// Bucket returns the target bucket name.
func (s *S3Sink) Bucket() string {
	return s.bucket
}

func (s *S3Sink) ensureBucket(ctx context.Context) error {
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if !isBucketMissing(err) || !s.opts.CreateBucket {
		return &SinkError{Sink: "s3", Op: "head_bucket", Target: s.bucket, Err: err}
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	if s.opts.Region != "" && s.opts.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.opts.Region),
		}
	}
	if _, err := s.api.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return &SinkError{Sink: "s3", Op: "create_bucket", Target: s.bucket, Err: err}
	}
	return nil
}

// S3CacheTarget names the registry entry of a bucket listing limited to prefix.
func S3CacheTarget(bucket, prefix string) string {
	if prefix == "" {
		return bucket
	}
	return bucket + "/" + prefix
}

func (s *S3Sink) listKeys(ctx context.Context, _ string) ([]string, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.opts.Prefix != "" {
		input.Prefix = aws.String(s.opts.Prefix)
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func isBucketMissing(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuch *types.NoSuchBucket
	if errors.As(err, &noSuch) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchBucket"
	}
	return false
}
