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

package readers

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/aaronlmathis/facetflow/core"
)

// S3ReaderError provides structured error information for S3 reader operations
type S3ReaderError struct {
	Op  string // Operation that failed (e.g., "list_objects", "get_object", "read")
	Key string // Object key, if any
	Err error  // Underlying error
}

func (e *S3ReaderError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("s3 reader %s [%s]: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("s3 reader %s: %v", e.Op, e.Err)
}

func (e *S3ReaderError) Unwrap() error {
	return e.Err
}

// S3ObjectAPI is the subset of the S3 client used by S3Reader.
type S3ObjectAPI interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3ReaderStats holds statistics about the S3 reader
type S3ReaderStats struct {
	ObjectsListed  int64    // Objects matching prefix and suffix
	ObjectsRead    int64    // Objects opened
	ObjectErrors   int64    // Objects that could not be opened
	RecordsRead    int64    // Records read across all objects
	CurrentObject  string   // Object being read
	ProcessedFiles []string // Objects read to the end
}

// S3ReaderOptions configures the S3 reader
type S3ReaderOptions struct {
	Prefix   string             // Key prefix filter
	Suffix   string             // Key suffix filter
	MaxKeys  int32              // Page size for listing
	KeyField string             // When set, each record gets the object key in this field
	Logger   logrus.FieldLogger // Destination for skipped-object logs
}

// ReaderOptionS3 is a functional option for S3ReaderOptions
type ReaderOptionS3 func(*S3ReaderOptions)

func WithS3Prefix(prefix string) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		opts.Prefix = prefix
	}
}

func WithS3Suffix(suffix string) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		opts.Suffix = suffix
	}
}

func WithS3MaxKeys(maxKeys int32) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		opts.MaxKeys = maxKeys
	}
}

func WithS3KeyField(field string) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		opts.KeyField = field
	}
}

func WithS3Logger(logger logrus.FieldLogger) ReaderOptionS3 {
	return func(opts *S3ReaderOptions) {
		if logger != nil {
			opts.Logger = logger
		}
	}
}

// S3Object describes a listed object
type S3Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// S3Reader implements core.DataSource over the archived objects of a bucket.
// Objects are read in listing order; ".jsonl" objects are line-delimited,
// everything else is a JSON array.
type S3Reader struct {
	api     S3ObjectAPI
	bucket  string
	objects []S3Object
	index   int
	current core.DataSource
	stats   S3ReaderStats
	opts    S3ReaderOptions
}

// NewS3Reader lists the matching objects of bucket.
func NewS3Reader(ctx context.Context, api S3ObjectAPI, bucket string, options ...ReaderOptionS3) (*S3Reader, error) {
	opts := S3ReaderOptions{
		Suffix:  ".json",
		MaxKeys: 1000,
		Logger:  logrus.StandardLogger(),
	}
	for _, option := range options {
		option(&opts)
	}
	if bucket == "" {
		return nil, &S3ReaderError{Op: "validate_options", Err: fmt.Errorf("bucket is required")}
	}

	reader := &S3Reader{api: api, bucket: bucket, opts: opts}
	if err := reader.listObjects(ctx); err != nil {
		return nil, &S3ReaderError{Op: "list_objects", Err: err}
	}
	return reader, nil
}

// Objects returns the objects that will be or have been read
func (s *S3Reader) Objects() []S3Object {
	return s.objects
}

// Stats returns S3 reader statistics
func (s *S3Reader) Stats() S3ReaderStats {
	return s.stats
}

func (s *S3Reader) listObjects(ctx context.Context) error {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(s.opts.MaxKeys),
	}
	if s.opts.Prefix != "" {
		input.Prefix = aws.String(s.opts.Prefix)
	}

	paginator := s3.NewListObjectsV2Paginator(s.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if s.opts.Suffix != "" && !strings.HasSuffix(key, s.opts.Suffix) {
				continue
			}
			s.objects = append(s.objects, S3Object{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	s.stats.ObjectsListed = int64(len(s.objects))
	return nil
}

// Read implements the core.DataSource interface. Objects that cannot be
// fetched are logged and skipped.
func (s *S3Reader) Read(ctx context.Context) (core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &S3ReaderError{Op: "read", Err: err}
	}

	for {
		for s.current == nil {
			if s.index >= len(s.objects) {
				return nil, io.EOF
			}
			if err := s.openNextObject(ctx); err != nil {
				s.stats.ObjectErrors++
				s.opts.Logger.WithError(err).WithField("key", s.objects[s.index].Key).Warn("skipping object")
				s.index++
			}
		}

		key := s.objects[s.index].Key
		record, err := s.current.Read(ctx)
		if err == io.EOF {
			s.stats.ProcessedFiles = append(s.stats.ProcessedFiles, key)
			s.closeCurrent()
			continue
		}
		if err != nil {
			return nil, &S3ReaderError{Op: "read", Key: key, Err: err}
		}

		if s.opts.KeyField != "" {
			record[s.opts.KeyField] = key
		}
		s.stats.RecordsRead++
		return record, nil
	}
}

func (s *S3Reader) openNextObject(ctx context.Context) error {
	obj := s.objects[s.index]
	s.stats.CurrentObject = obj.Key

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		return fmt.Errorf("failed to get object %s: %w", obj.Key, err)
	}

	s.current = newDocumentReader(out.Body, obj.Key)
	s.stats.ObjectsRead++
	return nil
}

func (s *S3Reader) closeCurrent() error {
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	s.index++
	return err
}

// Close implements the core.DataSource interface
func (s *S3Reader) Close() error {
	return s.closeCurrent()
}
