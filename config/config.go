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

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/aaronlmathis/facetflow/validators"
)

// Package config loads the YAML configuration of a collection run.
//
// Values may reference environment variables (${VAR}); LoadEnv populates the
// environment from .env files first.

const (
	DefaultPageSize      = 1000
	DefaultRecordLimit   = 1000
	DefaultRetryAttempts = 10
	DefaultReconnects    = 5
	DefaultIdleTimeout   = 90 * time.Second
)

// DefaultRetryCodes are the stream status codes retried by default.
var DefaultRetryCodes = []int{420, 429, 503}

// dateLayouts are accepted for date values.
var dateLayouts = []string{"2006-01-02", time.RFC3339}

type QueryConfig struct {
	Terms     []string          `yaml:"terms"`
	Params    map[string]string `yaml:"params"`     // Provider parameters such as lang or result_type
	Since     string            `yaml:"since"`      // Earliest date, YYYY-MM-DD
	Until     string            `yaml:"until"`      // Latest date, YYYY-MM-DD
	PageSize  int               `yaml:"page_size"`  // Records per page
	PageLimit int               `yaml:"page_limit"` // Maximum pages, 0 for all
	MaxID     string            `yaml:"max_id"`     // Resume below this id when no checkpoint is stored
}

type AuthConfig struct {
	Type         string `yaml:"type"` // bearer, basic or apikey
	Token        string `yaml:"token"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	APIKeyHeader string `yaml:"api_key_header"`
	APIKey       string `yaml:"api_key"`
}

type ProviderConfig struct {
	SearchURL     string     `yaml:"search_url"`
	StreamURL     string     `yaml:"stream_url"`
	Auth          AuthConfig `yaml:"auth"`
	Timeout       string     `yaml:"timeout"`
	RetryAttempts int        `yaml:"retry_attempts"`
	RetryDelay    string     `yaml:"retry_delay"`
	DataPath      string     `yaml:"data_path"`
	NextField     string     `yaml:"next_field"` // "none" paginates by the last record id
	IDField       string     `yaml:"id_field"`
	DateField     string     `yaml:"date_field"`

	TimeoutDuration    time.Duration `yaml:"-"`
	RetryDelayDuration time.Duration `yaml:"-"`
}

type StreamConfig struct {
	Until          string `yaml:"until"` // Stop at the first event on or after this date
	Limit          int    `yaml:"limit"` // Stop after this many events
	Method         string `yaml:"method"`
	IdleTimeout    string `yaml:"idle_timeout"`
	MaxReconnects  int    `yaml:"max_reconnects"`
	ReconnectDelay string `yaml:"reconnect_delay"`
	RetryCodes     []int  `yaml:"retry_codes"`
	SaveEvery      int    `yaml:"save_every"`

	UntilTime              time.Time     `yaml:"-"`
	IdleTimeoutDuration    time.Duration `yaml:"-"`
	ReconnectDelayDuration time.Duration `yaml:"-"`
}

type MatcherConfig struct {
	Pattern         string   `yaml:"pattern"`          // Regular expression; defaults to the query terms
	Terms           []string `yaml:"terms"`            // Literal terms; defaults to the query terms
	TextFields      []string `yaml:"text_fields"`      // Fields tried in order for the text to match
	Language        string   `yaml:"language"`         // Only route records in this language
	ExcludeRetweets bool     `yaml:"exclude_retweets"` // Drop retweets before matching
	ExtendedText    bool     `yaml:"extended_text"`    // Prefer the untruncated text when present
	Fields          []string `yaml:"fields"`           // Keep only these fields in the stored document

	RequiredFields []string          `yaml:"required_fields"` // Drop records missing any of these
	FieldTypes     map[string]string `yaml:"field_types"`     // Drop records whose field has another type

	Where    []FieldCondition `yaml:"where"`     // Route only records meeting every condition
	WhereAny []FieldCondition `yaml:"where_any"` // Route only records meeting at least one condition

	Rename     map[string]string `yaml:"rename"`      // Stored field names, old to new
	DropFields []string          `yaml:"drop_fields"` // Fields removed from the stored document
	SetFields  map[string]string `yaml:"set_fields"`  // Constant fields added to the stored document
}

// FieldCondition tests one dotted field path. Exactly one of Equals,
// Contains, Regex, In and NotNull is set; Not inverts the result.
type FieldCondition struct {
	Field    string   `yaml:"field"`
	Equals   string   `yaml:"equals"`   // Compared with the value's text
	Contains string   `yaml:"contains"` // Case-insensitive substring
	Regex    string   `yaml:"regex"`
	In       []string `yaml:"in"`
	NotNull  bool     `yaml:"not_null"`
	Not      bool     `yaml:"not"`
}

func (fc FieldCondition) validate() error {
	if fc.Field == "" {
		return fmt.Errorf("field is required")
	}
	tests := 0
	for _, set := range []bool{fc.Equals != "", fc.Contains != "", fc.Regex != "", len(fc.In) > 0, fc.NotNull} {
		if set {
			tests++
		}
	}
	if tests != 1 {
		return fmt.Errorf("exactly one of equals, contains, regex, in or not_null is required for %s", fc.Field)
	}
	if fc.Regex != "" {
		if _, err := regexp.Compile(fc.Regex); err != nil {
			return fmt.Errorf("invalid regex for %s: %w", fc.Field, err)
		}
	}
	return nil
}

type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Profile      string `yaml:"profile"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	PathStyle    bool   `yaml:"path_style"`
	CreateBucket bool   `yaml:"create_bucket"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"` // When set, every key shares this collection
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	AuthDB     string `yaml:"auth_db"`
	TextIndex  string `yaml:"text_index"`
}

type PostgresConfig struct {
	DSN       string `yaml:"dsn"`
	Table     string `yaml:"table"` // When set, every key shares this table
	BatchSize int    `yaml:"batch_size"`
	TextIndex string `yaml:"text_index"`
}

type ParquetConfig struct {
	Compression  string `yaml:"compression"`
	RowGroupSize int64  `yaml:"row_group_size"`
}

type OutputConfig struct {
	Type        string         `yaml:"type"`         // file, s3, parquet, mongo, postgres or stdout
	Dir         string         `yaml:"dir"`          // Base directory for file and parquet output
	Template    string         `yaml:"template"`     // Target template; {key} is the routing key, {n} the partition
	RecordLimit int            `yaml:"record_limit"` // Records per partition
	S3          S3Config       `yaml:"s3"`
	Mongo       MongoConfig    `yaml:"mongo"`
	Postgres    PostgresConfig `yaml:"postgres"`
	Parquet     ParquetConfig  `yaml:"parquet"`
}

type CheckpointConfig struct {
	Type          string `yaml:"type"` // file, redis or none
	Name          string `yaml:"name"` // Defaults to the joined query terms
	Dir           string `yaml:"dir"`
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisPrefix   string `yaml:"redis_prefix"`
	TTL           string `yaml:"ttl"`

	TTLDuration time.Duration `yaml:"-"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type Config struct {
	Query      QueryConfig      `yaml:"query"`
	Provider   ProviderConfig   `yaml:"provider"`
	Stream     StreamConfig     `yaml:"stream"`
	Matcher    MatcherConfig    `yaml:"matcher"`
	Output     OutputConfig     `yaml:"output"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LoadEnv loads .env files into the environment. Missing files are ignored.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads, expands and validates the configuration file at path.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse expands environment references in data and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills defaults and checks the configuration.
func (c *Config) Validate() error {
	if len(c.Query.Terms) == 0 {
		return fmt.Errorf("query.terms is required")
	}
	if c.Query.PageSize <= 0 {
		c.Query.PageSize = DefaultPageSize
	}
	for _, d := range []struct{ field, value string }{
		{"query.since", c.Query.Since},
		{"query.until", c.Query.Until},
	} {
		if _, err := parseDate(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.field, err)
		}
	}

	if err := c.validateProvider(); err != nil {
		return err
	}
	if err := c.validateStream(); err != nil {
		return err
	}
	if err := c.validateOutput(); err != nil {
		return err
	}
	if err := c.validateCheckpoint(); err != nil {
		return err
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if len(c.Matcher.TextFields) == 0 {
		c.Matcher.TextFields = []string{"text"}
	}
	for field, name := range c.Matcher.FieldTypes {
		if _, err := validators.ParseFieldType(name); err != nil {
			return fmt.Errorf("matcher.field_types.%s: %w", field, err)
		}
	}
	for i, fc := range c.Matcher.Where {
		if err := fc.validate(); err != nil {
			return fmt.Errorf("matcher.where[%d]: %w", i, err)
		}
	}
	for i, fc := range c.Matcher.WhereAny {
		if err := fc.validate(); err != nil {
			return fmt.Errorf("matcher.where_any[%d]: %w", i, err)
		}
	}
	return nil
}

func (c *Config) validateProvider() error {
	p := &c.Provider
	var err error
	if p.TimeoutDuration, err = parseDuration(p.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("provider.timeout: %w", err)
	}
	if p.RetryDelayDuration, err = parseDuration(p.RetryDelay, time.Second); err != nil {
		return fmt.Errorf("provider.retry_delay: %w", err)
	}
	if p.RetryAttempts <= 0 {
		p.RetryAttempts = DefaultRetryAttempts
	}
	if p.IDField == "" {
		p.IDField = "id"
	}
	if p.DataPath == "" {
		p.DataPath = "statuses"
	}
	switch p.NextField {
	case "":
		p.NextField = "search_metadata.next_results"
	case "none":
		p.NextField = ""
	}
	if p.DateField == "" {
		p.DateField = "created_at"
	}
	switch p.Auth.Type {
	case "", "bearer", "basic", "apikey":
	default:
		return fmt.Errorf("provider.auth.type must be bearer, basic or apikey, got %q", p.Auth.Type)
	}
	return nil
}

func (c *Config) validateStream() error {
	s := &c.Stream
	var err error
	if s.UntilTime, err = parseDate(s.Until); err != nil {
		return fmt.Errorf("stream.until: %w", err)
	}
	if s.IdleTimeoutDuration, err = parseDuration(s.IdleTimeout, DefaultIdleTimeout); err != nil {
		return fmt.Errorf("stream.idle_timeout: %w", err)
	}
	if s.ReconnectDelayDuration, err = parseDuration(s.ReconnectDelay, time.Second); err != nil {
		return fmt.Errorf("stream.reconnect_delay: %w", err)
	}
	if s.MaxReconnects <= 0 {
		s.MaxReconnects = DefaultReconnects
	}
	if len(s.RetryCodes) == 0 {
		s.RetryCodes = append([]int(nil), DefaultRetryCodes...)
	}
	if s.SaveEvery <= 0 {
		s.SaveEvery = 100
	}
	if s.Limit < 0 {
		return fmt.Errorf("stream.limit must not be negative")
	}
	switch strings.ToUpper(s.Method) {
	case "":
		s.Method = "GET"
	case "GET", "POST":
		s.Method = strings.ToUpper(s.Method)
	default:
		return fmt.Errorf("stream.method must be GET or POST, got %q", s.Method)
	}
	return nil
}

func (c *Config) validateOutput() error {
	o := &c.Output
	if o.Type == "" {
		o.Type = "file"
	}
	if o.RecordLimit <= 0 {
		o.RecordLimit = DefaultRecordLimit
	}

	switch o.Type {
	case "file", "parquet":
		ext := ".json"
		if o.Type == "parquet" {
			ext = ".parquet"
		}
		if o.Template == "" {
			o.Template = "{key}_{n}" + ext
		}
		if o.Dir == "" {
			o.Dir = "."
		}
	case "s3":
		if o.S3.Bucket == "" {
			return fmt.Errorf("output.s3.bucket is required when output type is s3")
		}
		if o.Template == "" {
			o.Template = "{key}_{n}.json"
		}
	case "mongo":
		if o.Mongo.URI == "" || o.Mongo.Database == "" {
			return fmt.Errorf("output.mongo.uri and output.mongo.database are required when output type is mongo")
		}
		if o.Template == "" {
			o.Template = "{key}"
		}
	case "postgres":
		if o.Postgres.DSN == "" {
			return fmt.Errorf("output.postgres.dsn is required when output type is postgres")
		}
		if o.Template == "" {
			o.Template = "{key}"
		}
	case "stdout":
		if o.Template == "" {
			o.Template = "{key}"
		}
	default:
		return fmt.Errorf("unsupported output type: %s", o.Type)
	}

	if (o.Type == "file" || o.Type == "s3" || o.Type == "parquet") && strings.Count(o.Template, "{n}") != 1 {
		return fmt.Errorf("output.template must contain {n} exactly once for %s output", o.Type)
	}
	switch o.Parquet.Compression {
	case "", "snappy", "gzip", "zstd", "none":
	default:
		return fmt.Errorf("unsupported parquet compression: %s", o.Parquet.Compression)
	}
	return nil
}

func (c *Config) validateCheckpoint() error {
	cp := &c.Checkpoint
	switch cp.Type {
	case "":
		cp.Type = "file"
		fallthrough
	case "file":
		if cp.Dir == "" {
			cp.Dir = ".facetflow"
		}
	case "redis":
		if cp.RedisURL == "" {
			return fmt.Errorf("checkpoint.redis_url is required when checkpoint type is redis")
		}
	case "none":
	default:
		return fmt.Errorf("unsupported checkpoint type: %s", cp.Type)
	}
	if cp.Name == "" {
		cp.Name = strings.Join(c.Query.Terms, "_")
	}
	var err error
	if cp.TTLDuration, err = parseDuration(cp.TTL, 0); err != nil {
		return fmt.Errorf("checkpoint.ttl: %w", err)
	}
	return nil
}

// SearchParams returns the provider parameters including the date bounds.
func (c *Config) SearchParams() map[string]string {
	params := make(map[string]string, len(c.Query.Params)+2)
	for k, v := range c.Query.Params {
		params[k] = v
	}
	if c.Query.Since != "" {
		params["since"] = c.Query.Since
	}
	if c.Query.Until != "" {
		params["until"] = c.Query.Until
	}
	return params
}

// MatchTerms returns the terms the matcher routes on.
func (c *Config) MatchTerms() []string {
	if len(c.Matcher.Terms) > 0 {
		return c.Matcher.Terms
	}
	return c.Query.Terms
}

func parseDuration(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative: %s", value)
	}
	return d, nil
}

func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", value)
}
