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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aaronlmathis/facetflow/collector"
	"github.com/aaronlmathis/facetflow/core"
)

// Package readers provides the providers that feed a collector and the
// core.DataSource implementations used to replay archived output.
//
// This file implements the paginated search client: authentication, cursor
// pagination, retries with exponential backoff and rate-limit waits.

// ErrNoProgress is returned when a search page ignores the requested max id.
var ErrNoProgress = errors.New("search page did not advance")

// ProviderError provides structured error information for provider requests
type ProviderError struct {
	Op         string    // Operation that failed (e.g., "request", "status", "parse", "reconnect")
	StatusCode int       // HTTP status code if applicable
	URL        string    // URL being accessed when the error occurred
	RetryAt    time.Time // Rate-limit reset announced by the provider, if any
	Err        error     // Underlying error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s [%d] %s: %v", e.Op, e.StatusCode, e.URL, e.Err)
	}
	return fmt.Sprintf("provider %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// AuthConfig defines authentication configuration
type AuthConfig struct {
	Type        string // "bearer", "basic", "apikey"
	Token       string // Bearer token
	Username    string // For basic auth
	Password    string // For basic auth
	HeaderName  string // Header carrying the API key
	HeaderValue string // API key
	QueryParam  string // Query parameter carrying the API key
}

// apply adds the configured credentials to req.
func (a *AuthConfig) apply(req *http.Request) error {
	if a == nil {
		return nil
	}
	switch a.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+a.Token)
	case "basic":
		req.SetBasicAuth(a.Username, a.Password)
	case "apikey":
		if a.HeaderName != "" {
			req.Header.Set(a.HeaderName, a.HeaderValue)
		}
		if a.QueryParam != "" {
			q := req.URL.Query()
			q.Set(a.QueryParam, a.HeaderValue)
			req.URL.RawQuery = q.Encode()
		}
	default:
		return fmt.Errorf("unsupported auth type: %s", a.Type)
	}
	return nil
}

// SearchStats holds statistics about the search client
type SearchStats struct {
	Requests      int64 // Total HTTP requests made
	Retries       int64 // Requests repeated after a transient failure
	RateLimitHits int64 // Responses with status 429
	RecordsRead   int64 // Records returned across all pages
	BytesRead     int64 // Response bytes read
}

// SearchClientOptions configures the search client
type SearchClientOptions struct {
	Auth            *AuthConfig        // Authentication configuration
	Headers         map[string]string  // Additional headers
	Timeout         time.Duration      // Per-request timeout
	RetryAttempts   int                // Retries for transient failures
	RetryDelay      time.Duration      // Base delay, doubled per attempt
	MaxRetryDelay   time.Duration      // Upper bound for a single backoff delay
	MaxRateWait     time.Duration      // Upper bound for a single rate-limit wait
	QueryParam      string             // Parameter carrying the query expression
	CountParam      string             // Parameter carrying the page size
	MaxIDParam      string             // Parameter carrying the id upper bound
	SinceIDParam    string             // Parameter carrying the exclusive id lower bound
	DataPath        string             // Dotted path of the record array in a response
	NextField       string             // Dotted path of the next-page query string
	IDField         string             // Record field used for last-id pagination
	MaxResponseSize int64              // Maximum response size in bytes
	UserAgent       string             // User agent string
	Client          *http.Client       // Custom HTTP client
	Logger          logrus.FieldLogger // Destination for request logs
}

// SearchOption is a functional option for SearchClientOptions
type SearchOption func(*SearchClientOptions)

func WithSearchAuth(auth *AuthConfig) SearchOption {
	return func(opts *SearchClientOptions) {
		opts.Auth = auth
	}
}

func WithSearchBearerToken(token string) SearchOption {
	return func(opts *SearchClientOptions) {
		opts.Auth = &AuthConfig{Type: "bearer", Token: token}
	}
}

func WithSearchBasicAuth(username, password string) SearchOption {
	return func(opts *SearchClientOptions) {
		opts.Auth = &AuthConfig{Type: "basic", Username: username, Password: password}
	}
}

func WithSearchAPIKey(headerName, apiKey string) SearchOption {
	return func(opts *SearchClientOptions) {
		opts.Auth = &AuthConfig{Type: "apikey", HeaderName: headerName, HeaderValue: apiKey}
	}
}

func WithSearchHeaders(headers map[string]string) SearchOption {
	return func(opts *SearchClientOptions) {
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

func WithSearchTimeout(timeout time.Duration) SearchOption {
	return func(opts *SearchClientOptions) {
		opts.Timeout = timeout
	}
}

// WithSearchRetries sets the retry budget and the base backoff delay.
func WithSearchRetries(attempts int, delay time.Duration) SearchOption {
	return func(opts *SearchClientOptions) {
		opts.RetryAttempts = attempts
		opts.RetryDelay = delay
	}
}

func WithSearchMaxRateWait(wait time.Duration) SearchOption {
	return func(opts *SearchClientOptions) {
		opts.MaxRateWait = wait
	}
}

// WithSearchPaths sets where records and the next-page query string live in a response.
func WithSearchPaths(dataPath, nextField string) SearchOption {
	return func(opts *SearchClientOptions) {
		opts.DataPath = dataPath
		opts.NextField = nextField
	}
}

func WithSearchIDField(field string) SearchOption {
	return func(opts *SearchClientOptions) {
		opts.IDField = field
	}
}

func WithSearchUserAgent(userAgent string) SearchOption {
	return func(opts *SearchClientOptions) {
		opts.UserAgent = userAgent
	}
}

func WithSearchHTTPClient(client *http.Client) SearchOption {
	return func(opts *SearchClientOptions) {
		opts.Client = client
	}
}

func WithSearchLogger(logger logrus.FieldLogger) SearchOption {
	return func(opts *SearchClientOptions) {
		if logger != nil {
			opts.Logger = logger
		}
	}
}

// SearchClient implements collector.Searcher over an HTTP search endpoint
type SearchClient struct {
	endpoint *url.URL
	client   *http.Client
	opts     SearchClientOptions
	stats    SearchStats
}

// NewSearchClient creates a search client for endpoint
func NewSearchClient(endpoint string, options ...SearchOption) (*SearchClient, error) {
	opts := SearchClientOptions{
		Headers:         make(map[string]string),
		Timeout:         30 * time.Second,
		RetryAttempts:   10,
		RetryDelay:      time.Second,
		MaxRetryDelay:   time.Minute,
		MaxRateWait:     15 * time.Minute,
		QueryParam:      "q",
		CountParam:      "count",
		MaxIDParam:      "max_id",
		SinceIDParam:    "since_id",
		DataPath:        "statuses",
		NextField:       "search_metadata.next_results",
		IDField:         "id",
		MaxResponseSize: 100 * 1024 * 1024, // 100MB
		UserAgent:       "FacetFlow/1.0",
		Logger:          logrus.StandardLogger(),
	}
	for _, option := range options {
		option(&opts)
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &ProviderError{Op: "validate", URL: endpoint, Err: fmt.Errorf("invalid endpoint")}
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &SearchClient{endpoint: u, client: client, opts: opts}, nil
}

// Stats returns search client statistics
func (c *SearchClient) Stats() SearchStats {
	return c.stats
}

// Search fetches one page. cursor is either empty, for the first page, or the
// query string returned as Page.Next by a previous call.
func (c *SearchClient) Search(ctx context.Context, query collector.SearchQuery, cursor string) (collector.Page, error) {
	requestURL := c.pageURL(query, cursor)

	body, err := c.fetch(ctx, requestURL)
	if err != nil {
		return collector.Page{}, err
	}

	records, next, err := c.parsePage(body, query)
	if err != nil {
		return collector.Page{}, &ProviderError{Op: "parse", URL: requestURL, Err: err}
	}
	if err := c.checkProgress(requestURL, records); err != nil {
		return collector.Page{}, &ProviderError{Op: "paginate", URL: requestURL, Err: err}
	}
	c.stats.RecordsRead += int64(len(records))
	return collector.Page{Records: records, Next: next}, nil
}

// params builds the first-page parameters for query.
func (c *SearchClient) params(query collector.SearchQuery) url.Values {
	values := url.Values{}
	for k, v := range query.Params {
		values.Set(k, v)
	}
	values.Set(c.opts.QueryParam, query.Expression())
	if query.PageSize > 0 {
		values.Set(c.opts.CountParam, strconv.Itoa(query.PageSize))
	}
	if query.MaxID != "" {
		values.Set(c.opts.MaxIDParam, query.MaxID)
	}
	if query.SinceID != "" {
		values.Set(c.opts.SinceIDParam, query.SinceID)
	}
	return values
}

func (c *SearchClient) pageURL(query collector.SearchQuery, cursor string) string {
	u := *c.endpoint
	switch {
	case cursor == "":
		u.RawQuery = c.params(query).Encode()
	case strings.HasPrefix(cursor, "?"):
		u.RawQuery = strings.TrimPrefix(cursor, "?")
	case strings.HasPrefix(cursor, "http://"), strings.HasPrefix(cursor, "https://"):
		return cursor
	default:
		u.RawQuery = cursor
	}
	return u.String()
}

// parsePage extracts the records and the next cursor from a response body.
func (c *SearchClient) parsePage(body []byte, query collector.SearchQuery) ([]core.Record, string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var response interface{}
	if err := dec.Decode(&response); err != nil {
		return nil, "", fmt.Errorf("json unmarshal failed: %w", err)
	}

	data := response
	var envelope core.Record
	if obj, ok := response.(map[string]interface{}); ok {
		envelope = core.Record(obj)
	}
	if c.opts.DataPath != "" {
		if envelope == nil {
			return nil, "", fmt.Errorf("cannot traverse path %s: expected object", c.opts.DataPath)
		}
		var found bool
		data, found = envelope.Lookup(c.opts.DataPath)
		if !found {
			return nil, "", fmt.Errorf("path element %s not found", c.opts.DataPath)
		}
	}

	items, ok := data.([]interface{})
	if !ok {
		return nil, "", fmt.Errorf("unexpected response format: %T", data)
	}
	records := make([]core.Record, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, "", fmt.Errorf("element %d: %w", i, core.ErrInvalidPayload)
		}
		records = append(records, core.Record(obj))
	}
	if len(records) == 0 {
		return records, "", nil
	}

	// A present next-page field, even an empty one, is authoritative.
	if c.opts.NextField != "" && envelope != nil {
		if value, ok := envelope.Lookup(c.opts.NextField); ok && value != nil {
			next, _ := value.(string)
			return records, next, nil
		}
	}
	return records, c.lastIDCursor(records, query), nil
}

// lastIDCursor continues below the id of the last record on the page.
func (c *SearchClient) lastIDCursor(records []core.Record, query collector.SearchQuery) string {
	value, ok := records[len(records)-1].Lookup(c.opts.IDField)
	if !ok {
		return ""
	}
	id := fmt.Sprint(value)
	bound := collector.Checkpoint{ID: id}.ResumeBound()
	if bound == id {
		return ""
	}
	values := c.params(query)
	values.Set(c.opts.MaxIDParam, bound)
	return "?" + values.Encode()
}

// checkProgress fails when the provider returned records above the max id the
// request asked for, which would make last-id pagination request the same page again.
func (c *SearchClient) checkProgress(requestURL string, records []core.Record) error {
	u, err := url.Parse(requestURL)
	if err != nil {
		return nil
	}
	bound, err := strconv.ParseUint(u.Query().Get(c.opts.MaxIDParam), 10, 64)
	if err != nil {
		return nil
	}
	for _, record := range records {
		value, ok := record.Lookup(c.opts.IDField)
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(fmt.Sprint(value), 10, 64)
		if err != nil {
			continue
		}
		if id > bound {
			return fmt.Errorf("%w: id %d above %s=%d", ErrNoProgress, id, c.opts.MaxIDParam, bound)
		}
	}
	return nil
}

// fetch executes a GET with retries. Rate-limited responses wait for the
// announced reset without consuming retry attempts.
func (c *SearchClient) fetch(ctx context.Context, requestURL string) ([]byte, error) {
	log := c.opts.Logger.WithField("url", requestURL)
	attempt := 0
	for {
		body, err := c.do(ctx, requestURL)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		var perr *ProviderError
		switch {
		case errors.As(err, &perr) && perr.StatusCode == http.StatusTooManyRequests:
			c.stats.RateLimitHits++
			wait := c.rateLimitWait(perr.RetryAt)
			log.WithField("wait", wait).Warn("rate limited, waiting for reset")
			if err := sleepContext(ctx, wait); err != nil {
				return nil, err
			}
		case isRetryable(err):
			attempt++
			if attempt > c.opts.RetryAttempts {
				return nil, err
			}
			c.stats.Retries++
			delay := backoff(c.opts.RetryDelay, c.opts.MaxRetryDelay, attempt)
			log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Warn("transient error, retrying")
			if err := sleepContext(ctx, delay); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

// do executes a single request and returns the response body.
func (c *SearchClient) do(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, &ProviderError{Op: "create_request", URL: requestURL, Err: err}
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	if err := c.opts.Auth.apply(req); err != nil {
		return nil, &ProviderError{Op: "auth", URL: requestURL, Err: err}
	}

	c.stats.Requests++
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Op: "request", URL: requestURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil, &ProviderError{
			Op:         "status",
			URL:        requestURL,
			StatusCode: resp.StatusCode,
			RetryAt:    rateLimitReset(resp.Header),
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxResponseSize))
	if err != nil {
		return nil, &ProviderError{Op: "read_response", URL: requestURL, Err: err}
	}
	c.stats.BytesRead += int64(len(data))
	return data, nil
}

func (c *SearchClient) rateLimitWait(resetAt time.Time) time.Duration {
	wait := c.opts.RetryDelay
	if !resetAt.IsZero() {
		if until := time.Until(resetAt); until > wait {
			wait = until
		}
	}
	if c.opts.MaxRateWait > 0 && wait > c.opts.MaxRateWait {
		wait = c.opts.MaxRateWait
	}
	return wait
}

// rateLimitReset parses the x-rate-limit-reset header (epoch seconds).
func rateLimitReset(header http.Header) time.Time {
	value := header.Get("x-rate-limit-reset")
	if value == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// isRetryable reports whether err is a server error or a transient transport failure.
func isRetryable(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) && perr.StatusCode >= 500 {
		return true
	}
	return isTransient(err)
}

// isTransient reports connection resets, broken pipes and truncated responses.
func isTransient(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// backoff returns base doubled attempt-1 times, capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
