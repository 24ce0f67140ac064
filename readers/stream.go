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
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aaronlmathis/facetflow/collector"
	"github.com/aaronlmathis/facetflow/core"
)

// ErrReconnectsExhausted is returned when a subscription keeps dropping.
var ErrReconnectsExhausted = errors.New("stream reconnect attempts exhausted")

// StreamStats holds statistics about the stream client
type StreamStats struct {
	Connections int64 // Connections established
	Reconnects  int64 // Reconnects after a drop, timeout or retryable status
	Timeouts    int64 // Idle timeouts detected
	KeepAlives  int64 // Blank keep-alive lines received
	Skipped     int64 // Messages that were not records, or could not be decoded
	Delivered   int64 // Records handed to the handler
}

// StreamClientOptions configures the stream client
type StreamClientOptions struct {
	Auth              *AuthConfig        // Authentication configuration
	Headers           map[string]string  // Additional headers
	Method            string             // GET (query parameters) or POST (form body)
	TrackParam        string             // Parameter carrying the comma-separated terms
	Params            map[string]string  // Additional parameters
	IdleTimeout       time.Duration      // Silence after which the connection is recycled
	MaxReconnects     int                // Consecutive reconnects before giving up
	ReconnectDelay    time.Duration      // Base reconnect delay, doubled per attempt
	MaxReconnectDelay time.Duration      // Upper bound for a single reconnect delay
	StatusField       string             // Field that distinguishes records from control messages
	MaxLineSize       int                // Longest accepted message in bytes
	UserAgent         string             // User agent string
	Client            *http.Client       // Custom HTTP client
	Logger            logrus.FieldLogger // Destination for connection logs
}

// StreamOption is a functional option for StreamClientOptions
type StreamOption func(*StreamClientOptions)

func WithStreamAuth(auth *AuthConfig) StreamOption {
	return func(opts *StreamClientOptions) {
		opts.Auth = auth
	}
}

func WithStreamBearerToken(token string) StreamOption {
	return func(opts *StreamClientOptions) {
		opts.Auth = &AuthConfig{Type: "bearer", Token: token}
	}
}

func WithStreamHeaders(headers map[string]string) StreamOption {
	return func(opts *StreamClientOptions) {
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

func WithStreamMethod(method string) StreamOption {
	return func(opts *StreamClientOptions) {
		opts.Method = method
	}
}

func WithStreamParams(params map[string]string) StreamOption {
	return func(opts *StreamClientOptions) {
		for k, v := range params {
			opts.Params[k] = v
		}
	}
}

func WithStreamIdleTimeout(timeout time.Duration) StreamOption {
	return func(opts *StreamClientOptions) {
		opts.IdleTimeout = timeout
	}
}

// WithStreamReconnects bounds consecutive reconnects and sets the base delay between them.
func WithStreamReconnects(max int, delay time.Duration) StreamOption {
	return func(opts *StreamClientOptions) {
		opts.MaxReconnects = max
		opts.ReconnectDelay = delay
	}
}

func WithStreamStatusField(field string) StreamOption {
	return func(opts *StreamClientOptions) {
		opts.StatusField = field
	}
}

func WithStreamHTTPClient(client *http.Client) StreamOption {
	return func(opts *StreamClientOptions) {
		opts.Client = client
	}
}

func WithStreamLogger(logger logrus.FieldLogger) StreamOption {
	return func(opts *StreamClientOptions) {
		if logger != nil {
			opts.Logger = logger
		}
	}
}

// StreamClient implements collector.Streamer over a line-delimited JSON endpoint
type StreamClient struct {
	endpoint *url.URL
	client   *http.Client
	opts     StreamClientOptions
	stats    StreamStats
}

// NewStreamClient creates a stream client for endpoint
func NewStreamClient(endpoint string, options ...StreamOption) (*StreamClient, error) {
	opts := StreamClientOptions{
		Headers:           make(map[string]string),
		Method:            http.MethodGet,
		TrackParam:        "track",
		Params:            make(map[string]string),
		IdleTimeout:       90 * time.Second,
		MaxReconnects:     5,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 5 * time.Minute,
		StatusField:       "text",
		MaxLineSize:       1024 * 1024,
		UserAgent:         "FacetFlow/1.0",
		Logger:            logrus.StandardLogger(),
	}
	for _, option := range options {
		option(&opts)
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &ProviderError{Op: "validate", URL: endpoint, Err: fmt.Errorf("invalid endpoint")}
	}
	if opts.Method != http.MethodGet && opts.Method != http.MethodPost {
		return nil, &ProviderError{Op: "validate", URL: endpoint, Err: fmt.Errorf("unsupported method %s", opts.Method)}
	}

	// Streams are long-lived; only the idle timer bounds a connection.
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &StreamClient{endpoint: u, client: client, opts: opts}, nil
}

// Stats returns stream client statistics
func (c *StreamClient) Stats() StreamStats {
	return c.stats
}

// Stream consumes the subscription for terms until handler stops it, ctx is
// cancelled, or MaxReconnects consecutive connections fail without delivering a record.
func (c *StreamClient) Stream(ctx context.Context, terms []string, handler collector.StreamHandler) error {
	log := c.opts.Logger.WithField("url", c.endpoint.String())
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		stop, delivered, err := c.connect(ctx, terms, handler)
		if stop {
			return err
		}
		if delivered > 0 {
			failures = 0
		}

		failures++
		if failures > c.opts.MaxReconnects {
			return &ProviderError{Op: "reconnect", URL: c.endpoint.String(), Err: ErrReconnectsExhausted}
		}
		c.stats.Reconnects++
		delay := backoff(c.opts.ReconnectDelay, c.opts.MaxReconnectDelay, failures)
		log.WithFields(logrus.Fields{"attempt": failures, "delay": delay}).Info("reconnecting stream")
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *StreamClient) request(ctx context.Context, terms []string) (*http.Request, error) {
	values := url.Values{}
	for k, v := range c.opts.Params {
		values.Set(k, v)
	}
	if len(terms) > 0 {
		values.Set(c.opts.TrackParam, strings.Join(terms, ","))
	}

	u := *c.endpoint
	var body io.Reader
	if c.opts.Method == http.MethodPost {
		body = strings.NewReader(values.Encode())
	} else {
		u.RawQuery = values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, c.opts.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if c.opts.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	if err := c.opts.Auth.apply(req); err != nil {
		return nil, err
	}
	return req, nil
}

// connect runs one connection. stop reports that the subscription is over,
// with err set when it ended in failure; otherwise the caller reconnects.
func (c *StreamClient) connect(ctx context.Context, terms []string, handler collector.StreamHandler) (stop bool, delivered int, err error) {
	log := c.opts.Logger.WithField("url", c.endpoint.String())

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var idle atomic.Bool
	timer := time.AfterFunc(c.opts.IdleTimeout, func() {
		idle.Store(true)
		cancel()
	})
	defer timer.Stop()

	req, err := c.request(connCtx, terms)
	if err != nil {
		return true, 0, &ProviderError{Op: "create_request", URL: c.endpoint.String(), Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if idle.Load() {
			c.stats.Timeouts++
			handler.OnTimeout()
			return false, 0, nil
		}
		if ctx.Err() != nil {
			return true, 0, ctx.Err()
		}
		if isPermanent(err) {
			return true, 0, &ProviderError{Op: "connect", URL: c.endpoint.String(), Err: err}
		}
		log.WithError(err).Warn("stream connection failed")
		return false, 0, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		if handler.OnError(resp.StatusCode) {
			return false, 0, nil
		}
		return true, 0, nil
	}
	c.stats.Connections++
	log.Debug("stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), c.opts.MaxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			c.stats.KeepAlives++
			timer.Reset(c.opts.IdleTimeout)
			continue
		}

		record, err := core.DecodeRecord(line)
		if err != nil {
			c.stats.Skipped++
			log.WithError(err).Warn("skipping undecodable message")
			timer.Reset(c.opts.IdleTimeout)
			continue
		}
		if _, ok := record.Lookup(c.opts.StatusField); !ok {
			c.stats.Skipped++
			timer.Reset(c.opts.IdleTimeout)
			continue
		}

		// The handler's time does not count as silence.
		timer.Stop()
		delivered++
		c.stats.Delivered++
		keep, err := handler.OnRecord(ctx, record)
		if err != nil {
			return true, delivered, err
		}
		if !keep {
			return true, delivered, nil
		}
		timer.Reset(c.opts.IdleTimeout)
	}

	if idle.Load() {
		c.stats.Timeouts++
		handler.OnTimeout()
		return false, delivered, nil
	}
	if ctx.Err() != nil {
		return true, delivered, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).WithField("transient", isTransient(err)).Warn("stream read failed")
	} else {
		log.Info("stream closed by provider")
	}
	return false, delivered, nil
}

// isPermanent reports dial failures that reconnecting cannot fix: unknown
// hosts and rejected certificates.
func isPermanent(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var hostErr x509.HostnameError
	var authErr x509.UnknownAuthorityError
	return errors.As(err, &hostErr) || errors.As(err, &authErr)
}
