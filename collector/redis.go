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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of the go-redis API used by RedisStore.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisStore keeps checkpoints as JSON strings under "<prefix><name>".
type RedisStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// RedisStoreOption is a functional option for RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisPrefix sets the key prefix (default "facetflow:checkpoint:").
func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithRedisTTL expires stored checkpoints after ttl; zero keeps them forever.
func WithRedisTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore creates a store backed by client.
func NewRedisStore(client RedisClient, options ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "facetflow:checkpoint:"}
	for _, option := range options {
		option(s)
	}
	return s
}

// ConnectRedis parses a redis:// URL, applies password when set, and pings the server.
func ConnectRedis(ctx context.Context, url, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) Load(ctx context.Context, name string) (Checkpoint, bool, error) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, &CheckpointError{Op: "load", Name: name, Err: err}
	}

	var doc checkpointDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Checkpoint{}, false, &CheckpointError{Op: "decode", Name: name, Err: err}
	}
	cp, err := fromDoc(doc)
	if err != nil {
		return Checkpoint{}, false, &CheckpointError{Op: "decode", Name: name, Err: err}
	}
	return cp, !cp.IsZero(), nil
}

func (s *RedisStore) Save(ctx context.Context, name string, cp Checkpoint) error {
	data, err := json.Marshal(toDoc(cp))
	if err != nil {
		return &CheckpointError{Op: "encode", Name: name, Err: err}
	}
	if err := s.client.Set(ctx, s.key(name), data, s.ttl).Err(); err != nil {
		return &CheckpointError{Op: "save", Name: name, Err: err}
	}
	return nil
}
