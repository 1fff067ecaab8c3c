// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opentrusty/authzstore/internal/authorization"
)

// RecordCodec turns records into the bytes held by a distributed cache. The
// encoded form must not contain plaintext token values.
type RecordCodec interface {
	EncodeRecord(ctx context.Context, rec *authorization.Record) ([]byte, error)
	DecodeRecord(ctx context.Context, data []byte) (*authorization.Record, error)
}

// RedisCache implements authorization.Cache backed by Redis.
type RedisCache struct {
	client redis.UniversalClient
	codec  RecordCodec
}

var _ authorization.Cache = (*RedisCache)(nil)

// NewRedisCache constructs a Redis-backed cache.
func NewRedisCache(client redis.UniversalClient, codec RecordCodec) *RedisCache {
	return &RedisCache{client: client, codec: codec}
}

// Put seals the record once and stores it under every key with TTL in one
// pipeline.
func (c *RedisCache) Put(ctx context.Context, keys []string, rec *authorization.Record, ttl time.Duration) error {
	if ttl <= 0 || len(keys) == 0 {
		return nil
	}
	payload, err := c.codec.EncodeRecord(ctx, rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Set(ctx, key, payload, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist record: %w", err)
	}
	return nil
}

// Get atomically reads and deletes the key.
func (c *RedisCache) Get(ctx context.Context, key string) (*authorization.Record, error) {
	payload, err := c.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load record: %w", err)
	}
	rec, err := c.codec.DecodeRecord(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// Delete removes the key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
