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
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/opentrusty/authzstore/internal/authorization"
)

// ValkeyCache implements authorization.Cache backed by Valkey.
type ValkeyCache struct {
	client valkey.Client
	codec  RecordCodec
}

var _ authorization.Cache = (*ValkeyCache)(nil)

// NewValkeyCache constructs a Valkey-backed cache.
func NewValkeyCache(client valkey.Client, codec RecordCodec) *ValkeyCache {
	return &ValkeyCache{client: client, codec: codec}
}

// Put seals the record once and stores it under every key with a
// millisecond TTL.
func (c *ValkeyCache) Put(ctx context.Context, keys []string, rec *authorization.Record, ttl time.Duration) error {
	ms := ttl.Milliseconds()
	if ms <= 0 || len(keys) == 0 {
		return nil
	}
	payload, err := c.codec.EncodeRecord(ctx, rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	cmds := make(valkey.Commands, 0, len(keys))
	for _, key := range keys {
		cmds = append(cmds, c.client.B().Set().Key(key).Value(valkey.BinaryString(payload)).PxMilliseconds(ms).Build())
	}
	for _, resp := range c.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("storing record in Valkey: %w", err)
		}
	}
	return nil
}

// Get reads and deletes the key with GETDEL.
func (c *ValkeyCache) Get(ctx context.Context, key string) (*authorization.Record, error) {
	payload, err := c.client.Do(ctx, c.client.B().Getdel().Key(key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading record from Valkey: %w", err)
	}
	rec, err := c.codec.DecodeRecord(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return rec, nil
}

// Delete removes the key.
func (c *ValkeyCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Do(ctx, c.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("deleting record from Valkey: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (c *ValkeyCache) Ping(ctx context.Context) error {
	return c.client.Do(ctx, c.client.B().Ping().Build()).Error()
}
