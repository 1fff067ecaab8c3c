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
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"

	"github.com/opentrusty/authzstore/internal/authorization"
)

// countingCodec encodes records as JSON and counts encodes; production
// caches use the sealing codec.
type countingCodec struct {
	encodes atomic.Int32
}

func (c *countingCodec) EncodeRecord(_ context.Context, rec *authorization.Record) ([]byte, error) {
	c.encodes.Add(1)
	return json.Marshal(rec)
}

func (c *countingCodec) DecodeRecord(_ context.Context, data []byte) (*authorization.Record, error) {
	var rec authorization.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

var testKeys = []string{"authz:id:A1", "authz:state:s1", "authz:access_token:h1"}

func exerciseCache(t *testing.T, srv *miniredis.Miniredis, c authorization.Cache, codec *countingCodec) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, testKeys, newRecord(), time.Minute))
	assert.Equal(t, int32(1), codec.encodes.Load())
	for _, key := range testKeys {
		assert.True(t, srv.Exists(key), key)
		assert.Equal(t, time.Minute, srv.TTL(key), key)
	}

	rec, err := c.Get(ctx, testKeys[1])
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "A1", rec.ID)
	assert.Equal(t, "tok-1", rec.AccessToken.Value)

	rec, err = c.Get(ctx, testKeys[1])
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, c.Delete(ctx, testKeys[0]))
	rec, err = c.Get(ctx, testKeys[0])
	require.NoError(t, err)
	assert.Nil(t, rec)

	srv.FastForward(2 * time.Minute)
	rec, err = c.Get(ctx, testKeys[2])
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, c.Put(ctx, testKeys, newRecord(), 0))
	assert.Equal(t, int32(1), codec.encodes.Load())
}

// TestPurpose: Validates consume-once semantics of the Redis cache.
// Scope: Unit Test
// Expected: One encode per multi-key Put; GETDEL consumes an entry; Delete evicts; TTL expiry drops entries.
func TestRedisCache(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	codec := &countingCodec{}
	c := NewRedisCache(client, codec)
	require.NoError(t, c.Ping(context.Background()))
	exerciseCache(t, srv, c, codec)
}

// TestPurpose: Validates consume-once semantics of the Valkey cache.
// Scope: Unit Test
// Expected: One encode per multi-key Put; GETDEL consumes an entry; Delete evicts; TTL expiry drops entries.
func TestValkeyCache(t *testing.T) {
	srv := miniredis.RunT(t)
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{srv.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	codec := &countingCodec{}
	c := NewValkeyCache(client, codec)
	require.NoError(t, c.Ping(context.Background()))
	exerciseCache(t, srv, c, codec)
}

func TestRedisCache_Unavailable(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisCache(client, &countingCodec{})
	srv.Close()

	assert.Error(t, c.Put(context.Background(), testKeys, newRecord(), time.Minute))
	_, err := c.Get(context.Background(), testKeys[0])
	assert.Error(t, err)
}
