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

package propagation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/authzstore/internal/audit"
	"github.com/opentrusty/authzstore/internal/authorization"
	"github.com/opentrusty/authzstore/internal/cache"
	"github.com/opentrusty/authzstore/internal/cipher"
)

// countingTransport counts calls and can fail the first n of them.
type countingTransport struct {
	next  RPCTransport
	calls atomic.Int32
	fail  int32
}

func (c *countingTransport) Call(ctx context.Context, region string, body []byte) ([]byte, error) {
	n := c.calls.Add(1)
	if n <= c.fail {
		return nil, errors.New("connection reset")
	}
	return c.next.Call(ctx, region, body)
}

func newLookupPair(t *testing.T, serverCfg RPCServerConfig, store *lookupStore, fail int32) (*RPCClient, *countingTransport) {
	t.Helper()
	bus := NewMemoryBus(MemoryBusConfig{}, nil)
	serverCfg.Region = "us"
	bus.Serve("us", NewRPCServer(store, serverCfg, nil))

	transport := &countingTransport{next: bus, fail: fail}
	client := NewRPCClient(transport, RPCClientConfig{
		Region:          "eu",
		Peers:           []string{"eu", "us"},
		InitialInterval: time.Millisecond,
	}, nil)
	return client, transport
}

// TestPurpose: Validates cross-region lookup of a record held by a peer's store.
// Scope: Unit Test
// Expected: The peer's stored record is returned; the caller's own region is skipped.
func TestRPC_LookupFound(t *testing.T) {
	store := &lookupStore{records: map[string]*authorization.StoredRecord{"A1": sampleStored()}}
	client, transport := newLookupPair(t, RPCServerConfig{}, store, 0)

	rec, err := client.Lookup(context.Background(), authorization.RemoteQuery{ID: "A1"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "A1", rec.ID)
	assert.Equal(t, "hash-tok-1", rec.AccessToken.Hash)
	assert.Equal(t, int32(1), transport.calls.Load())

	rec, err = client.Lookup(context.Background(), authorization.RemoteQuery{
		Lookup: authorization.TokenLookup{Type: authorization.TokenTypeAccessToken, Hash: "hash-tok-1"},
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestRPC_LookupNotFound(t *testing.T) {
	tomb := sampleStored()
	tomb.Invalidated = true
	store := &lookupStore{records: map[string]*authorization.StoredRecord{"A2": tomb}}
	client, _ := newLookupPair(t, RPCServerConfig{}, store, 0)

	rec, err := client.Lookup(context.Background(), authorization.RemoteQuery{ID: "A1"})
	assert.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = client.Lookup(context.Background(), authorization.RemoteQuery{ID: "A2"})
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

// TestPurpose: Validates that a peer region without a lookup server fails the lookup instead of reporting absence.
// Scope: Unit Test
// Expected: The SaaS-profile service returns ErrRemoteUnavailable and no record.
func TestRPC_UnreachablePeerSurfacesAsFailure(t *testing.T) {
	bus := NewMemoryBus(MemoryBusConfig{}, nil)
	client := NewRPCClient(bus, RPCClientConfig{
		Region:          "eu",
		Peers:           []string{"eu", "us"},
		InitialInterval: time.Millisecond,
	}, nil)

	c, h, err := cipher.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	svc := authorization.NewService(&lookupStore{}, cache.NewMemoryCache(), nil,
		authorization.NewSealer(c, h, time.Second), h, audit.NopLogger{},
		authorization.Config{Region: "eu", Profile: authorization.ProfileSaaS},
		authorization.WithRemoteLookup(client))

	rec, err := svc.FindByID(context.Background(), "A1")
	assert.ErrorIs(t, err, authorization.ErrRemoteUnavailable)
	assert.Contains(t, err.Error(), "no lookup server for region us")
	assert.Nil(t, rec)
}

// TestPurpose: Validates bounded retries with exponential backoff on transient failures.
// Scope: Unit Test
// Expected: Two transport failures are retried and the third attempt succeeds; persistent failure stops after three attempts.
func TestRPC_RetriesTransientFailures(t *testing.T) {
	store := &lookupStore{records: map[string]*authorization.StoredRecord{"A1": sampleStored()}}

	client, transport := newLookupPair(t, RPCServerConfig{}, store, 2)
	rec, err := client.Lookup(context.Background(), authorization.RemoteQuery{ID: "A1"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int32(3), transport.calls.Load())

	client, transport = newLookupPair(t, RPCServerConfig{}, store, 10)
	rec, err = client.Lookup(context.Background(), authorization.RemoteQuery{ID: "A1"})
	assert.Error(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, int32(RPCMaxAttempts), transport.calls.Load())
}

// TestPurpose: Validates that permission-class failures are not retried.
// Scope: Unit Test
// Security: A denied caller does not hammer the peer
// Expected: One call, ErrPermissionDenied.
func TestRPC_PermissionDeniedNotRetried(t *testing.T) {
	store := &lookupStore{records: map[string]*authorization.StoredRecord{"A1": sampleStored()}}
	client, transport := newLookupPair(t, RPCServerConfig{AllowedRegions: []string{"ap"}}, store, 0)

	rec, err := client.Lookup(context.Background(), authorization.RemoteQuery{ID: "A1"})
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, int32(1), transport.calls.Load())
}

func TestRPCServer_ShedsLoad(t *testing.T) {
	store := &lookupStore{records: map[string]*authorization.StoredRecord{"A1": sampleStored()}}
	server := NewRPCServer(store, RPCServerConfig{Region: "us", RatePerSecond: 0.001, Burst: 1}, nil)

	body := []byte(`{"origin_region":"eu","query":{"id":"A1"}}`)
	first := server.handle(context.Background(), body)
	second := server.handle(context.Background(), body)
	assert.Equal(t, statusOK, first.Status)
	assert.Equal(t, statusBusy, second.Status)
}

func TestRPCServer_StoreErrorAndMalformed(t *testing.T) {
	server := NewRPCServer(&lookupStore{err: errors.New("pool closed")}, RPCServerConfig{Region: "us"}, nil)

	reply := server.handle(context.Background(), []byte(`{"origin_region":"eu","query":{"id":"A1"}}`))
	assert.Equal(t, statusError, reply.Status)

	reply = server.handle(context.Background(), []byte(`not-json`))
	assert.Equal(t, statusError, reply.Status)
}
