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

package authorization

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/authzstore/internal/audit"
)

// TestPurpose: Validates that a saved record is returned unchanged by FindByID, from the cache and then from the store.
// Scope: Unit Test
// Expected: Both lookups return a record equal to the saved one.
func TestService_SaveFindByID_RoundTrip(t *testing.T) {
	store := newMemStore()
	cache := newMapCache()
	svc := newTestService(t, store, cache, nil, "eu")
	ctx := context.Background()

	rec := sampleRecord()
	require.NoError(t, svc.Save(ctx, rec))

	fromCache, err := svc.FindByID(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, rec, fromCache)

	fromStore, err := svc.FindByID(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, rec, fromStore)
}

// TestPurpose: Validates the single-consumption policy of the ephemeral cache.
// Scope: Unit Test
// Security: Prevents stale reuse of an in-flight grant
// Expected: The first lookup is a cache hit that empties every key of the record; the second reaches the store.
func TestService_FindByID_SingleConsumption(t *testing.T) {
	store := newMemStore()
	cache := newMapCache()
	svc := newTestService(t, store, cache, nil, "eu")
	ctx := context.Background()

	require.NoError(t, svc.Save(ctx, sampleRecord()))
	assert.Equal(t, 5, cache.len())
	assert.Equal(t, 1, cache.puts, "all keys are written by one Put")

	_, err := svc.FindByID(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, 0, store.findByIDHit)
	assert.Equal(t, 0, cache.len())

	rec, err := svc.FindByID(ctx, "A1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, store.findByIDHit)
}

// TestPurpose: Validates that a record is retrievable through each of its four lookup keys.
// Scope: Unit Test
// Expected: FindByToken finds A1 by state, code, access token and refresh token, both from cache and from store.
func TestService_FindByToken_MultiKey(t *testing.T) {
	lookups := []struct {
		token     string
		tokenType TokenType
	}{
		{"s1", TokenTypeState},
		{"code-1", TokenTypeAuthorizationCode},
		{"tok-1", TokenTypeAccessToken},
		{"refresh-1", TokenTypeRefreshToken},
		{"tok-1", TokenTypeAny},
		{"s1", TokenTypeAny},
	}

	for _, l := range lookups {
		t.Run(string(l.tokenType)+"/"+l.token, func(t *testing.T) {
			store := newMemStore()
			svc := newTestService(t, store, newMapCache(), nil, "eu")
			ctx := context.Background()
			require.NoError(t, svc.Save(ctx, sampleRecord()))

			cached, err := svc.FindByToken(ctx, l.token, l.tokenType)
			require.NoError(t, err)
			require.NotNil(t, cached)
			assert.Equal(t, "A1", cached.ID)

			stored, err := svc.FindByToken(ctx, l.token, l.tokenType)
			require.NoError(t, err)
			require.NotNil(t, stored)
			assert.Equal(t, "A1", stored.ID)
		})
	}
}

func TestService_FindByToken_WrongTypeMisses(t *testing.T) {
	svc := newTestService(t, newMemStore(), newMapCache(), nil, "eu")
	ctx := context.Background()
	require.NoError(t, svc.Save(ctx, sampleRecord()))

	rec, err := svc.FindByToken(ctx, "tok-1", TokenTypeRefreshToken)
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = svc.FindByToken(ctx, "tok-1", TokenType("id_token"))
	assert.ErrorIs(t, err, ErrInvalidTokenType)
}

// TestPurpose: Validates the save/lookup/remove scenario for access token tok-1.
// Scope: Unit Test
// Expected: tok-1 resolves to A1 after save and is absent after remove.
func TestService_AccessTokenScenario(t *testing.T) {
	svc := newTestService(t, newMemStore(), newMapCache(), nil, "eu")
	ctx := context.Background()

	rec := &Record{
		ID:                 "A1",
		RegisteredClientID: "client-1",
		GrantType:          GrantTypeAuthorizationCode,
		Attributes:         map[string]any{AttributeState: "s1"},
		AccessToken: &Token{
			Value:     "tok-1",
			IssuedAt:  testNow,
			ExpiresAt: testNow.Add(300 * time.Second),
		},
	}
	require.NoError(t, svc.Save(ctx, rec))

	found, err := svc.FindByToken(ctx, "tok-1", TokenTypeAccessToken)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "A1", found.ID)

	require.NoError(t, svc.Remove(ctx, found))

	found, err = svc.FindByToken(ctx, "tok-1", TokenTypeAccessToken)
	require.NoError(t, err)
	assert.Nil(t, found)
}

// TestPurpose: Validates that token values never reach the store or the bus in plaintext.
// Scope: Unit Test
// Security: Encryption at rest and in transit (CWE-312, CWE-319)
// Expected: Stored and published token fields hold ciphertext and hashes only.
func TestService_Save_NoPlaintextPersisted(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	svc := newTestService(t, store, newMapCache(), pub, "eu")

	require.NoError(t, svc.Save(context.Background(), sampleRecord()))

	stored, ok := store.get("A1")
	require.True(t, ok)
	for value, tok := range map[string]*StoredToken{
		"code-1":    stored.AuthorizationCode,
		"tok-1":     stored.AccessToken,
		"refresh-1": stored.RefreshToken,
	} {
		require.NotNil(t, tok)
		assert.NotContains(t, tok.Ciphertext, value)
		assert.NotEqual(t, value, tok.Hash)
	}
	assert.Equal(t, "s1", stored.State)

	change := pub.last()
	require.NotNil(t, change)
	assert.False(t, change.IsTombstone())
	assert.Equal(t, "eu", change.OriginRegion)
	assert.Equal(t, stored.AccessToken.Ciphertext, change.Record.AccessToken.Ciphertext)
}

// TestPurpose: Validates that a save whose encryption never completes fails without any durable write.
// Scope: Unit Test
// Security: No partial writes of token material
// Expected: Save returns ErrPersistenceFailed wrapping ErrCryptTimeout; the store sees zero writes; cache entries are evicted.
func TestService_Save_EncryptionTimeout(t *testing.T) {
	c, h := newTestCrypto(t)
	blocking := &blockingCipher{Cipher: c, release: make(chan struct{})}
	t.Cleanup(func() { close(blocking.release) })

	store := new(mockStore)
	cache := newMapCache()
	pub := &recordingPublisher{}
	svc := NewService(store, cache, pub, NewSealer(blocking, h, 50*time.Millisecond), h, audit.NopLogger{},
		Config{Region: "eu"}, WithClock(func() time.Time { return testNow }))

	rec := sampleRecord()
	rec.RefreshToken.Value = "never"

	start := time.Now()
	err := svc.Save(context.Background(), rec)
	assert.Less(t, time.Since(start), time.Second)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistenceFailed)
	assert.ErrorIs(t, err, ErrCryptTimeout)
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	assert.Empty(t, pub.changes)
	assert.Equal(t, 0, cache.len())
}

// TestPurpose: Validates that store outages surface as typed failures and do not leave cache entries behind.
// Scope: Unit Test
// Expected: Save returns ErrStoreUnavailable; the cache is empty; nothing is published.
func TestService_Save_StoreUnavailable(t *testing.T) {
	store := new(mockStore)
	store.On("Save", mock.Anything, mock.Anything).Return(errors.New("connection refused"))
	cache := newMapCache()
	pub := &recordingPublisher{}
	svc := newTestService(t, store, cache, pub, "eu")

	err := svc.Save(context.Background(), sampleRecord())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 0, cache.len())
	assert.Empty(t, pub.changes)
	store.AssertExpectations(t)
}

// TestPurpose: Validates that lookups never turn store failures into "absent".
// Scope: Unit Test
// Expected: FindByID returns ErrStoreUnavailable when the store errors.
func TestService_FindByID_StoreUnavailable(t *testing.T) {
	store := new(mockStore)
	store.On("FindByID", mock.Anything, "A1").Return(nil, errors.New("timeout"))
	svc := newTestService(t, store, newMapCache(), nil, "eu")

	rec, err := svc.FindByID(context.Background(), "A1")
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestService_FindByID_Absent(t *testing.T) {
	svc := newTestService(t, newMemStore(), newMapCache(), nil, "eu")

	rec, err := svc.FindByID(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = svc.FindByID(context.Background(), "")
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

// TestPurpose: Validates that broker failures on publish are swallowed.
// Scope: Unit Test
// Expected: Save succeeds and the record is durable even though the publisher fails.
func TestService_Save_PublishFailureSwallowed(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := newTestService(t, store, newMapCache(), pub, "eu")

	require.NoError(t, svc.Save(context.Background(), sampleRecord()))
	_, ok := store.get("A1")
	assert.True(t, ok)
}

func TestService_Save_Invalid(t *testing.T) {
	svc := newTestService(t, newMemStore(), newMapCache(), nil, "eu")

	assert.ErrorIs(t, svc.Save(context.Background(), &Record{}), ErrInvalidRecord)

	rec := sampleRecord()
	rec.AccessToken.Value = ""
	assert.ErrorIs(t, svc.Save(context.Background(), rec), ErrInvalidRecord)
}

func TestService_Save_BindsState(t *testing.T) {
	binder := &recordingBinder{}
	svc := newTestService(t, newMemStore(), newMapCache(), nil, "eu", WithStateBinder(binder))

	require.NoError(t, svc.Save(context.Background(), sampleRecord()))
	assert.Equal(t, []string{"s1"}, binder.states)
}

// TestPurpose: Validates that removal evicts the origin region and that a peer region evicts on the tombstone.
// Scope: Unit Test
// Security: Revoked tokens stop resolving in every region
// Expected: Origin lookups return absent; the tombstone is redacted; the peer cache is emptied by ApplyChange.
func TestService_Remove_TombstonePropagation(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	origin := newTestService(t, store, newMapCache(), pub, "eu")
	peerCache := newMapCache()
	peer := newTestService(t, store, peerCache, nil, "us")
	ctx := context.Background()

	rec := sampleRecord()
	require.NoError(t, origin.Save(ctx, rec))
	require.NoError(t, peer.ApplyChange(ctx, pub.last()))
	assert.Equal(t, 5, peerCache.len())

	require.NoError(t, origin.Remove(ctx, rec))

	found, err := origin.FindByID(ctx, "A1")
	require.NoError(t, err)
	assert.Nil(t, found)

	tomb := pub.last()
	require.NotNil(t, tomb)
	assert.True(t, tomb.IsTombstone())
	assert.Equal(t, RedactedValue, tomb.Record.AccessToken.Ciphertext)
	assert.Equal(t, RedactedValue, tomb.Record.RefreshToken.Ciphertext)
	assert.Equal(t, RedactedValue, tomb.Record.AuthorizationCode.Ciphertext)

	require.NoError(t, peer.ApplyChange(ctx, tomb))
	assert.Equal(t, 0, peerCache.len())

	found, err = peer.FindByToken(ctx, "tok-1", TokenTypeAccessToken)
	require.NoError(t, err)
	assert.Nil(t, found)
}

// TestPurpose: Validates that a peer region serves a record from its cache before the store has it.
// Scope: Unit Test
// Expected: The peer resolves A1 by access token from the propagated change alone.
func TestService_ApplyChange_ReadAfterWriteInPeer(t *testing.T) {
	pub := &recordingPublisher{}
	origin := newTestService(t, newMemStore(), newMapCache(), pub, "eu")
	peer := newTestService(t, newMemStore(), newMapCache(), nil, "us")
	ctx := context.Background()

	require.NoError(t, origin.Save(ctx, sampleRecord()))
	require.NoError(t, peer.ApplyChange(ctx, pub.last()))

	found, err := peer.FindByToken(ctx, "tok-1", TokenTypeAccessToken)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, sampleRecord(), found)
}

func TestService_ApplyChange_IgnoresOwnRegionAndStaleChanges(t *testing.T) {
	pub := &recordingPublisher{}
	cache := newMapCache()
	svc := newTestService(t, newMemStore(), cache, pub, "eu")
	ctx := context.Background()

	require.NoError(t, svc.Save(ctx, sampleRecord()))
	_, err := svc.FindByID(ctx, "A1")
	require.NoError(t, err)

	require.NoError(t, svc.ApplyChange(ctx, pub.last()))
	assert.Equal(t, 0, cache.len())

	stale := *pub.last()
	stale.OriginRegion = "us"
	stale.OccurredAt = testNow.Add(-2 * time.Minute)
	require.NoError(t, svc.ApplyChange(ctx, &stale))
	assert.Equal(t, 0, cache.len())

	assert.ErrorIs(t, svc.ApplyChange(ctx, &Change{}), ErrInvalidRecord)
}

// TestPurpose: Validates that the SaaS profile soft-invalidates instead of deleting and waits for publish confirmation.
// Scope: Unit Test
// Expected: Invalidate is called, Delete is not, and the tombstone asks for confirmation.
func TestService_Remove_SaaSProfileInvalidates(t *testing.T) {
	store := new(mockStore)
	store.On("Invalidate", mock.Anything, "A1", testNow).Return(nil)
	pub := &recordingPublisher{}
	c, h := newTestCrypto(t)
	svc := NewService(store, newMapCache(), pub, NewSealer(c, h, time.Second), h, audit.NopLogger{},
		Config{Region: "eu", Profile: ProfileSaaS, ConfirmRemovals: true},
		WithClock(func() time.Time { return testNow }))

	require.NoError(t, svc.Remove(context.Background(), sampleRecord()))
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	require.NotNil(t, pub.last())
	assert.True(t, pub.last().Confirm)
}

func TestService_Remove_StoreFailureStillPublishesTombstone(t *testing.T) {
	store := new(mockStore)
	store.On("Delete", mock.Anything, "A1").Return(errors.New("connection reset"))
	pub := &recordingPublisher{}
	svc := newTestService(t, store, newMapCache(), pub, "eu")

	err := svc.Remove(context.Background(), sampleRecord())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	require.NotNil(t, pub.last())
	assert.True(t, pub.last().IsTombstone())
}

// TestPurpose: Validates the client deletion cascade.
// Scope: Unit Test
// Expected: Every record of the tenant's client is removed and one tombstone is published per record.
func TestService_Cleanup_ByClient(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	svc := newTestService(t, store, newMapCache(), pub, "eu")
	ctx := context.Background()

	for _, id := range []string{"A1", "A2", "A3"} {
		rec := sampleRecord()
		rec.ID = id
		rec.Attributes = nil
		rec.AuthorizationCode.Value = "code-" + id
		rec.AccessToken.Value = "tok-" + id
		rec.RefreshToken.Value = "refresh-" + id
		if id == "A3" {
			rec.RegisteredClientID = "client-2"
		}
		require.NoError(t, svc.Save(ctx, rec))
	}
	pub.changes = nil

	n, err := svc.Cleanup(ctx, CleanupRequest{TenantID: "tenant-1", RegisteredClientID: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, pub.changes, 2)

	_, ok := store.get("A3")
	assert.True(t, ok)
	_, ok = store.get("A1")
	assert.False(t, ok)

	_, err = svc.Cleanup(ctx, CleanupRequest{TenantID: "tenant-1"})
	assert.ErrorIs(t, err, ErrInvalidCleanup)
}

func TestService_Cleanup_ByRecordID(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store, newMapCache(), nil, "eu")
	ctx := context.Background()
	require.NoError(t, svc.Save(ctx, sampleRecord()))

	n, err := svc.Cleanup(ctx, CleanupRequest{RecordID: "A1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.Cleanup(ctx, CleanupRequest{RecordID: "A1"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestPurpose: Validates that a local miss falls back to peer regions when a remote lookup is configured.
// Scope: Unit Test
// Expected: The record held by the peer is decrypted and returned; the query carries the lookup hash, not the token.
func TestService_FindByToken_RemoteFallback(t *testing.T) {
	pub := &recordingPublisher{}
	peer := newTestService(t, newMemStore(), newMapCache(), pub, "us")
	require.NoError(t, peer.Save(context.Background(), sampleRecord()))

	remote := &stubRemote{rec: pub.last().Record}
	svc := newTestService(t, newMemStore(), newMapCache(), nil, "eu", WithRemoteLookup(remote))

	found, err := svc.FindByToken(context.Background(), "tok-1", TokenTypeAccessToken)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "A1", found.ID)

	require.Len(t, remote.queries, 1)
	assert.Equal(t, TokenTypeAccessToken, remote.queries[0].Lookup.Type)
	assert.False(t, strings.Contains(remote.queries[0].Lookup.Hash, "tok-1"))
}

// TestPurpose: Validates that an unreachable peer region is reported as a failure, not as an absent record.
// Scope: Unit Test
// Expected: A lookup error surfaces as ErrRemoteUnavailable; peers answering not-found still yield an absent result.
func TestService_FindByID_RemoteFailure(t *testing.T) {
	remote := &stubRemote{err: errors.New("deadline exceeded")}
	svc := newTestService(t, newMemStore(), newMapCache(), nil, "eu", WithRemoteLookup(remote))

	found, err := svc.FindByID(context.Background(), "A1")
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
	assert.Contains(t, err.Error(), "deadline exceeded")
	assert.Nil(t, found)

	remote.err = nil
	found, err = svc.FindByID(context.Background(), "A1")
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.Len(t, remote.queries, 2)
}

// TestPurpose: Validates that a client cleanup in the standard profile deletes the client's rows in one statement.
// Scope: Unit Test
// Expected: DeleteByClient runs once, no per-record Delete is issued, and each record gets a tombstone.
func TestService_Cleanup_ByClientDeletesInOneStatement(t *testing.T) {
	stored := []*StoredRecord{
		{ID: "A1", TenantID: "tenant-1", RegisteredClientID: "client-1", State: "s1"},
		{ID: "A2", TenantID: "tenant-1", RegisteredClientID: "client-1"},
	}
	store := new(mockStore)
	store.On("FindByClient", mock.Anything, "tenant-1", "client-1").Return(stored, nil)
	store.On("DeleteByClient", mock.Anything, "tenant-1", "client-1").Return(int64(2), nil).Once()
	pub := &recordingPublisher{}
	cache := newMapCache()
	require.NoError(t, cache.Put(context.Background(), []string{keyPrefixID + "A1"}, sampleRecord(), time.Minute))
	svc := newTestService(t, store, cache, pub, "eu")

	n, err := svc.Cleanup(context.Background(), CleanupRequest{TenantID: "tenant-1", RegisteredClientID: "client-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	assert.Equal(t, 0, cache.len())
	require.Len(t, pub.changes, 2)
	for _, change := range pub.changes {
		assert.True(t, change.IsTombstone())
	}
}

func TestService_Cleanup_ByClientStoreFailure(t *testing.T) {
	stored := []*StoredRecord{{ID: "A1", TenantID: "tenant-1", RegisteredClientID: "client-1"}}
	store := new(mockStore)
	store.On("FindByClient", mock.Anything, "tenant-1", "client-1").Return(stored, nil)
	store.On("DeleteByClient", mock.Anything, "tenant-1", "client-1").Return(int64(0), errors.New("connection reset"))
	pub := &recordingPublisher{}
	svc := newTestService(t, store, newMapCache(), pub, "eu")

	n, err := svc.Cleanup(context.Background(), CleanupRequest{TenantID: "tenant-1", RegisteredClientID: "client-1"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 0, n)
	assert.Len(t, pub.changes, 1)
}

func TestService_PurgeExpired(t *testing.T) {
	store := new(mockStore)
	store.On("DeleteExpired", mock.Anything, testNow).Return(int64(3), nil)
	svc := newTestService(t, store, newMapCache(), nil, "eu")

	n, err := svc.PurgeExpired(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
